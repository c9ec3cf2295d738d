// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trace

import "hash/fnv"

// Sampler decides once per run whether the run is recorded. Every event
// in the run inherits that decision.
type Sampler interface {
	ShouldSample(runID, runName string) bool
}

// hashSampler makes a deterministic decision from the run ID: the same
// run ID always samples the same way at a given rate.
type hashSampler struct {
	rate float64
}

// NewSampler returns the default hash-based sampler for rate.
func NewSampler(rate float64) Sampler {
	return &hashSampler{rate: rate}
}

func (s *hashSampler) ShouldSample(runID, runName string) bool {
	if s.rate >= 1 {
		return true
	}
	if s.rate <= 0 {
		return false
	}

	h := fnv.New64a()
	h.Write([]byte(runID))
	normalized := float64(h.Sum64()) / float64(1<<64)
	return normalized < s.rate
}
