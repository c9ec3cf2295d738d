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

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampler_RateOne(t *testing.T) {
	s := NewSampler(1.0)
	for i := 0; i < 100; i++ {
		assert.True(t, s.ShouldSample(fmt.Sprintf("run-%d", i), "job"))
	}
}

func TestSampler_RateZero(t *testing.T) {
	s := NewSampler(0)
	for i := 0; i < 100; i++ {
		assert.False(t, s.ShouldSample(fmt.Sprintf("run-%d", i), "job"))
	}
}

func TestSampler_NegativeRateNeverSamples(t *testing.T) {
	s := NewSampler(-0.5)
	assert.False(t, s.ShouldSample("run-1", "job"))
}

func TestSampler_Deterministic(t *testing.T) {
	a := NewSampler(0.3)
	b := NewSampler(0.3)

	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("run-%d", i)
		assert.Equal(t, a.ShouldSample(id, "job"), b.ShouldSample(id, "job"),
			"decision for %s must not vary between sampler instances", id)
	}
}

func TestSampler_RepeatedCallsAgree(t *testing.T) {
	s := NewSampler(0.5)
	first := s.ShouldSample("fixed-run-id", "job")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, s.ShouldSample("fixed-run-id", "job"))
	}
}

func TestSampler_ApproximatesRate(t *testing.T) {
	const n = 20000
	s := NewSampler(0.5)

	sampled := 0
	for i := 0; i < n; i++ {
		if s.ShouldSample(fmt.Sprintf("run-%d", i), "job") {
			sampled++
		}
	}

	ratio := float64(sampled) / n
	assert.InDelta(t, 0.5, ratio, 0.05)
}
