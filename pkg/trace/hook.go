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
	"time"

	"github.com/tombee/agentlens/pkg/event"
)

// Drop reasons reported through the Hook.
const (
	DropReasonOverflow = "overflow"
	DropReasonEnded    = "run_ended"
	DropReasonSampled  = "unsampled"
)

// Hook observes pipeline activity for metrics collection. Implementations
// must be cheap and non-blocking; hooks run on the submit hot path.
type Hook interface {
	EventEnqueued(t event.Type)
	EventDropped(t event.Type, reason string)
	BatchExported(size int, took time.Duration)
	BatchDropped(size int)
}

type nopHook struct{}

func (nopHook) EventEnqueued(event.Type)         {}
func (nopHook) EventDropped(event.Type, string)  {}
func (nopHook) BatchExported(int, time.Duration) {}
func (nopHook) BatchDropped(int)                 {}
