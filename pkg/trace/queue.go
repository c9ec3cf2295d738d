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
	"sync/atomic"
	"time"

	"github.com/tombee/agentlens/pkg/event"
)

// queue is the single synchronization point between producers and the
// worker: a fixed-capacity channel plus per-type drop counters. The
// submit path takes no locks and allocates nothing.
type queue struct {
	ch    chan *event.Event
	drops [event.TypeCustom + 1]atomic.Uint64
}

func newQueue(size int) *queue {
	return &queue{ch: make(chan *event.Event, size)}
}

// TrySubmit enqueues without blocking. A full queue drops the event and
// counts it; the producer is never delayed.
func (q *queue) TrySubmit(ev *event.Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.drops[ev.Type].Add(1)
		return false
	}
}

// SubmitWait enqueues, waiting up to timeout for capacity. Used only for
// run_end when block_on_run_end is configured.
func (q *queue) SubmitWait(ev *event.Event, timeout time.Duration) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- ev:
		return true
	case <-timer.C:
		q.drops[ev.Type].Add(1)
		return false
	}
}

// Depth reports the current number of queued events.
func (q *queue) Depth() int {
	return len(q.ch)
}

// DropCounts snapshots the per-type drop counters.
func (q *queue) DropCounts() map[event.Type]uint64 {
	counts := make(map[event.Type]uint64, len(q.drops))
	for t := range q.drops {
		if n := q.drops[t].Load(); n > 0 {
			counts[event.Type(t)] = n
		}
	}
	return counts
}
