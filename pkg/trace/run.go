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
	"sync"
	"sync/atomic"

	"github.com/tombee/agentlens/pkg/event"
)

// Run is one active agent run. Emitter methods stamp the envelope and
// hand off to the queue; they never block on I/O and never return errors
// to the caller.
type Run struct {
	tr      *Trace
	id      string
	name    string
	sampled bool
	startMS int64

	nextEventID atomic.Uint64
	ended       atomic.Bool

	// only_on_error buffering. The buffer holds every event of the run
	// (run_start included) until the outcome is known.
	mu        sync.Mutex
	buffering bool
	buffer    []*event.Event
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Name returns the run name.
func (r *Run) Name() string { return r.name }

// Sampled reports whether this run's events are recorded.
func (r *Run) Sampled() bool { return r.sampled }

// newEvent stamps the shared envelope for a payload.
func (r *Run) newEvent(p event.Payload, status event.Status, durationMS *int64) *event.Event {
	return &event.Event{
		EventID:     r.nextEventID.Add(1) - 1,
		RunID:       r.id,
		Type:        p.Kind(),
		Name:        p.EventName(),
		TimestampMS: r.tr.now().UnixMilli(),
		DurationMS:  durationMS,
		Status:      status,
		Payload:     p,
	}
}

// emit routes one event: buffered when only_on_error is collecting,
// otherwise straight to the queue.
func (r *Run) emit(ev *event.Event) {
	if !r.sampled {
		return
	}
	if r.ended.Load() {
		r.tr.logger.Warn("event dropped: run already ended",
			"run_id", r.id,
			"event_type", ev.Type.String())
		r.tr.hook.EventDropped(ev.Type, DropReasonEnded)
		return
	}

	if r.buffering {
		r.mu.Lock()
		r.buffer = append(r.buffer, ev)
		r.mu.Unlock()
		return
	}

	r.submit(ev)
}

// submit puts one event on the queue, non-blocking.
func (r *Run) submit(ev *event.Event) {
	if r.tr.worker != nil && !r.tr.worker.accepting() {
		r.tr.hook.EventDropped(ev.Type, DropReasonEnded)
		return
	}
	if r.tr.queue.TrySubmit(ev) {
		r.tr.hook.EventEnqueued(ev.Type)
	} else {
		r.tr.hook.EventDropped(ev.Type, DropReasonOverflow)
	}
}

// LLMOptions describes one model invocation for Run.LLM.
type LLMOptions struct {
	Model       string
	Prompt      any
	Response    string
	TotalTokens int64
	LatencyMS   int64
}

// LLM records a model invocation.
func (r *Run) LLM(opts LLMOptions) {
	var duration *int64
	if opts.LatencyMS > 0 {
		duration = &opts.LatencyMS
	}
	r.emit(r.newEvent(event.LLMCall{
		Model:       opts.Model,
		Prompt:      opts.Prompt,
		Response:    opts.Response,
		TotalTokens: opts.TotalTokens,
		LatencyMS:   opts.LatencyMS,
	}, event.StatusOK, duration))
}

// Tool records a tool invocation.
func (r *Run) Tool(name string, args map[string]any, result any) {
	r.emit(r.newEvent(event.ToolCall{
		ToolName:   name,
		ToolArgs:   args,
		ToolResult: result,
	}, event.StatusOK, nil))
}

// MemoryRead records a memory fetch.
func (r *Run) MemoryRead(key string, value any, memoryType string) {
	r.emit(r.newEvent(event.MemoryRead{
		Key:        key,
		Value:      value,
		MemoryType: memoryType,
	}, event.StatusOK, nil))
}

// MemoryWrite records a memory store.
func (r *Run) MemoryWrite(key string, value any, memoryType string, overwrite bool) {
	r.emit(r.newEvent(event.MemoryWrite{
		Key:        key,
		Value:      value,
		MemoryType: memoryType,
		Overwrite:  overwrite,
	}, event.StatusOK, nil))
}

// Error records an error observation. Critical errors are the ones that
// end the run.
func (r *Run) Error(err error, critical bool) {
	if err == nil {
		return
	}
	r.emit(r.newEvent(event.ErrorInfo{
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
		Critical:     critical,
	}, event.StatusError, nil))
}

// Final records the run's final answer.
func (r *Run) Final(answer string) {
	r.emit(r.newEvent(event.FinalAnswer{Answer: answer}, event.StatusOK, nil))
}

// Emit records a custom event.
func (r *Run) Emit(name string, data map[string]any) {
	r.emit(r.newEvent(event.Custom{Name: name, Data: data}, event.StatusInfo, nil))
}

// End closes the run as completed. Emitters called afterwards drop their
// events with a warning.
func (r *Run) End() {
	r.end(event.RunCompleted)
}

// Fail records err as a critical error and closes the run as failed.
func (r *Run) Fail(err error) {
	r.Error(err, true)
	r.end(event.RunFailed)
}

// end emits the single run_end for this run. Exactly one caller wins;
// later calls are dropped with a warning.
func (r *Run) end(finalStatus string) {
	if !r.sampled {
		return
	}
	if !r.ended.CompareAndSwap(false, true) {
		r.tr.logger.Warn("duplicate run end ignored", "run_id", r.id)
		return
	}

	now := r.tr.now().UnixMilli()
	duration := now - r.startMS
	endEvent := &event.Event{
		EventID:     r.nextEventID.Add(1) - 1,
		RunID:       r.id,
		Type:        event.TypeRunEnd,
		TimestampMS: now,
		DurationMS:  &duration,
		Status:      event.StatusInfo,
		Payload:     event.RunEnd{FinalStatus: finalStatus},
	}

	if r.buffering {
		r.mu.Lock()
		buffered := r.buffer
		r.buffer = nil
		r.mu.Unlock()

		if finalStatus != event.RunFailed {
			// Healthy run under only_on_error: nothing is persisted
			return
		}
		for _, ev := range buffered {
			r.submit(ev)
		}
	}

	r.submitRunEnd(endEvent)
}

// submitRunEnd applies the bounded-wait policy for run_end.
func (r *Run) submitRunEnd(ev *event.Event) {
	if r.tr.worker != nil && !r.tr.worker.accepting() {
		r.tr.hook.EventDropped(ev.Type, DropReasonEnded)
		return
	}

	ok := false
	if r.tr.cfg.BlockOnRunEnd {
		ok = r.tr.queue.SubmitWait(ev, r.tr.cfg.RunEndBlockTimeout)
	} else {
		ok = r.tr.queue.TrySubmit(ev)
	}
	if ok {
		r.tr.hook.EventEnqueued(ev.Type)
	} else {
		r.tr.hook.EventDropped(ev.Type, DropReasonOverflow)
	}
}
