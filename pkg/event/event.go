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

// Package event defines the semantic event model captured during agent runs.
//
// Every observation is an Event: a common envelope (identifiers, timestamp,
// status, metadata) plus a tagged payload variant. The payload variants are a
// closed set; user-defined observations use the Custom variant, which travels
// through the same processing pipeline as the built-in types.
package event

import (
	"fmt"
)

// Type tags the payload variant carried by an event.
type Type uint8

const (
	// TypeRunStart marks the beginning of a run. The envelope carries the
	// run name and metadata; the payload is empty.
	TypeRunStart Type = iota
	// TypeRunEnd terminates a run with its final status.
	TypeRunEnd
	// TypeLLMCall records a model invocation.
	TypeLLMCall
	// TypeToolCall records a tool invocation.
	TypeToolCall
	// TypeMemoryRead records a read from agent memory.
	TypeMemoryRead
	// TypeMemoryWrite records a write to agent memory.
	TypeMemoryWrite
	// TypeError records a failure observed during the run.
	TypeError
	// TypeFinalAnswer records the run's final output.
	TypeFinalAnswer
	// TypeCustom carries a user-defined payload.
	TypeCustom

	// numTypes is the count of defined types, used for sizing per-type
	// counters. Keep it last.
	numTypes
)

// NumTypes reports how many event types are defined.
func NumTypes() int { return int(numTypes) }

// Reserved metadata keys on run_start envelopes. Run-level annotations
// travel in the envelope metadata and are lifted into run columns by the
// storage layer; remaining keys persist as run metadata.
const (
	MetaUserID      = "user_id"
	MetaSessionID   = "session_id"
	MetaParentRunID = "parent_run_id"
)

var typeNames = [numTypes]string{
	TypeRunStart:    "run_start",
	TypeRunEnd:      "run_end",
	TypeLLMCall:     "llm_call",
	TypeToolCall:    "tool_call",
	TypeMemoryRead:  "memory_read",
	TypeMemoryWrite: "memory_write",
	TypeError:       "error",
	TypeFinalAnswer: "final_answer",
	TypeCustom:      "custom",
}

// String returns the wire name of the type (e.g. "llm_call").
func (t Type) String() string {
	if t >= numTypes {
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
	return typeNames[t]
}

// Valid reports whether t is a defined event type.
func (t Type) Valid() bool { return t < numTypes }

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid event type %d", uint8(t))
	}
	return []byte(typeNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType resolves a wire name back to its Type.
func ParseType(name string) (Type, error) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", name)
}

// Status classifies the outcome of a single event.
type Status string

const (
	// StatusOK marks a successful observation.
	StatusOK Status = "ok"
	// StatusError marks a failed observation.
	StatusError Status = "error"
	// StatusInfo marks a neutral, informational observation.
	StatusInfo Status = "info"
)

// Run final statuses, carried by the RunEnd payload.
const (
	// RunCompleted is the final status of a run that exited normally.
	RunCompleted = "completed"
	// RunFailed is the final status of a run that exited abnormally.
	RunFailed = "failed"
	// RunRunning is the status of a run that has not yet ended.
	RunRunning = "running"
)

// Event is one observation within a run: the shared envelope plus a typed
// payload. Events are immutable once constructed; producers hand ownership
// to the queue on submission.
type Event struct {
	// EventID is monotonic within a run, assigned at emission.
	EventID uint64 `json:"event_id"`

	// RunID identifies the run this event belongs to.
	RunID string `json:"run_id"`

	// ParentEventID links nested observations. Empty means no parent.
	ParentEventID string `json:"parent_event_id,omitempty"`

	// Type tags the payload variant.
	Type Type `json:"type"`

	// Name is a short display label derived from the payload (model name,
	// tool name, memory key, run name for run_start).
	Name string `json:"name"`

	// TimestampMS is the emission time in Unix milliseconds.
	TimestampMS int64 `json:"timestamp_ms"`

	// DurationMS is how long the observed operation took. Nil when the
	// emitter did not measure one.
	DurationMS *int64 `json:"duration_ms"`

	// Status classifies the outcome.
	Status Status `json:"status"`

	// Metadata carries caller-supplied envelope annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Payload is the variant data. It participates in redaction; the
	// envelope does not.
	Payload Payload `json:"payload"`
}

// Payload is the closed set of event variant data. Implementations live in
// this package; user extensions use Custom.
type Payload interface {
	// Kind returns the type tag for this variant.
	Kind() Type

	// EventName returns the display label the envelope should carry.
	EventName() string

	// Fields returns the payload as a fresh map for the processing
	// pipeline. Optional fields with zero values are omitted.
	Fields() map[string]any

	isPayload()
}

// RunStart is the payload of the event that opens a run. The run name and
// metadata travel in the envelope.
type RunStart struct{}

func (RunStart) Kind() Type             { return TypeRunStart }
func (RunStart) EventName() string      { return "" }
func (RunStart) Fields() map[string]any { return map[string]any{} }
func (RunStart) isPayload()             {}

// RunEnd is the payload of the event that terminates a run.
type RunEnd struct {
	// FinalStatus is RunCompleted or RunFailed.
	FinalStatus string `json:"final_status"`
}

func (RunEnd) Kind() Type          { return TypeRunEnd }
func (RunEnd) EventName() string   { return "" }
func (p RunEnd) Fields() map[string]any {
	return map[string]any{"final_status": p.FinalStatus}
}
func (RunEnd) isPayload() {}

// LLMCall records one model invocation.
type LLMCall struct {
	// Model is the model identifier.
	Model string `json:"model"`

	// Prompt is the input: a plain string or a message array.
	Prompt any `json:"prompt"`

	// Response is the model output.
	Response string `json:"response"`

	// TotalTokens is the token count when known, 0 otherwise.
	TotalTokens int64 `json:"total_tokens,omitempty"`

	// LatencyMS is the provider latency when measured, 0 otherwise.
	LatencyMS int64 `json:"latency_ms,omitempty"`
}

func (LLMCall) Kind() Type            { return TypeLLMCall }
func (p LLMCall) EventName() string   { return p.Model }
func (p LLMCall) Fields() map[string]any {
	f := map[string]any{
		"model":    p.Model,
		"prompt":   p.Prompt,
		"response": p.Response,
	}
	if p.TotalTokens != 0 {
		f["total_tokens"] = p.TotalTokens
	}
	if p.LatencyMS != 0 {
		f["latency_ms"] = p.LatencyMS
	}
	return f
}
func (LLMCall) isPayload() {}

// ToolCall records one tool invocation.
type ToolCall struct {
	// ToolName identifies the tool.
	ToolName string `json:"tool_name"`

	// ToolArgs is the JSON argument object passed to the tool.
	ToolArgs map[string]any `json:"tool_args"`

	// ToolResult is whatever the tool returned.
	ToolResult any `json:"tool_result"`
}

func (ToolCall) Kind() Type          { return TypeToolCall }
func (p ToolCall) EventName() string { return p.ToolName }
func (p ToolCall) Fields() map[string]any {
	return map[string]any{
		"tool_name":   p.ToolName,
		"tool_args":   p.ToolArgs,
		"tool_result": p.ToolResult,
	}
}
func (ToolCall) isPayload() {}

// MemoryRead records a read from agent memory.
type MemoryRead struct {
	// Key is the memory slot that was read.
	Key string `json:"memory_key"`

	// Value is what the read returned.
	Value any `json:"memory_value"`

	// MemoryType labels the memory subsystem (e.g. "episodic", "kv").
	MemoryType string `json:"memory_type"`
}

func (MemoryRead) Kind() Type          { return TypeMemoryRead }
func (p MemoryRead) EventName() string { return p.Key }
func (p MemoryRead) Fields() map[string]any {
	return map[string]any{
		"memory_key":   p.Key,
		"memory_value": p.Value,
		"memory_type":  p.MemoryType,
	}
}
func (MemoryRead) isPayload() {}

// MemoryWrite records a write to agent memory.
type MemoryWrite struct {
	// Key is the memory slot that was written.
	Key string `json:"memory_key"`

	// Value is what was stored.
	Value any `json:"memory_value"`

	// MemoryType labels the memory subsystem.
	MemoryType string `json:"memory_type"`

	// Overwrite reports whether an existing value was replaced.
	Overwrite bool `json:"overwrite"`
}

func (MemoryWrite) Kind() Type          { return TypeMemoryWrite }
func (p MemoryWrite) EventName() string { return p.Key }
func (p MemoryWrite) Fields() map[string]any {
	return map[string]any{
		"memory_key":   p.Key,
		"memory_value": p.Value,
		"memory_type":  p.MemoryType,
		"overwrite":    p.Overwrite,
	}
}
func (MemoryWrite) isPayload() {}

// ErrorInfo records a failure observed during a run.
type ErrorInfo struct {
	// ErrorType is the error classification (Go type name or caller label).
	ErrorType string `json:"error_type"`

	// ErrorMessage is the error text.
	ErrorMessage string `json:"error_message"`

	// Critical marks failures that terminated the run.
	Critical bool `json:"critical"`

	// Stack is an optional stack trace.
	Stack string `json:"stack,omitempty"`
}

func (ErrorInfo) Kind() Type          { return TypeError }
func (p ErrorInfo) EventName() string { return p.ErrorType }
func (p ErrorInfo) Fields() map[string]any {
	f := map[string]any{
		"error_type":    p.ErrorType,
		"error_message": p.ErrorMessage,
		"critical":      p.Critical,
	}
	if p.Stack != "" {
		f["stack"] = p.Stack
	}
	return f
}
func (ErrorInfo) isPayload() {}

// FinalAnswer records the run's final output.
type FinalAnswer struct {
	// Answer is the final response produced by the agent.
	Answer string `json:"answer"`
}

func (FinalAnswer) Kind() Type        { return TypeFinalAnswer }
func (FinalAnswer) EventName() string { return "final_answer" }
func (p FinalAnswer) Fields() map[string]any {
	return map[string]any{"answer": p.Answer}
}
func (FinalAnswer) isPayload() {}

// Custom carries a user-defined payload through the standard pipeline.
type Custom struct {
	// Name labels the custom event.
	Name string `json:"name"`

	// Data is the user payload. Nested maps participate in redaction.
	Data map[string]any `json:"payload"`
}

func (Custom) Kind() Type          { return TypeCustom }
func (p Custom) EventName() string { return p.Name }
func (p Custom) Fields() map[string]any {
	return map[string]any{
		"name":    p.Name,
		"payload": p.Data,
	}
}
func (Custom) isPayload() {}
