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

package export

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/agentlens/pkg/event"
)

func newTestExporter(t *testing.T) (*SpanExporter, *tracetest.InMemoryExporter) {
	t.Helper()

	inmem := tracetest.NewInMemoryExporter()
	exp, err := New(Options{Protocol: ProtocolConsole})
	require.NoError(t, err)
	exp.sdk = inmem
	require.NoError(t, exp.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = exp.Shutdown(context.Background())
	})
	return exp, inmem
}

func durationPtr(ms int64) *int64 { return &ms }

func runStartEvent(runID, name string, ts int64) *event.Event {
	return &event.Event{
		EventID:     0,
		RunID:       runID,
		Type:        event.TypeRunStart,
		Name:        name,
		TimestampMS: ts,
		Status:      event.StatusOK,
		Metadata:    map[string]any{"user_id": "alice"},
		Payload:     event.RunStart{},
	}
}

func runEndEvent(runID, finalStatus string, ts int64) *event.Event {
	return &event.Event{
		EventID:     99,
		RunID:       runID,
		Type:        event.TypeRunEnd,
		Name:        "",
		TimestampMS: ts,
		Status:      event.StatusOK,
		Payload:     event.RunEnd{FinalStatus: finalStatus},
	}
}

func findSpan(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("span %q not found among %d spans", name, len(spans))
	return tracetest.SpanStub{}
}

func attrString(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestNew_ProtocolValidation(t *testing.T) {
	_, err := New(Options{Protocol: "carrier-pigeon"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported otlp protocol")

	_, err = New(Options{Protocol: ProtocolGRPC})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")

	// Default protocol is grpc, so an endpoint is still required.
	_, err = New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Protocol: ProtocolConsole})
	assert.NoError(t, err)

	_, err = New(Options{Endpoint: "localhost:4317"})
	assert.NoError(t, err)
}

func TestExportBatch_NotInitialized(t *testing.T) {
	exp, err := New(Options{Protocol: ProtocolConsole})
	require.NoError(t, err)

	err = exp.ExportBatch(context.Background(), []*event.Event{runStartEvent("r1", "checkout", 1000)})
	assert.Error(t, err)
}

func TestExportBatch_RunBecomesTrace(t *testing.T) {
	exp, inmem := newTestExporter(t)

	base := time.Now().Add(-time.Minute).UnixMilli()
	batch := []*event.Event{
		runStartEvent("run-1", "checkout", base),
		{
			EventID:     1,
			RunID:       "run-1",
			Type:        event.TypeLLMCall,
			Name:        "gpt-test",
			TimestampMS: base + 2000,
			DurationMS:  durationPtr(1200),
			Status:      event.StatusOK,
			Payload:     event.LLMCall{Model: "gpt-test", Prompt: "hi", Response: "hello", TotalTokens: 12},
		},
		{
			EventID:     2,
			RunID:       "run-1",
			Type:        event.TypeToolCall,
			Name:        "search",
			TimestampMS: base + 3000,
			Status:      event.StatusOK,
			Payload:     event.ToolCall{ToolName: "search", ToolArgs: map[string]any{"q": "go"}, ToolResult: "ok"},
		},
		runEndEvent("run-1", event.RunCompleted, base+4000),
	}

	require.NoError(t, exp.ExportBatch(context.Background(), batch))

	spans := inmem.GetSpans()
	require.Len(t, spans, 3)

	root := findSpan(t, spans, "checkout")
	assert.Equal(t, codes.Ok, root.Status.Code)
	runID, ok := attrString(root.Attributes, "agent.run.id")
	require.True(t, ok)
	assert.Equal(t, "run-1", runID)
	final, ok := attrString(root.Attributes, "agent.run.final_status")
	require.True(t, ok)
	assert.Equal(t, event.RunCompleted, final)
	user, ok := attrString(root.Attributes, "agent.run.meta.user_id")
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, time.UnixMilli(base).UTC(), root.StartTime.UTC())
	assert.Equal(t, time.UnixMilli(base+4000).UTC(), root.EndTime.UTC())

	llm := findSpan(t, spans, "gpt-test")
	assert.Equal(t, root.SpanContext.TraceID(), llm.SpanContext.TraceID())
	assert.Equal(t, root.SpanContext.SpanID(), llm.Parent.SpanID())
	assert.Equal(t, 1200*time.Millisecond, llm.EndTime.Sub(llm.StartTime))
	model, ok := attrString(llm.Attributes, "agent.llm_call.model")
	require.True(t, ok)
	assert.Equal(t, "gpt-test", model)

	// No measured duration makes a point span.
	tool := findSpan(t, spans, "search")
	assert.True(t, tool.StartTime.Equal(tool.EndTime))
	assert.Equal(t, root.SpanContext.TraceID(), tool.SpanContext.TraceID())
}

func TestExportBatch_FailedRunSetsErrorStatus(t *testing.T) {
	exp, inmem := newTestExporter(t)

	base := time.Now().UnixMilli()
	batch := []*event.Event{
		runStartEvent("run-2", "pipeline", base),
		runEndEvent("run-2", event.RunFailed, base+100),
	}
	require.NoError(t, exp.ExportBatch(context.Background(), batch))

	root := findSpan(t, inmem.GetSpans(), "pipeline")
	assert.Equal(t, codes.Error, root.Status.Code)
}

func TestExportBatch_ErrorEventStatus(t *testing.T) {
	exp, inmem := newTestExporter(t)

	base := time.Now().UnixMilli()
	batch := []*event.Event{
		runStartEvent("run-3", "job", base),
		{
			EventID:     1,
			RunID:       "run-3",
			Type:        event.TypeError,
			Name:        "*errors.errorString",
			TimestampMS: base + 50,
			Status:      event.StatusError,
			Payload:     event.ErrorInfo{ErrorType: "*errors.errorString", ErrorMessage: "boom", Critical: true},
		},
		runEndEvent("run-3", event.RunFailed, base+100),
	}
	require.NoError(t, exp.ExportBatch(context.Background(), batch))

	errSpan := findSpan(t, inmem.GetSpans(), "*errors.errorString")
	assert.Equal(t, codes.Error, errSpan.Status.Code)
	assert.Equal(t, "boom", errSpan.Status.Description)
}

func TestExportBatch_UnknownRunSkipped(t *testing.T) {
	exp, inmem := newTestExporter(t)

	batch := []*event.Event{
		{
			EventID:     5,
			RunID:       "never-started",
			Type:        event.TypeToolCall,
			Name:        "search",
			TimestampMS: time.Now().UnixMilli(),
			Status:      event.StatusOK,
			Payload:     event.ToolCall{ToolName: "search"},
		},
	}
	require.NoError(t, exp.ExportBatch(context.Background(), batch))
	assert.Empty(t, inmem.GetSpans())
}

func TestExportBatch_RunEndWithoutRoot(t *testing.T) {
	exp, inmem := newTestExporter(t)

	batch := []*event.Event{runEndEvent("never-started", event.RunCompleted, time.Now().UnixMilli())}
	require.NoError(t, exp.ExportBatch(context.Background(), batch))
	assert.Empty(t, inmem.GetSpans())
}

func TestShutdown_ClosesOpenRoots(t *testing.T) {
	inmem := tracetest.NewInMemoryExporter()
	exp, err := New(Options{Protocol: ProtocolConsole})
	require.NoError(t, err)
	exp.sdk = inmem
	require.NoError(t, exp.Initialize(context.Background()))

	batch := []*event.Event{runStartEvent("run-4", "abandoned", time.Now().UnixMilli())}
	require.NoError(t, exp.ExportBatch(context.Background(), batch))
	assert.Empty(t, inmem.GetSpans())

	require.NoError(t, exp.Shutdown(context.Background()))

	root := findSpan(t, inmem.GetSpans(), "abandoned")
	assert.Equal(t, codes.Error, root.Status.Code)
	assert.Equal(t, "run never ended", root.Status.Description)
}

func TestAttrValue(t *testing.T) {
	kv := attrValue("k", "plain")
	assert.Equal(t, "plain", kv.Value.AsString())

	kv = attrValue("k", int64(7))
	assert.Equal(t, int64(7), kv.Value.AsInt64())

	kv = attrValue("k", true)
	assert.True(t, kv.Value.AsBool())

	kv = attrValue("k", map[string]any{"nested": 1})
	assert.JSONEq(t, `{"nested":1}`, kv.Value.AsString())

	long := strings.Repeat("x", maxAttrValueLen+100)
	kv = attrValue("k", long)
	assert.Len(t, kv.Value.AsString(), maxAttrValueLen)
}
