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

package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlens/internal/pipeline"
	"github.com/tombee/agentlens/pkg/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestExportBatchFullRun(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	start := time.Now().UnixMilli()
	exportRun(t, ex, "run-1", "research-agent", event.RunCompleted, start,
		event.LLMCall{Model: "gpt-4", Prompt: "plan", Response: "step 1"},
		event.ToolCall{ToolName: "search", ToolArgs: map[string]any{"q": "weather"}, ToolResult: "sunny"},
		event.FinalAnswer{Answer: "done"})

	detail, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "research-agent", detail.Name)
	assert.Equal(t, event.RunCompleted, detail.Status)
	assert.Equal(t, start, detail.StartedAtMS)
	require.NotNil(t, detail.EndedAtMS)
	require.NotNil(t, detail.DurationMS)
	assert.Equal(t, *detail.EndedAtMS-detail.StartedAtMS, *detail.DurationMS)
	assert.Equal(t, int64(5), detail.StepCount)
	assert.Equal(t, int64(0), detail.ErrorCount)
	assert.Zero(t, ex.DroppedEvents())
	assert.Zero(t, ex.DroppedBatches())
}

func TestExportBatchRunMetadataLifted(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	events := []*event.Event{{
		RunID:       "run-1",
		Type:        event.TypeRunStart,
		Name:        "agent",
		TimestampMS: time.Now().UnixMilli(),
		Status:      event.StatusInfo,
		Metadata: map[string]any{
			event.MetaUserID:    "user-7",
			event.MetaSessionID: "sess-3",
			"environment":       "staging",
		},
		Payload: event.RunStart{},
	}}
	require.NoError(t, ex.ExportBatch(context.Background(), events))

	detail, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "user-7", detail.UserID)
	assert.Equal(t, "sess-3", detail.SessionID)
	assert.Equal(t, map[string]any{"environment": "staging"}, detail.Metadata)
}

func TestExportBatchDropsEventWithoutRun(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	events := []*event.Event{{
		RunID:       "ghost-run",
		EventID:     1,
		Type:        event.TypeLLMCall,
		TimestampMS: time.Now().UnixMilli(),
		Status:      event.StatusOK,
		Payload:     event.LLMCall{Model: "gpt-4", Prompt: "hi", Response: "x"},
	}}
	require.NoError(t, ex.ExportBatch(context.Background(), events))

	// Every step must belong to a run: the orphan was dropped
	var steps int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM steps").Scan(&steps))
	assert.Equal(t, 0, steps)
	assert.Equal(t, uint64(1), ex.DroppedEvents())
}

func TestExportBatchRunStartEarlierInBatch(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	// run_start and a follow-up event in the same batch: the in-batch
	// run row satisfies the follow-up
	now := time.Now().UnixMilli()
	events := []*event.Event{
		{RunID: "run-1", EventID: 0, Type: event.TypeRunStart, Name: "agent",
			TimestampMS: now, Status: event.StatusInfo, Payload: event.RunStart{}},
		{RunID: "run-1", EventID: 1, Type: event.TypeToolCall, Name: "calc",
			TimestampMS: now + 1, Status: event.StatusOK,
			Payload: event.ToolCall{ToolName: "calc", ToolResult: float64(2)}},
	}
	require.NoError(t, ex.ExportBatch(context.Background(), events))

	steps, err := store.GetSteps(context.Background(), "run-1", StepQuery{})
	require.NoError(t, err)
	assert.Len(t, steps, 2)
	assert.Zero(t, ex.DroppedEvents())
}

func TestExportBatchDropsLateEvents(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	start := time.Now().UnixMilli()
	exportRun(t, ex, "run-1", "agent", event.RunCompleted, start)

	// Events arriving after run_end are dropped and do not reopen the run
	late := []*event.Event{{
		RunID: "run-1", EventID: 99, Type: event.TypeToolCall, Name: "late",
		TimestampMS: start + 100, Status: event.StatusOK,
		Payload: event.ToolCall{ToolName: "late"},
	}}
	require.NoError(t, ex.ExportBatch(context.Background(), late))

	assert.Equal(t, uint64(1), ex.DroppedEvents())
	detail, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, event.RunCompleted, detail.Status)
	assert.Equal(t, int64(2), detail.StepCount)
}

func TestExportBatchSecondRunEndIgnored(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	start := time.Now().UnixMilli()
	exportRun(t, ex, "run-1", "agent", event.RunCompleted, start)

	second := []*event.Event{{
		RunID: "run-1", EventID: 50, Type: event.TypeRunEnd,
		TimestampMS: start + 500, Status: event.StatusInfo,
		Payload: event.RunEnd{FinalStatus: event.RunFailed},
	}}
	require.NoError(t, ex.ExportBatch(context.Background(), second))

	// completed -> failed is not a legal transition
	detail, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, event.RunCompleted, detail.Status)
}

func TestExportBatchOversizeBlobDropped(t *testing.T) {
	store := newTestStore(t)
	ex := NewExporter(store, ExporterConfig{
		Encoder:      pipeline.NewEncoder(pipeline.EncoderConfig{}),
		MaxBlobBytes: 64,
	})

	now := time.Now().UnixMilli()
	big := make([]byte, 256)
	for i := range big {
		big[i] = 'a'
	}
	events := []*event.Event{
		{RunID: "run-1", EventID: 0, Type: event.TypeRunStart, Name: "agent",
			TimestampMS: now, Status: event.StatusInfo, Payload: event.RunStart{}},
		{RunID: "run-1", EventID: 1, Type: event.TypeFinalAnswer,
			TimestampMS: now + 1, Status: event.StatusOK,
			Payload: event.FinalAnswer{Answer: string(big)}},
	}
	require.NoError(t, ex.ExportBatch(context.Background(), events))

	steps, err := store.GetSteps(context.Background(), "run-1", StepQuery{})
	require.NoError(t, err)
	assert.Len(t, steps, 1) // run_start only
	assert.Equal(t, uint64(1), ex.DroppedEvents())
}

func TestExportBatchEmpty(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)
	assert.NoError(t, ex.ExportBatch(context.Background(), nil))
}

func TestExportBatchPermanentErrorDropsBatch(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)
	require.NoError(t, store.Close())

	events := []*event.Event{{
		RunID: "run-1", Type: event.TypeRunStart, Name: "agent",
		TimestampMS: time.Now().UnixMilli(), Status: event.StatusInfo,
		Payload: event.RunStart{},
	}}
	err := ex.ExportBatch(context.Background(), events)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), ex.DroppedBatches())
}

func TestExportBatchRetriedBatchIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	start := time.Now().UnixMilli()
	events := []*event.Event{
		{RunID: "run-1", EventID: 0, Type: event.TypeRunStart, Name: "agent",
			TimestampMS: start, Status: event.StatusInfo, Payload: event.RunStart{}},
		{RunID: "run-1", EventID: 1, Type: event.TypeFinalAnswer,
			TimestampMS: start + 1, Status: event.StatusOK,
			Payload: event.FinalAnswer{Answer: "done"}},
	}

	// Committing the same batch twice must not duplicate steps
	require.NoError(t, ex.ExportBatch(context.Background(), events))
	require.NoError(t, ex.ExportBatch(context.Background(), events))

	steps, err := store.GetSteps(context.Background(), "run-1", StepQuery{})
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestExportBatchDropsCountedOnceAcrossRetries(t *testing.T) {
	store := newTestStore(t)
	ex := NewExporter(store, ExporterConfig{
		Encoder:      pipeline.NewEncoder(pipeline.EncoderConfig{}),
		MaxBlobBytes: 64,
	})

	start := time.Now().UnixMilli()
	require.NoError(t, ex.ExportBatch(context.Background(), []*event.Event{
		{RunID: "run-1", EventID: 0, Type: event.TypeRunStart, Name: "agent",
			TimestampMS: start, Status: event.StatusInfo, Payload: event.RunStart{}},
	}))

	// Every attempt fails on the second event with a retryable error, so
	// the batch is retried to exhaustion with the oversize drop in it.
	_, err := store.DB().Exec(`CREATE TRIGGER reject_flaky BEFORE INSERT ON steps
		WHEN NEW.name = 'flaky' BEGIN SELECT RAISE(ABORT, 'database is locked'); END`)
	require.NoError(t, err)

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'a'
	}
	batch := []*event.Event{
		{RunID: "run-1", EventID: 1, Type: event.TypeFinalAnswer,
			TimestampMS: start + 1, Status: event.StatusOK,
			Payload: event.FinalAnswer{Answer: string(big)}},
		{RunID: "run-1", EventID: 2, Type: event.TypeToolCall, Name: "flaky",
			TimestampMS: start + 2, Status: event.StatusOK,
			Payload: event.ToolCall{ToolName: "flaky"}},
	}
	require.Error(t, ex.ExportBatch(context.Background(), batch))

	// No attempt committed, so no per-event drops were recorded.
	assert.Equal(t, uint64(1), ex.DroppedBatches())
	assert.Zero(t, ex.DroppedEvents())

	// The committing attempt counts the oversize drop exactly once.
	_, err = store.DB().Exec("DROP TRIGGER reject_flaky")
	require.NoError(t, err)
	require.NoError(t, ex.ExportBatch(context.Background(), batch))
	assert.Equal(t, uint64(1), ex.DroppedEvents())

	steps, err := store.GetSteps(context.Background(), "run-1", StepQuery{})
	require.NoError(t, err)
	assert.Len(t, steps, 2) // run_start and the tool call
}

func TestExporterInitialize(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)
	assert.NoError(t, ex.Initialize(context.Background()))
	assert.NoError(t, ex.Shutdown(context.Background()))
}
