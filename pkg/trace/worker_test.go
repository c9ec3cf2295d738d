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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlens/pkg/event"
)

func newTestWorker(t *testing.T, exporter Exporter, hook Hook, mutate func(*Config)) (*worker, *queue) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if hook == nil {
		hook = nopHook{}
	}

	q := newQueue(cfg.QueueSize)
	w := newWorker(q, exporter, cfg, slog.New(slog.DiscardHandler), hook)
	w.start()
	t.Cleanup(func() {
		_ = w.Shutdown(context.Background())
	})
	return w, q
}

func TestWorker_BatchSizeRespected(t *testing.T) {
	capture := &captureExporter{}
	w, q := newTestWorker(t, capture, nil, func(c *Config) { c.BatchSize = 2 })

	for i := 0; i < 5; i++ {
		require.True(t, q.TrySubmit(queueEvent(event.TypeToolCall)))
	}
	require.NoError(t, w.Shutdown(context.Background()))

	capture.mu.Lock()
	defer capture.mu.Unlock()
	total := 0
	for _, b := range capture.batches {
		assert.LessOrEqual(t, len(b), 2)
		total += len(b)
	}
	assert.Equal(t, 5, total)
}

func TestWorker_PartialBatchFlushedOnTimeout(t *testing.T) {
	capture := &captureExporter{}
	_, q := newTestWorker(t, capture, nil, func(c *Config) {
		c.BatchSize = 100
		c.BatchTimeout = 20 * time.Millisecond
	})

	require.True(t, q.TrySubmit(queueEvent(event.TypeToolCall)))
	require.True(t, q.TrySubmit(queueEvent(event.TypeLLMCall)))

	require.Eventually(t, func() bool {
		return len(capture.events()) == 2
	}, time.Second, 5*time.Millisecond, "a stale partial batch must flush without more input")
}

func TestWorker_SurvivesExportFailure(t *testing.T) {
	hook := newRecordHook()
	flaky := &flakyExporter{failures: 1}
	_, q := newTestWorker(t, flaky, hook, func(c *Config) { c.BatchSize = 1 })

	require.True(t, q.TrySubmit(queueEvent(event.TypeToolCall)))
	require.Eventually(t, func() bool {
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return hook.batchesDropped == 1
	}, time.Second, 5*time.Millisecond)

	// The worker keeps consuming after a failed batch.
	require.True(t, q.TrySubmit(queueEvent(event.TypeToolCall)))
	require.Eventually(t, func() bool {
		return len(flaky.events()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_ShutdownDrainsQueue(t *testing.T) {
	capture := &captureExporter{}
	w, q := newTestWorker(t, capture, nil, func(c *Config) { c.BatchSize = 3 })

	for i := 0; i < 10; i++ {
		require.True(t, q.TrySubmit(queueEvent(event.TypeToolCall)))
	}
	require.NoError(t, w.Shutdown(context.Background()))

	assert.Len(t, capture.events(), 10)
	assert.Equal(t, 0, q.Depth())
}

func TestWorker_ShutdownStopsAccepting(t *testing.T) {
	capture := &captureExporter{}
	w, _ := newTestWorker(t, capture, nil, nil)

	assert.True(t, w.accepting())
	require.NoError(t, w.Shutdown(context.Background()))
	assert.False(t, w.accepting())
}

func TestWorker_ShutdownIdempotent(t *testing.T) {
	capture := &captureExporter{}
	w, _ := newTestWorker(t, capture, nil, nil)

	require.NoError(t, w.Shutdown(context.Background()))
	require.NoError(t, w.Shutdown(context.Background()))

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.Equal(t, 1, capture.shutdowns)
}

func TestWorker_ShutdownUnblocksStalledExport(t *testing.T) {
	stalled := &stallingExporter{entered: make(chan struct{}, 1)}
	w, q := newTestWorker(t, stalled, nil, func(c *Config) {
		c.BatchSize = 1
		c.DrainTimeout = 30 * time.Millisecond
	})

	require.True(t, q.TrySubmit(queueEvent(event.TypeToolCall)))
	select {
	case <-stalled.entered:
	case <-time.After(time.Second):
		t.Fatal("exporter was never handed a batch")
	}

	start := time.Now()
	require.NoError(t, w.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "shutdown must not wait on a stuck exporter forever")

	stalled.mu.Lock()
	defer stalled.mu.Unlock()
	assert.True(t, stalled.exportReturned, "stalled export must be cancelled")
	assert.True(t, stalled.shutdownAfterExport, "exporter shutdown must wait for in-flight exports")
}

// flakyExporter fails the first n batches, then captures.
type flakyExporter struct {
	captureExporter
	mu       sync.Mutex
	failures int
}

func (f *flakyExporter) ExportBatch(ctx context.Context, events []*event.Event) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("transient export failure")
	}
	f.mu.Unlock()
	return f.captureExporter.ExportBatch(ctx, events)
}

// stallingExporter blocks every batch until its context is cancelled.
type stallingExporter struct {
	mu                  sync.Mutex
	entered             chan struct{}
	exportReturned      bool
	shutdownAfterExport bool
}

func (s *stallingExporter) Initialize(ctx context.Context) error { return nil }

func (s *stallingExporter) ExportBatch(ctx context.Context, events []*event.Event) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	s.mu.Lock()
	s.exportReturned = true
	s.mu.Unlock()
	return ctx.Err()
}

func (s *stallingExporter) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownAfterExport = s.exportReturned
	return nil
}
