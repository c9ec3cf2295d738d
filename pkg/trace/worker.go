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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/agentlens/pkg/event"
)

// Worker states.
const (
	workerStarting int32 = iota
	workerRunning
	workerDraining
	workerStopped
)

// worker is the single background goroutine that batches queued events
// and hands them to the exporter. Exporter errors are logged, never
// propagated; the worker does not die on a batch failure.
type worker struct {
	q            *queue
	exporter     Exporter
	batchSize    int
	batchTimeout time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger
	hook         Hook

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// exportCtx is cancelled when the drain timeout expires, so an
	// exporter blocked mid-batch unwinds instead of outliving Shutdown.
	exportCtx    context.Context
	cancelExport context.CancelFunc
}

func newWorker(q *queue, exporter Exporter, cfg Config, logger *slog.Logger, hook Hook) *worker {
	exportCtx, cancelExport := context.WithCancel(context.Background())
	return &worker{
		exportCtx:    exportCtx,
		cancelExport: cancelExport,
		q:            q,
		exporter:     exporter,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		drainTimeout: cfg.DrainTimeout,
		logger:       logger,
		hook:         hook,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (w *worker) start() {
	w.state.Store(workerRunning)
	go w.run()
}

// accepting reports whether new submissions should be admitted.
func (w *worker) accepting() bool {
	return w.state.Load() == workerRunning
}

func (w *worker) run() {
	defer close(w.doneCh)

	for {
		// Block for the first event of a batch
		var first *event.Event
		select {
		case first = <-w.q.ch:
		case <-w.stopCh:
			w.drain()
			return
		}

		batch := w.fill(first)
		w.export(batch)
	}
}

// fill collects up to batchSize events, waiting at most batchTimeout
// after the first event arrived.
func (w *worker) fill(first *event.Event) []*event.Event {
	batch := make([]*event.Event, 1, w.batchSize)
	batch[0] = first

	if w.batchSize == 1 {
		return batch
	}

	timer := time.NewTimer(w.batchTimeout)
	defer timer.Stop()

	for len(batch) < w.batchSize {
		select {
		case ev := <-w.q.ch:
			batch = append(batch, ev)
		case <-timer.C:
			return batch
		case <-w.stopCh:
			return batch
		}
	}
	return batch
}

// drain flushes everything left in the queue without waiting for more.
func (w *worker) drain() {
	for {
		batch := make([]*event.Event, 0, w.batchSize)
		for len(batch) < w.batchSize {
			select {
			case ev := <-w.q.ch:
				batch = append(batch, ev)
			default:
				if len(batch) > 0 {
					w.export(batch)
				}
				return
			}
		}
		w.export(batch)
	}
}

func (w *worker) export(batch []*event.Event) {
	start := time.Now()
	if err := w.exporter.ExportBatch(w.exportCtx, batch); err != nil {
		w.logger.Warn("batch export failed",
			"batch_size", len(batch),
			"error", err)
		w.hook.BatchDropped(len(batch))
		return
	}
	w.hook.BatchExported(len(batch), time.Since(start))
}

// Shutdown drains the queue (bounded by the drain timeout), shuts the
// exporter down, and stops. Safe to call more than once.
func (w *worker) Shutdown(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.state.Store(workerDraining)
		close(w.stopCh)

		timer := time.NewTimer(w.drainTimeout)
		defer timer.Stop()
		select {
		case <-w.doneCh:
		case <-timer.C:
			w.logger.Warn("drain timeout exceeded, remaining events dropped",
				"queue_depth", w.q.Depth())
		case <-ctx.Done():
			w.logger.Warn("shutdown context cancelled before drain completed",
				"queue_depth", w.q.Depth())
		}

		// Unblock any in-flight export and wait for the run goroutine to
		// finish before tearing the exporter down underneath it.
		w.cancelExport()
		<-w.doneCh

		w.state.Store(workerStopped)
		err = w.exporter.Shutdown(ctx)
	})
	return err
}
