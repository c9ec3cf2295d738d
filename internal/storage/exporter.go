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
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tombee/agentlens/internal/pipeline"
	"github.com/tombee/agentlens/pkg/errors"
	"github.com/tombee/agentlens/pkg/event"
)

const (
	// defaultMaxBlobBytes is the largest payload blob stored per event.
	defaultMaxBlobBytes = 10 * 1024 * 1024

	// maxBatchAttempts bounds transient-error retries per batch.
	maxBatchAttempts = 3

	// retryBaseDelay is the first backoff step; it doubles per attempt.
	retryBaseDelay = 50 * time.Millisecond
)

// ExporterConfig configures the storage Exporter.
type ExporterConfig struct {
	// Encoder prepares payload blobs. Required.
	Encoder *pipeline.Encoder

	// MaxBlobBytes drops events whose encoded blob exceeds this size.
	// 0 means the 10 MB default.
	MaxBlobBytes int

	// Logger receives drop warnings. Nil means no logging.
	Logger *slog.Logger
}

// Exporter persists event batches into the Store. One batch commits in
// one transaction; transient failures retry the whole batch with
// backoff, then the batch is dropped and counted.
type Exporter struct {
	store   *Store
	encoder *pipeline.Encoder
	maxBlob int
	logger  *slog.Logger

	droppedBatches atomic.Uint64
	droppedEvents  atomic.Uint64
}

// NewExporter builds a storage exporter over store.
func NewExporter(store *Store, cfg ExporterConfig) *Exporter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxBlob := cfg.MaxBlobBytes
	if maxBlob <= 0 {
		maxBlob = defaultMaxBlobBytes
	}
	return &Exporter{
		store:   store,
		encoder: cfg.Encoder,
		maxBlob: maxBlob,
		logger:  logger,
	}
}

// Initialize verifies the store is reachable.
func (e *Exporter) Initialize(ctx context.Context) error {
	if err := e.store.db.PingContext(ctx); err != nil {
		return &errors.StoreError{Op: "initialize", Cause: err}
	}
	return nil
}

// Shutdown flushes nothing; batches commit synchronously in ExportBatch.
// The store itself is closed by its owner.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return nil
}

// DroppedBatches reports how many whole batches were dropped after
// exhausting retries.
func (e *Exporter) DroppedBatches() uint64 {
	return e.droppedBatches.Load()
}

// DroppedEvents reports how many individual events were dropped for
// pipeline failures, oversize blobs, or missing runs.
func (e *Exporter) DroppedEvents() uint64 {
	return e.droppedEvents.Load()
}

// ExportBatch persists one batch. It never returns a transient error to
// the worker: after retries are exhausted the batch is dropped, counted,
// and the error returned for logging only.
func (e *Exporter) ExportBatch(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				e.droppedBatches.Add(1)
				return ctx.Err()
			}
		}

		err := e.exportOnce(ctx, events)
		if err == nil {
			return nil
		}
		lastErr = err

		var storeErr *errors.StoreError
		if !(errors.As(err, &storeErr) && storeErr.IsRetryable()) {
			break
		}
		e.logger.Warn("batch export failed, retrying",
			"attempt", attempt+1,
			"batch_size", len(events),
			"error", err)
	}

	e.droppedBatches.Add(1)
	e.logger.Error("batch dropped after export failure",
		"batch_size", len(events),
		"error", lastErr)
	return lastErr
}

// exportOnce commits one batch in a single transaction.
func (e *Exporter) exportOnce(ctx context.Context, events []*event.Event) error {
	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StoreError{Op: "export_batch", Transient: isTransient(err), Cause: err}
	}
	defer tx.Rollback()

	// Run statuses observed during this batch. Tracks rows created or
	// transitioned within the transaction so later events in the same
	// batch see them.
	runStatus := map[string]string{}

	// Per-event drops tally locally and fold into the counter only once
	// the batch commits, so a retried attempt never counts them twice.
	var dropped uint64

	for _, ev := range events {
		if err := e.exportEvent(ctx, tx, ev, runStatus, &dropped); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return &errors.StoreError{Op: "export_batch", Transient: isTransient(err), Cause: err}
	}
	if dropped > 0 {
		e.droppedEvents.Add(dropped)
	}
	return nil
}

func (e *Exporter) exportEvent(ctx context.Context, tx *sql.Tx, ev *event.Event, runStatus map[string]string, dropped *uint64) error {
	blob, codec, err := e.encoder.Encode(ev)
	if err != nil {
		// Pipeline failures drop the event, never the batch
		*dropped++
		e.logger.Warn("event dropped: pipeline encode failed",
			"run_id", ev.RunID,
			"event_type", ev.Type.String(),
			"error", err)
		return nil
	}

	if len(blob) > e.maxBlob {
		*dropped++
		e.logger.Warn("event dropped: blob exceeds size limit",
			"run_id", ev.RunID,
			"event_type", ev.Type.String(),
			"blob_bytes", len(blob),
			"limit_bytes", e.maxBlob)
		return nil
	}

	if ev.Type == event.TypeRunStart {
		if err := e.insertRun(ctx, tx, ev); err != nil {
			return err
		}
		runStatus[ev.RunID] = event.RunRunning
		return e.insertStep(ctx, tx, ev, blob, codec)
	}

	status, err := e.runStatusFor(ctx, tx, ev.RunID, runStatus)
	if err != nil {
		return err
	}
	switch status {
	case "":
		*dropped++
		e.logger.Warn("event dropped: no run row for run_id",
			"run_id", ev.RunID,
			"event_type", ev.Type.String())
		return nil
	case event.RunRunning:
		// Run is open; persist the step.
	default:
		*dropped++
		e.logger.Warn("event dropped: run already ended",
			"run_id", ev.RunID,
			"event_type", ev.Type.String(),
			"run_status", status)
		return nil
	}

	if err := e.insertStep(ctx, tx, ev, blob, codec); err != nil {
		return err
	}

	if ev.Type == event.TypeRunEnd {
		finalStatus := event.RunFailed
		if end, ok := ev.Payload.(event.RunEnd); ok && end.FinalStatus != "" {
			finalStatus = end.FinalStatus
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at_ms = ?, duration_ms = ? - started_at_ms
			WHERE id = ? AND status = ?`,
			finalStatus, ev.TimestampMS, ev.TimestampMS, ev.RunID, event.RunRunning,
		)
		if err != nil {
			return &errors.StoreError{Op: "export_batch", Transient: isTransient(err), Cause: err}
		}
		runStatus[ev.RunID] = finalStatus
	}

	return nil
}

// runStatusFor returns the run's current status, consulting the batch-
// local view first. Empty string means no run row exists.
func (e *Exporter) runStatusFor(ctx context.Context, tx *sql.Tx, runID string, runStatus map[string]string) (string, error) {
	if status, ok := runStatus[runID]; ok {
		return status, nil
	}

	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", runID).Scan(&status)
	if err == sql.ErrNoRows {
		runStatus[runID] = ""
		return "", nil
	}
	if err != nil {
		return "", &errors.StoreError{Op: "export_batch", Transient: isTransient(err), Cause: err}
	}
	runStatus[runID] = status
	return status, nil
}

// insertRun creates the runs row for a run_start event. Run-level
// annotations are lifted out of the envelope metadata into columns.
func (e *Exporter) insertRun(ctx context.Context, tx *sql.Tx, ev *event.Event) error {
	var userID, sessionID, parentRunID any
	var metadataJSON any

	if len(ev.Metadata) > 0 {
		rest := make(map[string]any, len(ev.Metadata))
		for k, v := range ev.Metadata {
			switch k {
			case event.MetaUserID:
				userID = v
			case event.MetaSessionID:
				sessionID = v
			case event.MetaParentRunID:
				parentRunID = v
			default:
				rest[k] = v
			}
		}
		if len(rest) > 0 {
			encoded, err := json.Marshal(rest)
			if err == nil {
				metadataJSON = string(encoded)
			} else {
				e.logger.Warn("run metadata not persisted: marshal failed",
					"run_id", ev.RunID,
					"error", err)
			}
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, name, status, started_at_ms, user_id, session_id, parent_run_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.RunID, ev.Name, event.RunRunning, ev.TimestampMS,
		userID, sessionID, parentRunID, metadataJSON,
	)
	if err != nil {
		return &errors.StoreError{Op: "export_batch", Transient: isTransient(err), Cause: err}
	}
	return nil
}

func (e *Exporter) insertStep(ctx context.Context, tx *sql.Tx, ev *event.Event, blob []byte, codec pipeline.Codec) error {
	var parentEventID any
	if ev.ParentEventID != "" {
		parentEventID = ev.ParentEventID
	}

	// OR IGNORE makes re-committed batches idempotent on (run_id, event_id)
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO steps (run_id, event_id, event_type, timestamp_ms, name, status,
			duration_ms, parent_event_id, blob, blob_codec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.EventID, ev.Type.String(), ev.TimestampMS, ev.Name, string(ev.Status),
		ev.DurationMS, parentEventID, blob, codec.String(),
	)
	if err != nil {
		return &errors.StoreError{Op: "export_batch", Transient: isTransient(err), Cause: err}
	}
	return nil
}
