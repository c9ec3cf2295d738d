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
	"fmt"
	"strings"
	"time"

	"github.com/tombee/agentlens/internal/pipeline"
	"github.com/tombee/agentlens/pkg/errors"
)

const (
	// defaultListLimit applies when a caller does not specify a page size.
	defaultListLimit = 20

	// maxListLimit caps page sizes on all list queries.
	maxListLimit = 100
)

// Run is one row from the runs table.
type Run struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	StartedAtMS int64          `json:"started_at_ms"`
	EndedAtMS   *int64         `json:"ended_at_ms"`
	DurationMS  *int64         `json:"duration_ms"`
	UserID      string         `json:"user_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunDetail is a run row plus aggregate step counts.
type RunDetail struct {
	Run
	StepCount  int64 `json:"step_count"`
	ErrorCount int64 `json:"error_count"`
}

// Step is one decoded row from the steps table.
type Step struct {
	ID            int64          `json:"id"`
	RunID         string         `json:"run_id"`
	EventID       int64          `json:"event_id"`
	EventType     string         `json:"event_type"`
	TimestampMS   int64          `json:"timestamp_ms"`
	Name          string         `json:"name,omitempty"`
	Status        string         `json:"status"`
	DurationMS    *int64         `json:"duration_ms"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// TimelineEntry is the compact per-step summary used by the UI timeline.
// No blob decode happens on this path.
type TimelineEntry struct {
	ID            int64  `json:"id"`
	EventType     string `json:"event_type"`
	Name          string `json:"name,omitempty"`
	TimestampMS   int64  `json:"timestamp_ms"`
	DurationMS    *int64 `json:"duration_ms"`
	Status        string `json:"status"`
	ParentEventID string `json:"parent_event_id,omitempty"`
}

// RunExport is a full run dump: metadata plus the ordered decoded steps.
type RunExport struct {
	Run   RunDetail `json:"run"`
	Steps []Step    `json:"steps"`
}

// Stats aggregates store-wide counts.
type Stats struct {
	TotalRuns     int64            `json:"total_runs"`
	RunsByStatus  map[string]int64 `json:"runs_by_status"`
	TotalSteps    int64            `json:"total_steps"`
	StepsByType   map[string]int64 `json:"steps_by_type"`
	RecentRuns24h int64            `json:"recent_runs_24h"`
	DBSizeBytes   int64            `json:"db_size_bytes"`
}

// Filter selects runs for ListRuns.
type Filter struct {
	// Status filters by run status (running/completed/failed).
	Status string

	// UserID filters by the user annotation.
	UserID string

	// SessionID filters by the session annotation.
	SessionID string

	// Search is a case-insensitive substring match over run names.
	Search string

	// StartedAfter keeps runs with started_at_ms >= this value. 0 means unset.
	StartedAfter int64

	// StartedBefore keeps runs with started_at_ms <= this value. 0 means unset.
	StartedBefore int64

	// Limit caps the page size. Clamped to 100; 0 means the default of 20.
	Limit int

	// Offset skips the first N results.
	Offset int
}

// StepQuery selects steps for GetSteps.
type StepQuery struct {
	// EventType filters by event type. Empty means all types.
	EventType string

	// IncludeData controls blob decoding. False returns envelope
	// summaries only, skipping decrypt/decompress work entirely.
	IncludeData bool

	// Limit caps the page size. Clamped to 100; 0 means the default of 20.
	Limit int

	// Offset skips the first N results.
	Offset int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// ListRuns returns runs matching the filter ordered by started_at_ms
// descending, plus the total count before paging.
func (s *Store) ListRuns(ctx context.Context, filter Filter) ([]Run, int64, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		where += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Search != "" {
		// SQLite LIKE is case-insensitive for ASCII
		where += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(filter.Search)+"%")
	}
	if filter.StartedAfter > 0 {
		where += " AND started_at_ms >= ?"
		args = append(args, filter.StartedAfter)
	}
	if filter.StartedBefore > 0 {
		where += " AND started_at_ms <= ?"
		args = append(args, filter.StartedBefore)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, &errors.StoreError{Op: "list_runs", Transient: isTransient(err), Cause: err}
	}

	query := `SELECT id, name, status, started_at_ms, ended_at_ms, duration_ms,
		user_id, session_id, parent_run_id, metadata FROM runs` + where +
		" ORDER BY started_at_ms DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &errors.StoreError{Op: "list_runs", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, &errors.StoreError{Op: "list_runs", Cause: err}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &errors.StoreError{Op: "list_runs", Transient: isTransient(err), Cause: err}
	}

	return runs, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var userID, sessionID, parentRunID sql.NullString
	var metadataJSON sql.NullString

	err := row.Scan(
		&run.ID, &run.Name, &run.Status, &run.StartedAtMS, &run.EndedAtMS,
		&run.DurationMS, &userID, &sessionID, &parentRunID, &metadataJSON,
	)
	if err != nil {
		return Run{}, err
	}

	run.UserID = userID.String
	run.SessionID = sessionID.String
	run.ParentRunID = parentRunID.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Metadata); err != nil {
			return Run{}, fmt.Errorf("failed to unmarshal run metadata: %w", err)
		}
	}

	return run, nil
}

// GetRun retrieves a run with its step and error counts.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	query := `SELECT id, name, status, started_at_ms, ended_at_ms, duration_ms,
		user_id, session_id, parent_run_id, metadata FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get_run", Transient: isTransient(err), Cause: err}
	}

	detail := &RunDetail{Run: run}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN event_type = 'error' OR status = 'error' THEN 1 ELSE 0 END)
		FROM steps WHERE run_id = ?`, runID,
	).Scan(&detail.StepCount, &nullInt64{&detail.ErrorCount})
	if err != nil {
		return nil, &errors.StoreError{Op: "get_run", Transient: isTransient(err), Cause: err}
	}

	return detail, nil
}

// nullInt64 scans a possibly-NULL aggregate into an int64, defaulting to 0.
type nullInt64 struct{ v *int64 }

func (n *nullInt64) Scan(src any) error {
	var ni sql.NullInt64
	if err := ni.Scan(src); err != nil {
		return err
	}
	*n.v = ni.Int64
	return nil
}

// GetSteps returns a run's steps ordered by (timestamp_ms, id) ascending.
// Payloads are decoded only when q.IncludeData is set.
func (s *Store) GetSteps(ctx context.Context, runID string, q StepQuery) ([]Step, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	query := `SELECT id, run_id, event_id, event_type, timestamp_ms, name, status,
		duration_ms, parent_event_id, blob, blob_codec FROM steps WHERE run_id = ?`
	args := []any{runID}

	if q.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, q.EventType)
	}

	query += " ORDER BY timestamp_ms ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.StoreError{Op: "get_steps", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		step, err := s.scanStep(rows, q.IncludeData)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StoreError{Op: "get_steps", Transient: isTransient(err), Cause: err}
	}

	return steps, nil
}

func (s *Store) scanStep(row rowScanner, includeData bool) (Step, error) {
	var step Step
	var name, status, parentEventID sql.NullString
	var blob []byte
	var codecStr string

	err := row.Scan(
		&step.ID, &step.RunID, &step.EventID, &step.EventType, &step.TimestampMS,
		&name, &status, &step.DurationMS, &parentEventID, &blob, &codecStr,
	)
	if err != nil {
		return Step{}, &errors.StoreError{Op: "get_steps", Cause: err}
	}

	step.Name = name.String
	step.Status = status.String
	step.ParentEventID = parentEventID.String

	if includeData && len(blob) > 0 {
		codec, err := pipeline.ParseCodec(codecStr)
		if err != nil {
			return Step{}, err
		}
		payload, err := s.decoder.Decode(blob, codec)
		if err != nil {
			return Step{}, err
		}
		step.Payload = payload
	}

	return step, nil
}

// GetTimeline returns the compact ordered timeline for a run. Blobs are
// never decoded on this path.
func (s *Store) GetTimeline(ctx context.Context, runID string) ([]TimelineEntry, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, name, timestamp_ms, duration_ms, status, parent_event_id
		FROM steps WHERE run_id = ? ORDER BY timestamp_ms ASC, id ASC`, runID)
	if err != nil {
		return nil, &errors.StoreError{Op: "get_timeline", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	timeline := []TimelineEntry{}
	for rows.Next() {
		var entry TimelineEntry
		var name, status, parentEventID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.EventType, &name, &entry.TimestampMS,
			&entry.DurationMS, &status, &parentEventID); err != nil {
			return nil, &errors.StoreError{Op: "get_timeline", Cause: err}
		}
		entry.Name = name.String
		entry.Status = status.String
		entry.ParentEventID = parentEventID.String
		timeline = append(timeline, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StoreError{Op: "get_timeline", Transient: isTransient(err), Cause: err}
	}

	return timeline, nil
}

// GetStepData returns the fully decoded payload of one step.
func (s *Store) GetStepData(ctx context.Context, runID string, stepID int64) (map[string]any, error) {
	var blob []byte
	var codecStr string

	err := s.db.QueryRowContext(ctx,
		"SELECT blob, blob_codec FROM steps WHERE run_id = ? AND id = ?",
		runID, stepID,
	).Scan(&blob, &codecStr)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: fmt.Sprintf("%s/%d", runID, stepID)}
	}
	if err != nil {
		return nil, &errors.StoreError{Op: "get_step_data", Transient: isTransient(err), Cause: err}
	}

	if len(blob) == 0 {
		return map[string]any{}, nil
	}

	codec, err := pipeline.ParseCodec(codecStr)
	if err != nil {
		return nil, err
	}
	return s.decoder.Decode(blob, codec)
}

// ExportRun returns a run's metadata plus its full ordered step list with
// decoded payloads, suitable for a JSON dump.
func (s *Store) ExportRun(ctx context.Context, runID string) (*RunExport, error) {
	detail, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_id, event_type, timestamp_ms, name, status,
		duration_ms, parent_event_id, blob, blob_codec
		FROM steps WHERE run_id = ? ORDER BY timestamp_ms ASC, id ASC`, runID)
	if err != nil {
		return nil, &errors.StoreError{Op: "export_run", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		step, err := s.scanStep(rows, true)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StoreError{Op: "export_run", Transient: isTransient(err), Cause: err}
	}

	return &RunExport{Run: *detail, Steps: steps}, nil
}

// Stats returns aggregate counts across the whole store.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RunsByStatus: map[string]int64{},
		StepsByType:  map[string]int64{},
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, &errors.StoreError{Op: "stats", Transient: isTransient(err), Cause: err}
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, &errors.StoreError{Op: "stats", Cause: err}
		}
		stats.RunsByStatus[status] = count
		stats.TotalRuns += count
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, "SELECT event_type, COUNT(*) FROM steps GROUP BY event_type")
	if err != nil {
		return nil, &errors.StoreError{Op: "stats", Transient: isTransient(err), Cause: err}
	}
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			rows.Close()
			return nil, &errors.StoreError{Op: "stats", Cause: err}
		}
		stats.StepsByType[eventType] = count
		stats.TotalSteps += count
	}
	rows.Close()

	dayAgo := time.Now().Add(-24 * time.Hour).UnixMilli()
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE started_at_ms >= ?", dayAgo,
	).Scan(&stats.RecentRuns24h); err != nil {
		return nil, &errors.StoreError{Op: "stats", Transient: isTransient(err), Cause: err}
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
	).Scan(&stats.DBSizeBytes); err != nil {
		return nil, &errors.StoreError{Op: "stats", Transient: isTransient(err), Cause: err}
	}

	return stats, nil
}
