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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlens/internal/pipeline"
	"github.com/tombee/agentlens/pkg/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestExporter(t *testing.T, store *Store) *Exporter {
	t.Helper()
	return NewExporter(store, ExporterConfig{
		Encoder: pipeline.NewEncoder(pipeline.EncoderConfig{}),
	})
}

// exportRun writes a complete run: run_start, the given payloads, run_end.
func exportRun(t *testing.T, ex *Exporter, runID, name, finalStatus string, startMS int64, payloads ...event.Payload) {
	t.Helper()

	events := []*event.Event{{
		EventID:     0,
		RunID:       runID,
		Type:        event.TypeRunStart,
		Name:        name,
		TimestampMS: startMS,
		Status:      event.StatusInfo,
		Payload:     event.RunStart{},
	}}
	for i, p := range payloads {
		status := event.StatusOK
		if p.Kind() == event.TypeError {
			status = event.StatusError
		}
		events = append(events, &event.Event{
			EventID:     uint64(i + 1),
			RunID:       runID,
			Type:        p.Kind(),
			Name:        p.EventName(),
			TimestampMS: startMS + int64(i+1),
			Status:      status,
			Payload:     p,
		})
	}
	events = append(events, &event.Event{
		EventID:     uint64(len(payloads) + 1),
		RunID:       runID,
		Type:        event.TypeRunEnd,
		TimestampMS: startMS + int64(len(payloads)+1),
		Status:      event.StatusInfo,
		Payload:     event.RunEnd{FinalStatus: finalStatus},
	})

	require.NoError(t, ex.ExportBatch(context.Background(), events))
}

func TestOpenCreatesSchema(t *testing.T) {
	store := newTestStore(t)

	var count int
	err := store.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('runs', 'steps')",
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening an existing database reapplies migrations harmlessly
	store, err = Open(Config{Path: path})
	require.NoError(t, err)
	store.Close()
}

func TestDeleteRunRemovesSteps(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)
	exportRun(t, ex, "run-1", "agent", event.RunCompleted, time.Now().UnixMilli(),
		event.FinalAnswer{Answer: "done"})

	require.NoError(t, store.DeleteRun(context.Background(), "run-1"))

	var steps int
	require.NoError(t, store.DB().QueryRow(
		"SELECT COUNT(*) FROM steps WHERE run_id = 'run-1'").Scan(&steps))
	assert.Equal(t, 0, steps)

	_, err := store.GetRun(context.Background(), "run-1")
	assert.Error(t, err)
}

func TestPruneDeletesOldRuns(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	now := time.Now().UnixMilli()
	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()

	exportRun(t, ex, "old-run", "agent", event.RunCompleted, old,
		event.FinalAnswer{Answer: "old"})
	exportRun(t, ex, "new-run", "agent", event.RunCompleted, now,
		event.FinalAnswer{Answer: "new"})

	deleted, err := store.Prune(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetRun(context.Background(), "old-run")
	assert.Error(t, err)

	detail, err := store.GetRun(context.Background(), "new-run")
	require.NoError(t, err)
	assert.Equal(t, "new-run", detail.ID)

	// No orphaned steps survive the prune
	var orphans int
	require.NoError(t, store.DB().QueryRow(
		"SELECT COUNT(*) FROM steps WHERE run_id NOT IN (SELECT id FROM runs)").Scan(&orphans))
	assert.Equal(t, 0, orphans)
}

func TestPruneRejectsNegativeDays(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Prune(context.Background(), -1)
	assert.Error(t, err)
}

func TestVacuum(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Vacuum(context.Background()))
}

func TestBackupSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	defer store.Close()

	ex := newTestExporter(t, store)
	exportRun(t, ex, "run-1", "agent", event.RunCompleted, time.Now().UnixMilli(),
		event.FinalAnswer{Answer: "done"})

	backupPath := filepath.Join(dir, "backup.db")
	require.NoError(t, store.Backup(context.Background(), backupPath))

	info, err := os.Stat(backupPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	// The snapshot is a complete, openable database
	restored, err := Open(Config{Path: backupPath})
	require.NoError(t, err)
	defer restored.Close()

	detail, err := restored.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, event.RunCompleted, detail.Status)
}

func TestBackupRequiresPath(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.Backup(context.Background(), ""))
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	now := time.Now().UnixMilli()
	exportRun(t, ex, "run-1", "agent", event.RunCompleted, now,
		event.LLMCall{Model: "gpt-4", Prompt: "hi", Response: "hello"},
		event.FinalAnswer{Answer: "done"})
	exportRun(t, ex, "run-2", "agent", event.RunFailed, now,
		event.ErrorInfo{ErrorType: "timeout", ErrorMessage: "llm timed out"})

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.TotalRuns)
	assert.Equal(t, int64(1), stats.RunsByStatus[event.RunCompleted])
	assert.Equal(t, int64(1), stats.RunsByStatus[event.RunFailed])
	assert.Equal(t, int64(2), stats.StepsByType["run_start"])
	assert.Equal(t, int64(2), stats.StepsByType["run_end"])
	assert.Equal(t, int64(1), stats.StepsByType["llm_call"])
	assert.Equal(t, int64(2), stats.RecentRuns24h)
	assert.Greater(t, stats.DBSizeBytes, int64(0))
}

func TestRetentionManagerCleanupNow(t *testing.T) {
	store := newTestStore(t)
	ex := newTestExporter(t, store)

	old := time.Now().Add(-60 * 24 * time.Hour).UnixMilli()
	exportRun(t, ex, "old-run", "agent", event.RunCompleted, old)

	rm := NewRetentionManager(store, 30, time.Hour, testLogger())
	deleted, err := rm.CleanupNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRetentionManagerStartStop(t *testing.T) {
	store := newTestStore(t)
	rm := NewRetentionManager(store, 30, time.Hour, testLogger())
	rm.Start()
	rm.Stop()
}
