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

// Package storage provides the SQLite-backed run and step store.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/agentlens/internal/pipeline"
	"github.com/tombee/agentlens/pkg/errors"
)

// Store is the SQLite-backed durable store for runs and steps.
type Store struct {
	db      *sql.DB
	decoder *pipeline.Decoder
}

// Config contains SQLite store configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	// With WAL mode, multiple readers can run alongside the writer.
	MaxOpenConns int

	// Key decrypts stored blobs on read. Nil when encryption is off.
	Key *pipeline.Key
}

// Open opens (creating if needed) the database at cfg.Path and applies
// the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// SQLite connection string with WAL mode for better concurrency
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &errors.StoreError{Op: "open", Cause: err}
	}

	// Configure connection pool
	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5 // Allow multiple concurrent reads
	}
	if cfg.Path == ":memory:" {
		// Each in-memory connection gets its own database; keep one.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &errors.StoreError{Op: "open", Cause: err}
	}

	store := &Store{
		db:      db,
		decoder: pipeline.NewDecoder(cfg.Key),
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, &errors.StoreError{Op: "migrate", Cause: err}
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	// Enable foreign keys (disabled by default in SQLite)
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		// Runs table stores one row per sampled run
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER,
			duration_ms INTEGER,
			user_id TEXT,
			session_id TEXT,
			parent_run_id TEXT,
			metadata TEXT
		)`,
		// Index for time-ordered listing
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at_ms DESC)`,
		// Index for status filters
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,

		// Steps table stores one row per persisted event
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			event_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			name TEXT,
			status TEXT NOT NULL,
			duration_ms INTEGER,
			parent_event_id TEXT,
			blob BLOB,
			blob_codec TEXT NOT NULL,
			UNIQUE(run_id, event_id)
		)`,
		// Index for loading a run's steps
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id)`,
		// Index for time-ordered step queries within a run
		`CREATE INDEX IF NOT EXISTS idx_steps_run_time ON steps(run_id, timestamp_ms)`,
		// Index for global time-based queries
		`CREATE INDEX IF NOT EXISTS idx_steps_timestamp ON steps(timestamp_ms)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is exported for testing and advanced use cases.
func (s *Store) DB() *sql.DB {
	return s.db
}

// DeleteRun deletes a run and its steps. Steps are removed explicitly
// rather than relying on the cascade, since PRAGMA foreign_keys is
// per-connection and the pool may hand out connections that never ran it.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errors.StoreError{Op: "delete_run", Transient: isTransient(err), Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE run_id = ?", runID); err != nil {
		return &errors.StoreError{Op: "delete_run", Transient: isTransient(err), Cause: err}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", runID); err != nil {
		return &errors.StoreError{Op: "delete_run", Transient: isTransient(err), Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &errors.StoreError{Op: "delete_run", Transient: isTransient(err), Cause: err}
	}
	return nil
}

// Prune deletes runs that started more than olderThanDays ago, along
// with their steps. Returns the number of runs deleted.
func (s *Store) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, &errors.ValidationError{
			Field:   "older_than_days",
			Message: "must be non-negative",
		}
	}

	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &errors.StoreError{Op: "prune", Transient: isTransient(err), Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM steps WHERE run_id IN (SELECT id FROM runs WHERE started_at_ms < ?)",
		cutoff,
	); err != nil {
		return 0, &errors.StoreError{Op: "prune", Transient: isTransient(err), Cause: err}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE started_at_ms < ?", cutoff)
	if err != nil {
		return 0, &errors.StoreError{Op: "prune", Transient: isTransient(err), Cause: err}
	}
	count, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, &errors.StoreError{Op: "prune", Transient: isTransient(err), Cause: err}
	}
	return count, nil
}

// Vacuum reclaims free space in the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return &errors.StoreError{Op: "vacuum", Transient: isTransient(err), Cause: err}
	}
	return nil
}

// Backup writes an atomic snapshot of the database to path.
func (s *Store) Backup(ctx context.Context, path string) error {
	if path == "" {
		return &errors.ValidationError{Field: "path", Message: "backup path is required"}
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return &errors.StoreError{Op: "backup", Transient: isTransient(err), Cause: err}
	}
	return nil
}

// isTransient reports whether err looks like a busy/locked SQLite error
// that is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
