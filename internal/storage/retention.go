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
	"fmt"
	"log/slog"
	"time"
)

// RetentionManager handles automatic cleanup of old runs.
type RetentionManager struct {
	store         *Store
	retentionDays int
	sweepInterval time.Duration
	logger        *slog.Logger
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewRetentionManager creates a new retention manager.
// retentionDays is how many days of runs to keep.
// sweepInterval is how often to run the cleanup job.
func NewRetentionManager(store *Store, retentionDays int, sweepInterval time.Duration, logger *slog.Logger) *RetentionManager {
	if retentionDays <= 0 {
		retentionDays = 30 // Default: 30 days
	}
	if sweepInterval == 0 {
		sweepInterval = 1 * time.Hour // Default: Run every hour
	}

	return &RetentionManager{
		store:         store,
		retentionDays: retentionDays,
		sweepInterval: sweepInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the retention cleanup loop.
// This runs in a background goroutine and returns immediately.
func (r *RetentionManager) Start() {
	go r.run()
}

// Stop gracefully stops the retention manager.
// It waits for any in-progress cleanup to complete.
func (r *RetentionManager) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// run is the main retention loop.
func (r *RetentionManager) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	r.cleanup()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			r.logger.Info("retention manager stopping")
			return
		}
	}
}

// cleanup performs a single cleanup pass.
func (r *RetentionManager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	r.logger.Debug("starting run retention cleanup",
		"retention_days", r.retentionDays,
	)

	deleted, err := r.store.Prune(ctx, r.retentionDays)
	if err != nil {
		r.logger.Error("failed to clean up old runs", "error", err)
		return
	}

	if deleted > 0 {
		r.logger.Info("cleaned up old runs",
			"count", deleted,
			"retention_days", r.retentionDays,
		)
	} else {
		r.logger.Debug("no old runs to clean up")
	}
}

// CleanupNow forces an immediate cleanup pass.
// This blocks until cleanup completes.
func (r *RetentionManager) CleanupNow(ctx context.Context) (int64, error) {
	r.logger.Info("manual run cleanup triggered",
		"retention_days", r.retentionDays,
	)

	deleted, err := r.store.Prune(ctx, r.retentionDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	r.logger.Info("manual run cleanup complete",
		"count", deleted,
	)

	return deleted, nil
}
