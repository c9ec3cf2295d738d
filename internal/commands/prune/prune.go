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

// Package prune implements the prune command.
package prune

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlens/internal/commands/shared"
)

// NewCommand creates the prune command
func NewCommand() *cobra.Command {
	var (
		retentionDays int
		vacuum        bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs past the retention window",
		Long: `Delete runs (and their steps) that started more than the retention
window ago. The window comes from --retention-days, falling back to the
configured storage.retention_days.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, retentionDays, vacuum)
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Delete runs older than this many days (default: configured retention)")
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "Reclaim disk space after pruning")

	return cmd
}

type pruneResponse struct {
	shared.JSONResponse
	DeletedRuns   int64 `json:"deleted_runs"`
	RetentionDays int   `json:"retention_days"`
	Vacuumed      bool  `json:"vacuumed"`
}

func runPrune(cmd *cobra.Command, retentionDays int, vacuum bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	if retentionDays == 0 {
		retentionDays = cfg.Storage.RetentionDays
	}
	if retentionDays <= 0 {
		return shared.NewConfigError("retention window is required", fmt.Errorf("set --retention-days or storage.retention_days"))
	}

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := store.Prune(cmd.Context(), retentionDays)
	if err != nil {
		return shared.NewStoreError("prune failed", err)
	}

	if vacuum {
		if err := store.Vacuum(cmd.Context()); err != nil {
			return shared.NewStoreError("vacuum failed", err)
		}
	}

	if shared.GetJSON() {
		return shared.EmitJSON(pruneResponse{
			JSONResponse:  shared.NewJSONResponse("prune"),
			DeletedRuns:   deleted,
			RetentionDays: retentionDays,
			Vacuumed:      vacuum,
		})
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("deleted %d runs older than %d days", deleted, retentionDays)))
	if vacuum {
		cmd.Println(shared.RenderOK("database vacuumed"))
	}

	return nil
}
