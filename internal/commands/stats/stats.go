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

// Package stats implements the stats command.
package stats

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlens/internal/commands/shared"
	"github.com/tombee/agentlens/internal/storage"
)

// NewCommand creates the stats command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Long:  `Display aggregate counts for the trace store: runs by status, steps by event type, and database size.`,
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
}

type statsResponse struct {
	shared.JSONResponse
	Stats *storage.Stats `json:"stats"`
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return shared.NewStoreError("failed to read statistics", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(statsResponse{
			JSONResponse: shared.NewJSONResponse("stats"),
			Stats:        stats,
		})
	}

	cmd.Println(shared.Header.Render("Runs"))
	cmd.Printf("  %s %d\n", shared.RenderLabel("total:"), stats.TotalRuns)
	for _, status := range sortedKeys(stats.RunsByStatus) {
		cmd.Printf("  %s %d\n", shared.RenderLabel(status+":"), stats.RunsByStatus[status])
	}
	cmd.Printf("  %s %d\n", shared.RenderLabel("last 24h:"), stats.RecentRuns24h)

	cmd.Println(shared.Header.Render("Steps"))
	cmd.Printf("  %s %d\n", shared.RenderLabel("total:"), stats.TotalSteps)
	for _, eventType := range sortedKeys(stats.StepsByType) {
		cmd.Printf("  %s %d\n", shared.RenderLabel(eventType+":"), stats.StepsByType[eventType])
	}

	cmd.Println(shared.Header.Render("Database"))
	cmd.Printf("  %s %s\n", shared.RenderLabel("size:"), formatBytes(stats.DBSizeBytes))

	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for i := n / unit; i >= unit; i /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
