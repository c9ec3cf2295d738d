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

// Package export implements the export command: full JSON dumps of one
// run or the whole store, with optional jq filtering.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlens/internal/commands/shared"
	"github.com/tombee/agentlens/internal/jq"
	"github.com/tombee/agentlens/internal/storage"
	"github.com/tombee/agentlens/pkg/errors"
)

// NewCommand creates the export command
func NewCommand() *cobra.Command {
	var (
		all    bool
		limit  int
		output string
		query  string
	)

	cmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "Dump runs as JSON",
		Long: `Export a run (metadata plus all decoded steps) as JSON. With --all,
export the most recent runs instead. A jq expression given with --query
filters the output.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) > 0 {
				runID = args[0]
			}
			return runExport(cmd, runID, all, limit, output, query)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Export all runs, newest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "With --all, cap the number of runs exported")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write output to a file instead of stdout")
	cmd.Flags().StringVar(&query, "query", "", "jq expression applied to the export")

	return cmd
}

func runExport(cmd *cobra.Command, runID string, all bool, limit int, output, query string) error {
	if runID == "" && !all {
		return shared.NewFailureError("either a run ID or --all is required", nil)
	}
	if runID != "" && all {
		return shared.NewFailureError("a run ID and --all are mutually exclusive", nil)
	}

	executor := jq.NewExecutor(0, 0)
	if err := executor.Validate(query); err != nil {
		return shared.NewFailureError("invalid --query expression", err)
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var data any
	if all {
		data, err = exportAll(cmd.Context(), store, limit)
	} else {
		data, err = store.ExportRun(cmd.Context(), runID)
	}
	if err != nil {
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return shared.NewNotFoundError(notFound.Error(), nil)
		}
		return shared.NewStoreError("export failed", err)
	}

	if query != "" {
		data, err = applyQuery(cmd.Context(), executor, query, data)
		if err != nil {
			return shared.NewFailureError("query evaluation failed", err)
		}
	}

	out := cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return shared.NewFailureError("failed to create output file", err)
		}
		defer f.Close()
		out = f
	}

	if err := writeJSON(out, data); err != nil {
		return shared.NewFailureError("failed to write export", err)
	}

	if output != "" && !shared.GetQuiet() && !shared.GetJSON() {
		cmd.Println(shared.RenderOK(fmt.Sprintf("exported to %s", output)))
	}

	return nil
}

// exportAll dumps the newest runs with their full step lists. limit
// caps the total; zero means no cap beyond what the store holds.
func exportAll(ctx context.Context, store *storage.Store, limit int) ([]*storage.RunExport, error) {
	exports := []*storage.RunExport{}
	offset := 0

	for {
		pageSize := 100
		if limit > 0 && limit-len(exports) < pageSize {
			pageSize = limit - len(exports)
		}
		if pageSize == 0 {
			break
		}

		runs, _, err := store.ListRuns(ctx, storage.Filter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			break
		}

		for _, run := range runs {
			export, err := store.ExportRun(ctx, run.ID)
			if err != nil {
				return nil, err
			}
			exports = append(exports, export)
		}
		offset += len(runs)

		if len(runs) < pageSize {
			break
		}
	}

	return exports, nil
}

// applyQuery runs a jq expression over the export. The typed export is
// round-tripped through JSON so jq sees plain maps and arrays.
func applyQuery(ctx context.Context, executor *jq.Executor, query string, data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	return executor.Execute(ctx, query, plain)
}

func writeJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
