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

// Package backup implements the backup command.
package backup

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlens/internal/commands/shared"
)

// NewCommand creates the backup command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Copy the database to a file",
		Long: `Write a consistent snapshot of the trace database to the given path.
The snapshot is safe to take while the server is running.`,
		Args: cobra.ExactArgs(1),
		RunE: runBackup,
	}
}

type backupResponse struct {
	shared.JSONResponse
	Path string `json:"path"`
}

func runBackup(cmd *cobra.Command, args []string) error {
	path := args[0]

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Backup(cmd.Context(), path); err != nil {
		return shared.NewStoreError("backup failed", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(backupResponse{
			JSONResponse: shared.NewJSONResponse("backup"),
			Path:         path,
		})
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("database backed up to %s", path)))
	return nil
}
