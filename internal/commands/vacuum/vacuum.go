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

// Package vacuum implements the vacuum command.
package vacuum

import (
	"github.com/spf13/cobra"

	"github.com/tombee/agentlens/internal/commands/shared"
)

// NewCommand creates the vacuum command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim database space",
		Long:  `Rebuild the SQLite database file to reclaim space left by deleted runs.`,
		Args:  cobra.NoArgs,
		RunE:  runVacuum,
	}
}

func runVacuum(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Vacuum(cmd.Context()); err != nil {
		return shared.NewStoreError("vacuum failed", err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(shared.NewJSONResponse("vacuum"))
	}

	cmd.Println(shared.RenderOK("database vacuumed"))
	return nil
}
