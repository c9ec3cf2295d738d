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

// Package initcmd implements the init command.
package initcmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlens/internal/cli/prompt"
	"github.com/tombee/agentlens/internal/commands/shared"
	"github.com/tombee/agentlens/internal/config"
	"github.com/tombee/agentlens/internal/storage"
)

// NewCommand creates the init command
func NewCommand() *cobra.Command {
	var (
		dbPath      string
		profile     string
		generateKey bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create configuration and database",
		Long: `Write the agentlens config file and create the trace database schema.
With --generate-key, a payload encryption key is generated and stored
in the OS keyring (or printed once when no keyring is available).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, initOptions{
				dbPath:      dbPath,
				profile:     profile,
				generateKey: generateKey,
				force:       force,
				prompter:    prompt.NewSurveyPrompter(!shared.IsNonInteractive()),
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Database file path (default: ~/.local/share/agentlens/agentlens.db)")
	cmd.Flags().StringVar(&profile, "profile", "", "Apply a profile: production, development, or debug")
	cmd.Flags().BoolVar(&generateKey, "generate-key", false, "Generate a payload encryption key")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file without asking")

	return cmd
}

type initOptions struct {
	dbPath      string
	profile     string
	generateKey bool
	force       bool
	prompter    prompt.Prompter
}

type initResponse struct {
	shared.JSONResponse
	ConfigPath string `json:"config_path"`
	DBPath     string `json:"db_path"`
	// EncryptionKey is only set when the key could not be stored in the
	// OS keyring and must be saved by the user.
	EncryptionKey string `json:"encryption_key,omitempty"`
	KeyInKeyring  bool   `json:"key_in_keyring,omitempty"`
}

func runInit(cmd *cobra.Command, opts initOptions) error {
	configPath := shared.GetConfigPath()
	if configPath == "" {
		var err error
		configPath, err = config.ConfigPath()
		if err != nil {
			return shared.NewConfigError("failed to resolve config path", err)
		}
	}

	if _, err := os.Stat(configPath); err == nil && !opts.force {
		overwrite, err := opts.prompter.Confirm(
			fmt.Sprintf("Config file %s already exists. Overwrite?", configPath), false)
		if err != nil {
			return shared.NewConfigError(
				fmt.Sprintf("config file already exists at %s (use --force to overwrite)", configPath), nil)
		}
		if !overwrite {
			return shared.NewConfigError("init cancelled", nil)
		}
	}

	cfg := config.Default()
	if opts.dbPath != "" {
		cfg.Storage.Path = opts.dbPath
	}
	if opts.profile != "" {
		if err := cfg.ApplyProfile(opts.profile); err != nil {
			return shared.NewConfigError("invalid profile", err)
		}
	}

	resp := initResponse{
		JSONResponse: shared.NewJSONResponse("init"),
		ConfigPath:   configPath,
		DBPath:       cfg.Storage.Path,
	}

	if opts.generateKey {
		material, err := generateKeyMaterial()
		if err != nil {
			return shared.NewFailureError("failed to generate encryption key", err)
		}

		if storage.KeyringAvailable() {
			if err := storage.StoreEncryptionKey(material); err != nil {
				return shared.NewFailureError("failed to store encryption key", err)
			}
			resp.KeyInKeyring = true
		} else {
			// No keyring: show the key exactly once so the user can
			// save it. It is never written to the config file.
			resp.EncryptionKey = material
		}
	}

	if err := cfg.Write(configPath); err != nil {
		return shared.NewConfigError("failed to write config file", err)
	}

	// Open the store once to create the schema up front.
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path})
	if err != nil {
		return shared.NewStoreError("failed to create database", err)
	}
	store.Close()

	if shared.GetJSON() {
		return shared.EmitJSON(resp)
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("wrote config to %s", configPath)))
	cmd.Println(shared.RenderOK(fmt.Sprintf("created database at %s", cfg.Storage.Path)))
	if resp.KeyInKeyring {
		cmd.Println(shared.RenderOK("encryption key stored in OS keyring"))
	}
	if resp.EncryptionKey != "" {
		cmd.Println(shared.RenderWarn("no OS keyring available; save this key now, it will not be shown again:"))
		cmd.Printf("\n  TRACE_ENCRYPTION_KEY=%s\n\n", resp.EncryptionKey)
	}

	return nil
}

// generateKeyMaterial returns 32 random bytes as base64, the form the
// SDK and server accept directly.
func generateKeyMaterial() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
