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

// Package config implements the config command.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/agentlens/internal/commands/shared"
	"github.com/tombee/agentlens/internal/config"
)

// NewCommand creates the config command
func NewCommand() *cobra.Command {
	var (
		show    bool
		profile string
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
		Long: `Show the effective configuration (defaults, config file, and
environment applied in order), or overlay a named profile onto the
config file with --profile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profile != "" {
				return applyProfile(cmd, profile)
			}
			return showConfig(cmd)
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "Show the effective configuration (default)")
	cmd.Flags().StringVar(&profile, "profile", "", "Overlay a profile: production, development, or debug")

	return cmd
}

type configResponse struct {
	shared.JSONResponse
	Path   string `json:"path,omitempty"`
	Config any    `json:"config,omitempty"`
}

// configAsMap converts the typed config to a plain map so JSON output
// uses the same keys as the YAML file.
func configAsMap(cfg *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func showConfig(cmd *cobra.Command) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		m, err := configAsMap(cfg)
		if err != nil {
			return shared.NewFailureError("failed to render configuration", err)
		}
		return shared.EmitJSON(configResponse{
			JSONResponse: shared.NewJSONResponse("config"),
			Config:       m,
		})
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return shared.NewFailureError("failed to render configuration", err)
	}
	cmd.Print(string(data))

	return nil
}

func applyProfile(cmd *cobra.Command, profile string) error {
	path := shared.GetConfigPath()
	if path == "" {
		var err error
		path, err = config.ConfigPath()
		if err != nil {
			return shared.NewConfigError("failed to resolve config path", err)
		}
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ApplyProfile(profile); err != nil {
		return shared.NewConfigError("invalid profile", err)
	}

	if err := cfg.Write(path); err != nil {
		return shared.NewConfigError("failed to write config file", err)
	}

	if shared.GetJSON() {
		m, mErr := configAsMap(cfg)
		if mErr != nil {
			return shared.NewFailureError("failed to render configuration", mErr)
		}
		return shared.EmitJSON(configResponse{
			JSONResponse: shared.NewJSONResponse("config"),
			Path:         path,
			Config:       m,
		})
	}

	cmd.Println(shared.RenderOK(fmt.Sprintf("applied %s profile to %s", profile, path)))
	return nil
}
