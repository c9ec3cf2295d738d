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

package main

import (
	"github.com/tombee/agentlens/internal/cli"
	"github.com/tombee/agentlens/internal/commands/backup"
	configcmd "github.com/tombee/agentlens/internal/commands/config"
	exportcmd "github.com/tombee/agentlens/internal/commands/export"
	"github.com/tombee/agentlens/internal/commands/initcmd"
	"github.com/tombee/agentlens/internal/commands/prune"
	servercmd "github.com/tombee/agentlens/internal/commands/server"
	"github.com/tombee/agentlens/internal/commands/stats"
	"github.com/tombee/agentlens/internal/commands/vacuum"
	versioncmd "github.com/tombee/agentlens/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	rootCmd.AddCommand(initcmd.NewCommand())
	rootCmd.AddCommand(servercmd.NewCommand())
	rootCmd.AddCommand(stats.NewCommand())
	rootCmd.AddCommand(prune.NewCommand())
	rootCmd.AddCommand(vacuum.NewCommand())
	rootCmd.AddCommand(backup.NewCommand())
	rootCmd.AddCommand(exportcmd.NewCommand())
	rootCmd.AddCommand(configcmd.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())

	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
