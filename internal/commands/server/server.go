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

// Package server implements the server command.
package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/agentlens/internal/commands/shared"
	"github.com/tombee/agentlens/internal/log"
	"github.com/tombee/agentlens/internal/metrics"
	httpserver "github.com/tombee/agentlens/internal/server"
	"github.com/tombee/agentlens/internal/storage"
)

// NewCommand creates the server command
func NewCommand() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the HTTP query API",
		Long: `Start the agentlens HTTP server: the run query API, a health
endpoint, and Prometheus metrics. Retention sweeping runs in the
background while the server is up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, host, port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Bind address (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")

	return cmd
}

func runServer(cmd *cobra.Command, host string, port int) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return shared.NewConfigError("invalid configuration", err)
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
	})

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	collector, err := metrics.New()
	if err != nil {
		return shared.NewFailureError("failed to initialize metrics", err)
	}

	retention := storage.NewRetentionManager(store, cfg.Storage.RetentionDays,
		cfg.Storage.SweepInterval, log.WithComponent(logger, "retention"))
	retention.Start()
	defer retention.Stop()

	v, c, b := shared.GetVersion()
	srv := httpserver.New(httpserver.Options{
		Config:  cfg,
		Store:   store,
		Metrics: collector.Handler(),
		Logger:  log.WithComponent(logger, "server"),
		Version: httpserver.VersionInfo{Version: v, Commit: c, BuildDate: b},
	})

	// Serve until the listener fails or a shutdown signal arrives.
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			return shared.NewFailureError("server failed", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return shared.NewFailureError("shutdown failed", err)
	}
	if err := collector.Shutdown(context.Background()); err != nil {
		logger.Warn("metrics shutdown failed", slog.String("error", err.Error()))
	}

	return nil
}
