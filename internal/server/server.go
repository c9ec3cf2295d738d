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

// Package server provides the HTTP query API over the trace store.
// All routes are read-only: the write path is the SDK's exporter, not
// this server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/agentlens/internal/config"
	"github.com/tombee/agentlens/internal/storage"
)

// VersionInfo carries build metadata injected via ldflags.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Options configures a Server.
type Options struct {
	Config *config.Config
	Store  *storage.Store

	// Metrics is the Prometheus scrape handler. Nil disables /metrics.
	Metrics http.Handler

	Logger  *slog.Logger
	Version VersionInfo
}

// Server is the agentlens HTTP API server.
type Server struct {
	cfg     *config.Config
	store   *storage.Store
	logger  *slog.Logger
	version VersionInfo

	mux     *http.ServeMux
	handler http.Handler
	http    *http.Server
}

// New creates a server with all routes registered and the middleware
// chain assembled.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		logger:  logger,
		version: opts.Version,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /v1/version", s.handleVersion)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)

	runs := NewRunsHandler(opts.Store, logger)
	runs.RegisterRoutes(s.mux)

	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}

	// Middleware chain, outermost first: logging, CORS, auth, rate
	// limit, then the mux.
	var handler http.Handler = s.mux
	handler = newRateLimiter(opts.Config.RateLimit).Wrap(handler)
	handler = newAuthMiddleware(opts.Config.Auth, logger).Wrap(handler)
	handler = corsMiddleware(opts.Config.CORS, handler)
	handler = requestLogging(logger, handler)
	s.handler = handler

	return s
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

// Start begins serving and blocks until the listener fails or the
// server is shut down.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server listening", "addr", s.Addr())

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// up to the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.http.Shutdown(ctx)
}

// handleHealth handles GET /health. Returns 503 when the store is
// unreachable so probes and dashboards can surface the outage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	database := "ok"
	code := http.StatusOK

	if err := s.store.DB().PingContext(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		status = "degraded"
		database = "down"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"database":  database,
		"version":   s.version.Version,
	})
}

// handleVersion handles GET /v1/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

// handleStats handles GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeStoreError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
