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

// Package trace is the public facade for recording agent runs: a Trace
// owns the ingestion queue, the background worker, and the exporter
// pipeline. Producers start runs, emit events, and never block on
// storage I/O.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/agentlens/internal/export"
	"github.com/tombee/agentlens/internal/log"
	"github.com/tombee/agentlens/internal/pipeline"
	"github.com/tombee/agentlens/internal/storage"
	"github.com/tombee/agentlens/pkg/errors"
	"github.com/tombee/agentlens/pkg/event"
)

// The storage exporter satisfies the contract structurally.
var _ Exporter = (*storage.Exporter)(nil)
var _ Exporter = (*export.SpanExporter)(nil)
var _ Exporter = (*Composite)(nil)

// Trace records agent runs. Construct with New; one Trace owns one
// worker and one queue. Safe for concurrent use.
type Trace struct {
	cfg      Config
	sampler  Sampler
	queue    *queue
	worker   *worker
	exporter Exporter
	store    *storage.Store
	logger   *slog.Logger
	hook     Hook
	clock    func() time.Time

	disabled     bool
	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	sampler  Sampler
	exporter Exporter
	extra    []Exporter
	logger   *slog.Logger
	clock    func() time.Time
	hook     Hook
}

// Option customizes a Trace at construction.
type Option func(*options)

// WithSampler replaces the default hash sampler.
func WithSampler(s Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithExporter replaces the default storage exporter entirely. No
// database is opened.
func WithExporter(e Exporter) Option {
	return func(o *options) { o.exporter = e }
}

// WithAdditionalExporter appends an exporter alongside the defaults.
func WithAdditionalExporter(e Exporter) Option {
	return func(o *options) { o.extra = append(o.extra, e) }
}

// WithLogger injects the instance logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithHook installs a metrics hook.
func WithHook(h Hook) Option {
	return func(o *options) { o.hook = h }
}

// New builds a Trace from cfg: pipeline encoder, store, storage exporter
// (plus OTLP when configured), queue, and worker. The worker starts
// immediately.
func New(cfg Config, opts ...Option) (*Trace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = log.New(&log.Config{Level: cfg.LogLevel})
	}
	logger = log.WithComponent(logger, "trace")

	hook := o.hook
	if hook == nil {
		hook = nopHook{}
	}

	clock := o.clock
	if clock == nil {
		clock = time.Now
	}

	t := &Trace{
		cfg:    cfg,
		logger: logger,
		hook:   hook,
		clock:  clock,
	}

	if !cfg.Enabled {
		t.disabled = true
		return t, nil
	}

	t.sampler = o.sampler
	if t.sampler == nil {
		t.sampler = NewSampler(cfg.SampleRate)
	}

	exporter, store, err := buildExporter(cfg, o, logger)
	if err != nil {
		return nil, err
	}
	t.exporter = exporter
	t.store = store

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exporter.Initialize(initCtx); err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("exporter initialization failed: %w", err)
	}

	t.queue = newQueue(cfg.QueueSize)
	t.worker = newWorker(t.queue, exporter, cfg, logger, hook)
	t.worker.start()

	return t, nil
}

// buildExporter assembles the exporter chain for cfg plus options.
func buildExporter(cfg Config, o options, logger *slog.Logger) (Exporter, *storage.Store, error) {
	var exporters []Exporter
	var store *storage.Store

	if o.exporter != nil {
		exporters = append(exporters, o.exporter)
	} else {
		redactor, err := pipeline.NewRedactor(cfg.RedactKeys, cfg.RedactPatterns)
		if err != nil {
			return nil, nil, &errors.ConfigError{Key: "redact_patterns", Reason: "invalid pattern", Cause: err}
		}

		var key *pipeline.Key
		if cfg.EncryptionEnabled {
			key, err = storage.ResolveEncryptionKey(cfg.EncryptionKey)
			if err != nil {
				return nil, nil, &errors.ConfigError{Key: "encryption_key", Reason: "invalid key material", Cause: err}
			}
			if key == nil {
				return nil, nil, &errors.ConfigError{
					Key:    "encryption_key",
					Reason: "encryption enabled but no key found (set TRACE_ENCRYPTION_KEY or store one in the keyring)",
				}
			}
		}

		level := 0
		if cfg.CompressionEnabled {
			level = cfg.CompressionLevel
		}
		encoder := pipeline.NewEncoder(pipeline.EncoderConfig{
			Redactor:         redactor,
			CompressionLevel: level,
			Key:              key,
			Logger:           logger,
		})

		store, err = storage.Open(storage.Config{Path: cfg.DBPath, Key: key})
		if err != nil {
			return nil, nil, err
		}

		exporters = append(exporters, storage.NewExporter(store, storage.ExporterConfig{
			Encoder:      encoder,
			MaxBlobBytes: cfg.MaxBlobBytes,
			Logger:       logger,
		}))

		if cfg.OTLP.Endpoint != "" {
			otlp, err := export.New(export.Options{
				Endpoint: cfg.OTLP.Endpoint,
				Protocol: cfg.OTLP.Protocol,
				Insecure: cfg.OTLP.Insecure,
				Headers:  cfg.OTLP.Headers,
				Logger:   logger,
			})
			if err != nil {
				store.Close()
				return nil, nil, err
			}
			exporters = append(exporters, otlp)
		}
	}

	exporters = append(exporters, o.extra...)

	if len(exporters) == 1 {
		return exporters[0], store, nil
	}
	return NewComposite(logger, exporters...), store, nil
}

type runContextKey struct{}

// RunFromContext returns the active run installed by StartRun, if any.
func RunFromContext(ctx context.Context) (*Run, bool) {
	r, ok := ctx.Value(runContextKey{}).(*Run)
	return r, ok
}

// RunOption annotates a run at StartRun.
type RunOption func(*runOptions)

type runOptions struct {
	userID    string
	sessionID string
	metadata  map[string]any
}

// WithUserID attributes the run to a user.
func WithUserID(id string) RunOption {
	return func(o *runOptions) { o.userID = id }
}

// WithSessionID groups the run into a session.
func WithSessionID(id string) RunOption {
	return func(o *runOptions) { o.sessionID = id }
}

// WithMetadata attaches arbitrary annotations to the run.
func WithMetadata(m map[string]any) RunOption {
	return func(o *runOptions) { o.metadata = m }
}

// StartRun opens a new run, emits its run_start, and installs the run in
// the returned context. Nested StartRun calls link the child to the
// enclosing run. The caller must finish the run with End or Fail.
func (t *Trace) StartRun(ctx context.Context, name string, opts ...RunOption) (context.Context, *Run) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	run := &Run{
		tr:      t,
		id:      uuid.NewString(),
		name:    name,
		startMS: t.now().UnixMilli(),
	}

	if !t.disabled {
		run.sampled = t.sampler.ShouldSample(run.id, name)
		run.buffering = t.cfg.OnlyOnError && run.sampled
		if !run.sampled {
			t.hook.EventDropped(event.TypeRunStart, DropReasonSampled)
		}
	}

	if run.sampled {
		metadata := map[string]any{}
		for k, v := range o.metadata {
			metadata[k] = v
		}
		if o.userID != "" {
			metadata[event.MetaUserID] = o.userID
		}
		if o.sessionID != "" {
			metadata[event.MetaSessionID] = o.sessionID
		}
		if parent, ok := RunFromContext(ctx); ok {
			metadata[event.MetaParentRunID] = parent.id
		}
		if len(metadata) == 0 {
			metadata = nil
		}

		start := run.newEvent(event.RunStart{}, event.StatusInfo, nil)
		start.Name = name
		start.Metadata = metadata
		run.emit(start)
	}

	return context.WithValue(ctx, runContextKey{}, run), run
}

// WithRun wraps fn in a run scope. Every exit path closes the run
// exactly once: fn error or panic ends it failed (panics re-raise),
// normal return ends it completed.
func (t *Trace) WithRun(ctx context.Context, name string, fn func(context.Context) error, opts ...RunOption) error {
	ctx, run := t.StartRun(ctx, name, opts...)
	defer func() {
		if p := recover(); p != nil {
			run.Fail(fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	if err := fn(ctx); err != nil {
		run.Fail(err)
		return err
	}
	run.End()
	return nil
}

// DropCounts snapshots the per-type queue drop counters.
func (t *Trace) DropCounts() map[event.Type]uint64 {
	if t.queue == nil {
		return map[event.Type]uint64{}
	}
	return t.queue.DropCounts()
}

// QueueDepth reports the current ingestion queue depth.
func (t *Trace) QueueDepth() int {
	if t.queue == nil {
		return 0
	}
	return t.queue.Depth()
}

// Store exposes the underlying store for the server and CLI. Nil when a
// custom exporter replaced storage.
func (t *Trace) Store() *storage.Store {
	return t.store
}

// Shutdown drains the worker and shuts the exporter chain down.
// Idempotent; later calls return the first result.
func (t *Trace) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		if t.worker != nil {
			t.shutdownErr = t.worker.Shutdown(ctx)
		}
		if t.store != nil {
			if err := t.store.Close(); err != nil && t.shutdownErr == nil {
				t.shutdownErr = err
			}
		}
	})
	return t.shutdownErr
}

func (t *Trace) now() time.Time {
	return t.clock()
}
