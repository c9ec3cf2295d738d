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

package trace

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/agentlens/internal/log"
)

var (
	defaultMu    sync.Mutex
	defaultTrace *Trace
)

// Default returns the process-wide Trace, building it lazily from the
// environment. A misconfigured environment yields a disabled instance
// and an error log, never a panic.
func Default() *Trace {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultTrace != nil {
		return defaultTrace
	}

	cfg, err := FromEnv()
	if err == nil {
		defaultTrace, err = New(cfg)
	}
	if err != nil {
		logger := log.New(&log.Config{})
		logger.Error("tracing disabled: environment configuration invalid", "error", err)
		defaultTrace = &Trace{
			cfg:      cfg,
			logger:   logger,
			hook:     nopHook{},
			clock:    time.Now,
			disabled: true,
		}
	}
	return defaultTrace
}

// SetDefault replaces the process-wide Trace, primarily for tests and
// dependency injection.
func SetDefault(t *Trace) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultTrace = t
}

// LLM records a model invocation on the run in ctx. No-op without one.
func LLM(ctx context.Context, opts LLMOptions) {
	if r, ok := RunFromContext(ctx); ok {
		r.LLM(opts)
	}
}

// Tool records a tool invocation on the run in ctx. No-op without one.
func Tool(ctx context.Context, name string, args map[string]any, result any) {
	if r, ok := RunFromContext(ctx); ok {
		r.Tool(name, args, result)
	}
}

// MemoryRead records a memory fetch on the run in ctx. No-op without one.
func MemoryRead(ctx context.Context, key string, value any, memoryType string) {
	if r, ok := RunFromContext(ctx); ok {
		r.MemoryRead(key, value, memoryType)
	}
}

// MemoryWrite records a memory store on the run in ctx. No-op without one.
func MemoryWrite(ctx context.Context, key string, value any, memoryType string, overwrite bool) {
	if r, ok := RunFromContext(ctx); ok {
		r.MemoryWrite(key, value, memoryType, overwrite)
	}
}

// Error records an error on the run in ctx. No-op without one.
func Error(ctx context.Context, err error, critical bool) {
	if r, ok := RunFromContext(ctx); ok {
		r.Error(err, critical)
	}
}

// Final records the final answer on the run in ctx. No-op without one.
func Final(ctx context.Context, answer string) {
	if r, ok := RunFromContext(ctx); ok {
		r.Final(answer)
	}
}

// Emit records a custom event on the run in ctx. No-op without one.
func Emit(ctx context.Context, name string, data map[string]any) {
	if r, ok := RunFromContext(ctx); ok {
		r.Emit(name, data)
	}
}
