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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/agentlens/pkg/errors"
)

// Preset names for Config baselines.
const (
	PresetProduction  = "production"
	PresetDevelopment = "development"
	PresetDebug       = "debug"
)

// OTLPConfig configures the optional OTLP span exporter. When Endpoint
// is set, exported runs fan out to both storage and OTLP.
type OTLPConfig struct {
	// Endpoint is the collector address (host:port). Empty disables OTLP.
	Endpoint string

	// Protocol selects the transport: "grpc" (default) or "http".
	Protocol string

	// Insecure disables TLS on the exporter connection.
	Insecure bool

	// Headers are added to every export request (e.g. auth tokens).
	Headers map[string]string
}

// Config controls a Trace instance. It is immutable after New.
type Config struct {
	// Enabled turns tracing on. A disabled Trace accepts all calls and
	// records nothing.
	Enabled bool

	// SampleRate is the fraction of runs recorded (0..1). The decision
	// is a deterministic hash of the run ID, made once per run.
	SampleRate float64

	// OnlyOnError buffers a run's events in memory and emits them only
	// if the run ends in failure.
	OnlyOnError bool

	// QueueSize is the ingestion channel capacity.
	QueueSize int

	// BatchSize is the maximum events per exporter call.
	BatchSize int

	// BatchTimeout is the maximum staleness of a partial batch.
	BatchTimeout time.Duration

	// RedactKeys lists payload keys whose values are replaced with the
	// redaction marker. Exact, case-sensitive matches at any depth.
	RedactKeys []string

	// RedactPatterns are regular expressions applied full-match to
	// string payload values at any depth.
	RedactPatterns []string

	// CompressionEnabled turns on the gzip stage.
	CompressionEnabled bool

	// CompressionLevel is the gzip level (1-9).
	CompressionLevel int

	// EncryptionEnabled turns on the AES-256-GCM stage. A key must
	// resolve (explicit, env, or keyring) or New fails.
	EncryptionEnabled bool

	// EncryptionKey is explicit key material: base64 of 32 bytes or a
	// passphrase (SHA-256 derived). Empty falls back to the
	// TRACE_ENCRYPTION_KEY env var, then the OS keyring.
	EncryptionKey string

	// DBPath is the SQLite storage file path.
	DBPath string

	// RetentionDays bounds run age for prune and the retention sweeper.
	RetentionDays int

	// BlockOnRunEnd lets run_end submissions wait for queue capacity.
	BlockOnRunEnd bool

	// RunEndBlockTimeout is the maximum run_end wait.
	RunEndBlockTimeout time.Duration

	// DrainTimeout bounds the shutdown drain.
	DrainTimeout time.Duration

	// MaxBlobBytes drops events whose encoded blob exceeds this size.
	// 0 means the 10 MB default.
	MaxBlobBytes int

	// LogLevel is the minimum level for the instance logger when no
	// logger is injected: debug, info, warn, error.
	LogLevel string

	// OTLP configures the optional OTLP exporter.
	OTLP OTLPConfig
}

// DefaultConfig returns the built-in defaults (the development preset
// with full sampling).
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		SampleRate:         1.0,
		QueueSize:          1000,
		BatchSize:          50,
		BatchTimeout:       time.Second,
		CompressionEnabled: true,
		CompressionLevel:   6,
		DBPath:             "agentlens.db",
		RetentionDays:      30,
		BlockOnRunEnd:      true,
		RunEndBlockTimeout: 2 * time.Second,
		DrainTimeout:       5 * time.Second,
		LogLevel:           "info",
	}
}

// Preset returns a named configuration baseline.
func Preset(name string) (Config, error) {
	cfg := DefaultConfig()
	switch name {
	case PresetProduction:
		cfg.SampleRate = 0.01
		cfg.BatchSize = 100
		cfg.CompressionEnabled = true
		cfg.CompressionLevel = 6
		cfg.EncryptionEnabled = true
		cfg.LogLevel = "warn"
	case PresetDevelopment:
		cfg.SampleRate = 0.5
		cfg.BatchSize = 50
		cfg.CompressionEnabled = true
		cfg.CompressionLevel = 3
		cfg.LogLevel = "info"
	case PresetDebug:
		cfg.SampleRate = 1.0
		cfg.BatchSize = 1
		cfg.CompressionEnabled = false
		cfg.LogLevel = "debug"
	default:
		return Config{}, &errors.ConfigError{
			Key:    "preset",
			Reason: fmt.Sprintf("unknown preset %q (want production, development, or debug)", name),
		}
	}
	return cfg, nil
}

// FromEnv builds a Config from defaults (or TRACE_PRESET) overlaid with
// TRACE_* environment variables. Malformed values are a ConfigError.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if preset := os.Getenv("TRACE_PRESET"); preset != "" {
		var err error
		cfg, err = Preset(preset)
		if err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	apply := func(key string, set func(string) error) {
		if err != nil {
			return
		}
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if setErr := set(v); setErr != nil {
			err = &errors.ConfigError{Key: key, Reason: "invalid value", Cause: setErr}
		}
	}

	apply("TRACE_ENABLED", func(v string) error { return parseBool(v, &c.Enabled) })
	apply("TRACE_SAMPLE_RATE", func(v string) error { return parseFloat(v, &c.SampleRate) })
	apply("TRACE_ONLY_ON_ERROR", func(v string) error { return parseBool(v, &c.OnlyOnError) })
	apply("TRACE_QUEUE_SIZE", func(v string) error { return parseInt(v, &c.QueueSize) })
	apply("TRACE_BATCH_SIZE", func(v string) error { return parseInt(v, &c.BatchSize) })
	apply("TRACE_BATCH_TIMEOUT", func(v string) error { return parseMillis(v, &c.BatchTimeout) })
	apply("TRACE_REDACT_KEYS", func(v string) error { c.RedactKeys = splitList(v); return nil })
	apply("TRACE_REDACT_PATTERNS", func(v string) error { c.RedactPatterns = splitList(v); return nil })
	apply("TRACE_COMPRESSION", func(v string) error { return parseBool(v, &c.CompressionEnabled) })
	apply("TRACE_COMPRESSION_LEVEL", func(v string) error { return parseInt(v, &c.CompressionLevel) })
	apply("TRACE_ENCRYPTION", func(v string) error { return parseBool(v, &c.EncryptionEnabled) })
	apply("TRACE_ENCRYPTION_KEY", func(v string) error { c.EncryptionKey = v; return nil })
	apply("TRACE_DB_PATH", func(v string) error { c.DBPath = v; return nil })
	apply("TRACE_RETENTION_DAYS", func(v string) error { return parseInt(v, &c.RetentionDays) })
	apply("TRACE_BLOCK_ON_RUN_END", func(v string) error { return parseBool(v, &c.BlockOnRunEnd) })
	apply("TRACE_RUN_END_BLOCK_TIMEOUT", func(v string) error { return parseMillis(v, &c.RunEndBlockTimeout) })
	apply("TRACE_OTLP_ENDPOINT", func(v string) error { c.OTLP.Endpoint = v; return nil })
	apply("TRACE_OTLP_PROTOCOL", func(v string) error { c.OTLP.Protocol = v; return nil })
	apply("TRACE_OTLP_INSECURE", func(v string) error { return parseBool(v, &c.OTLP.Insecure) })
	apply("TRACE_LOG_LEVEL", func(v string) error { c.LogLevel = v; return nil })

	return err
}

// Validate checks option ranges. Pattern compilation and key resolution
// happen in New; this covers the numeric and structural constraints.
func (c Config) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return &errors.ConfigError{Key: "sample_rate", Reason: "must be between 0 and 1"}
	}
	if c.QueueSize < 1 {
		return &errors.ConfigError{Key: "queue_size", Reason: "must be at least 1"}
	}
	if c.BatchSize < 1 {
		return &errors.ConfigError{Key: "batch_size", Reason: "must be at least 1"}
	}
	if c.BatchTimeout < time.Millisecond {
		return &errors.ConfigError{Key: "batch_timeout_ms", Reason: "must be at least 1ms"}
	}
	if c.CompressionEnabled && (c.CompressionLevel < 1 || c.CompressionLevel > 9) {
		return &errors.ConfigError{Key: "compression_level", Reason: "must be between 1 and 9"}
	}
	if c.DBPath == "" {
		return &errors.ConfigError{Key: "db_path", Reason: "storage path is required"}
	}
	if c.BlockOnRunEnd && c.RunEndBlockTimeout <= 0 {
		return &errors.ConfigError{Key: "run_end_block_timeout_ms", Reason: "must be positive when block_on_run_end is set"}
	}
	switch c.OTLP.Protocol {
	case "", "grpc", "http":
	default:
		return &errors.ConfigError{Key: "otlp.protocol", Reason: `must be "grpc" or "http"`}
	}
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseMillis(v string, dst *time.Duration) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
