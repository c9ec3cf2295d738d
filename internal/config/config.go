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

// Package config holds the service-side configuration for the agentlens
// server and CLI: listener, auth, storage, and logging. The trace SDK is
// configured separately through TRACE_* variables in pkg/trace.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/agentlens/pkg/errors"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Default: 127.0.0.1 (local-first).
	Host string `yaml:"host"`

	// Port is the listen port. Default: 8089.
	Port int `yaml:"port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// AuthConfig configures request authentication. With no keys and no JWT
// secret the API is open, which is the expected mode for a localhost
// deployment.
type AuthConfig struct {
	// APIKeys are accepted X-API-Key values.
	// Environment: AGENTLENS_API_KEY (appends one key)
	APIKeys []string `yaml:"api_keys,omitempty"`

	// JWTSecret enables Bearer token auth (HS256) when set.
	// Environment: AGENTLENS_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// Enabled reports whether any authentication is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0 || a.JWTSecret != ""
}

// CORSConfig configures cross-origin access for browser dashboards.
type CORSConfig struct {
	// AllowedOrigins lists origins granted access. "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	// Enabled turns the limiter on. Default: true.
	Enabled bool `yaml:"enabled"`

	// RequestsPerMinute is the sustained rate per client IP. Default: 100.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`

	// Burst is the short-term allowance. Default: RequestsPerMinute/4.
	Burst int `yaml:"burst,omitempty"`
}

// StorageConfig configures the trace store the server reads.
type StorageConfig struct {
	// Path is the SQLite database file.
	// Environment: AGENTLENS_DB_PATH
	Path string `yaml:"path"`

	// RetentionDays bounds run age for the retention sweeper.
	// Environment: AGENTLENS_RETENTION_DAYS
	RetentionDays int `yaml:"retention_days,omitempty"`

	// SweepInterval is how often the sweeper prunes. Default: 1h.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// EncryptionKey decrypts stored payloads for the query API. Same
	// forms as the SDK key: base64 of 32 bytes or a passphrase. Empty
	// falls back to TRACE_ENCRYPTION_KEY, then the OS keyring.
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// LogConfig configures service logging.
type LogConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level,omitempty"`

	// Format: json or text. Default: json.
	Format string `yaml:"format,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8089,
			ShutdownTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 100,
			Burst:             25,
		},
		Storage: StorageConfig{
			Path:          DefaultDBPath(),
			RetentionDays: 30,
			SweepInterval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file, overlays environment
// variables, and validates. An empty path uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerMinute / 4
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = def.Storage.RetentionDays
	}
	if c.Storage.SweepInterval == 0 {
		c.Storage.SweepInterval = def.Storage.SweepInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// loadFromEnv overlays environment variables. Unparseable values are
// ignored in favor of the existing setting.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("AGENTLENS_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("AGENTLENS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Server.Port = port
		}
	}
	if val := os.Getenv("AGENTLENS_API_KEY"); val != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, val)
	}
	if val := os.Getenv("AGENTLENS_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}
	if val := os.Getenv("AGENTLENS_DB_PATH"); val != "" {
		c.Storage.Path = val
	}
	if val := os.Getenv("AGENTLENS_RETENTION_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil {
			c.Storage.RetentionDays = days
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

// Validate checks structural constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &errors.ConfigError{Key: "server.port", Reason: "must be between 1 and 65535"}
	}
	if c.Storage.Path == "" {
		return &errors.ConfigError{Key: "storage.path", Reason: "storage path is required"}
	}
	if c.Storage.RetentionDays < 0 {
		return &errors.ConfigError{Key: "storage.retention_days", Reason: "must not be negative"}
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return &errors.ConfigError{Key: "rate_limit.requests_per_minute", Reason: "must be at least 1"}
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return &errors.ConfigError{Key: "log.level", Reason: "must be debug, info, warn, or error"}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return &errors.ConfigError{Key: "log.format", Reason: "must be json or text"}
	}
	return nil
}

// Write marshals the configuration to path, creating parent directories.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
