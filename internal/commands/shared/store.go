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

package shared

import (
	"os"

	"github.com/tombee/agentlens/internal/config"
	"github.com/tombee/agentlens/internal/storage"
)

// LoadConfig loads the service configuration. The --config flag wins;
// otherwise the default path is used when the file exists, and built-in
// defaults (plus environment overrides) apply when it does not.
func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	if path == "" {
		defaultPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				path = defaultPath
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

// OpenStore opens the trace store named by the configuration, resolving
// the payload encryption key from config, environment, or OS keyring.
func OpenStore(cfg *config.Config) (*storage.Store, error) {
	key, err := storage.ResolveEncryptionKey(cfg.Storage.EncryptionKey)
	if err != nil {
		return nil, NewConfigError("failed to resolve encryption key", err)
	}

	store, err := storage.Open(storage.Config{
		Path: cfg.Storage.Path,
		Key:  key,
	})
	if err != nil {
		return nil, NewStoreError("failed to open database", err)
	}
	return store, nil
}
