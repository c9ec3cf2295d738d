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

package storage

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/tombee/agentlens/internal/pipeline"
)

// keyringGet is swapped in tests to simulate keyring failures.
var keyringGet = keyring.Get

const (
	// keyringService is the service name used for keyring entries.
	keyringService = "agentlens"

	// keyringUser is the keyring entry holding the encryption key.
	keyringUser = "encryption-key"

	// encryptionKeyEnv overrides the keyring when set.
	encryptionKeyEnv = "TRACE_ENCRYPTION_KEY"
)

// ResolveEncryptionKey resolves encryption key material in priority
// order: the explicit config value, then the TRACE_ENCRYPTION_KEY
// environment variable, then the OS keyring (service "agentlens").
// Returns (nil, nil) when no key is configured anywhere.
func ResolveEncryptionKey(explicit string) (*pipeline.Key, error) {
	if explicit != "" {
		return pipeline.NewKey(explicit)
	}

	if material := os.Getenv(encryptionKeyEnv); material != "" {
		return pipeline.NewKey(material)
	}

	material, err := keyringGet(keyringService, keyringUser)
	if err != nil {
		if stderrors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		// A locked or unreachable keyring is not the same as a missing
		// key. Warn before continuing; the caller decides whether
		// encryption was required.
		slog.Default().Warn("keyring lookup failed, continuing without stored key",
			"service", keyringService,
			"error", err)
		return nil, nil
	}
	return pipeline.NewKey(material)
}

// StoreEncryptionKey saves key material in the OS keyring.
func StoreEncryptionKey(material string) error {
	if err := keyring.Set(keyringService, keyringUser, material); err != nil {
		return fmt.Errorf("failed to store encryption key in keyring: %w", err)
	}
	return nil
}

// KeyringAvailable probes whether the OS keyring service is usable.
func KeyringAvailable() bool {
	_, err := keyring.Get(keyringService, "__agentlens_availability_test__")
	return err == nil || stderrors.Is(err, keyring.ErrNotFound)
}
