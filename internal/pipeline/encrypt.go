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

package pipeline

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// minPassphraseLen is the shortest passphrase accepted for key derivation.
const minPassphraseLen = 8

// Key is a 32-byte AES-256-GCM key for encrypting blobs at rest.
type Key struct {
	key []byte
}

// NewKey builds a key from configured material. The material is either the
// base64 encoding of 32 raw bytes or a passphrase, from which a key is
// derived via SHA-256. Short passphrases are rejected.
func NewKey(material string) (*Key, error) {
	if material == "" {
		return nil, fmt.Errorf("encryption key material is empty")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(material)
	if err != nil || len(keyBytes) != 32 {
		// Not a base64 key; treat the string as a passphrase.
		if len(material) < minPassphraseLen {
			return nil, fmt.Errorf("encryption passphrase must be at least %d characters", minPassphraseLen)
		}
		keyBytes = deriveKey(material)
	}

	return &Key{key: keyBytes}, nil
}

// GenerateKey creates a new random 32-byte key.
func GenerateKey() (*Key, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return &Key{key: key}, nil
}

// String returns the base64-encoded key for storage/display.
func (k *Key) String() string {
	return base64.StdEncoding.EncodeToString(k.key)
}

// deriveKey derives a 32-byte key from a passphrase using SHA-256.
func deriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// Encrypt seals plaintext with AES-256-GCM. A fresh random nonce is
// generated per call and prepended to the ciphertext.
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("encryption key is nil")
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. The nonce is expected at
// the front of the input.
func (k *Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("encryption key is nil")
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
