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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key.key, 32)

	key2, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key.String(), key2.String())
}

func TestNewKeyFromBase64(t *testing.T) {
	orig, err := GenerateKey()
	require.NoError(t, err)

	key, err := NewKey(orig.String())
	require.NoError(t, err)
	assert.Equal(t, orig.String(), key.String())
}

func TestNewKeyFromPassphrase(t *testing.T) {
	key1, err := NewKey("correct horse battery staple")
	require.NoError(t, err)

	// Same passphrase derives the same key
	key2, err := NewKey("correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, key1.String(), key2.String())

	key3, err := NewKey("a different passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, key1.String(), key3.String())
}

func TestNewKeyRejectsWeakPassphrase(t *testing.T) {
	_, err := NewKey("short")
	assert.Error(t, err)

	_, err = NewKey("")
	assert.Error(t, err)
}

func TestKeyEncryptDecrypt(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	plaintext := []byte(`{"prompt":"hello"}`)

	ciphertext, err := key.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := key.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestKeyEncryptUniqueNonces(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	a, err := key.Encrypt([]byte("data"))
	require.NoError(t, err)
	b, err := key.Encrypt([]byte("data"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKeyDecryptTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	ciphertext, err := key.Encrypt([]byte("data"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = key.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestKeyDecryptWrongKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	ciphertext, err := key.Encrypt([]byte("data"))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestKeyDecryptTooShort(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = key.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}
