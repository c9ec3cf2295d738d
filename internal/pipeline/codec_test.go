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

func TestCodecString(t *testing.T) {
	c := Codec{Redacted: true, Compression: CompressionGzip, Encryption: EncryptionAESGCM}
	assert.Equal(t, "redacted|gzip|aes256gcm", c.String())

	// Zero value renders as the all-off codec
	assert.Equal(t, "raw|none|none", Codec{}.String())
}

func TestParseCodecRoundTrip(t *testing.T) {
	codecs := []Codec{
		{},
		{Redacted: true, Compression: CompressionNone, Encryption: EncryptionNone},
		{Redacted: false, Compression: CompressionGzip, Encryption: EncryptionNone},
		{Redacted: true, Compression: CompressionGzip, Encryption: EncryptionAESGCM},
	}

	for _, c := range codecs {
		parsed, err := ParseCodec(c.String())
		require.NoError(t, err)
		assert.Equal(t, c.String(), parsed.String())
	}
}

func TestParseCodecRejectsUnknown(t *testing.T) {
	bad := []string{
		"",
		"raw|none",
		"raw|none|none|extra",
		"scrubbed|none|none",
		"raw|zstd|none",
		"raw|none|chacha20",
	}

	for _, s := range bad {
		_, err := ParseCodec(s)
		assert.Error(t, err, "codec %q should be rejected", s)
	}
}
