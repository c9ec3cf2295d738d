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
	"fmt"
	"strings"
)

// Codec tag values for each pipeline stage. The stored form is the three
// stage tags joined with "|" (e.g. "redacted|gzip|aes256gcm"). A row's codec
// uniquely determines its decode path; unknown tags refuse to decode rather
// than risk misinterpreting bytes.
const (
	RedactionApplied = "redacted"
	RedactionNone    = "raw"

	CompressionGzip = "gzip"
	CompressionNone = "none"

	EncryptionAESGCM = "aes256gcm"
	EncryptionNone   = "none"
)

// Codec records which pipeline stages were applied to a stored blob.
type Codec struct {
	// Redacted is true when the redaction stage ran over the payload.
	Redacted bool

	// Compression is CompressionGzip or CompressionNone.
	Compression string

	// Encryption is EncryptionAESGCM or EncryptionNone.
	Encryption string
}

// String returns the wire form stored in the blob_codec column.
func (c Codec) String() string {
	redaction := RedactionNone
	if c.Redacted {
		redaction = RedactionApplied
	}
	compression := c.Compression
	if compression == "" {
		compression = CompressionNone
	}
	encryption := c.Encryption
	if encryption == "" {
		encryption = EncryptionNone
	}
	return redaction + "|" + compression + "|" + encryption
}

// ParseCodec parses a stored blob_codec value. Unknown stage tags are an
// error: a reader that does not recognize a codec must refuse the row
// instead of silently misreading the blob.
func ParseCodec(s string) (Codec, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return Codec{}, fmt.Errorf("malformed blob codec %q", s)
	}

	var c Codec
	switch parts[0] {
	case RedactionApplied:
		c.Redacted = true
	case RedactionNone:
		c.Redacted = false
	default:
		return Codec{}, fmt.Errorf("unknown redaction tag %q in codec %q", parts[0], s)
	}

	switch parts[1] {
	case CompressionGzip, CompressionNone:
		c.Compression = parts[1]
	default:
		return Codec{}, fmt.Errorf("unknown compression tag %q in codec %q", parts[1], s)
	}

	switch parts[2] {
	case EncryptionAESGCM, EncryptionNone:
		c.Encryption = parts[2]
	default:
		return Codec{}, fmt.Errorf("unknown encryption tag %q in codec %q", parts[2], s)
	}

	return c, nil
}
