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

// Package pipeline prepares event payloads for storage. Payloads pass
// through four stages in order: redact, serialize, compress, encrypt.
// Each stage is individually optional; the Codec attached to a blob
// records exactly which stages ran so the blob can be decoded later.
package pipeline

import (
	"compress/gzip"
	"log/slog"

	"github.com/tombee/agentlens/pkg/errors"
	"github.com/tombee/agentlens/pkg/event"
)

// EncoderConfig configures an Encoder.
type EncoderConfig struct {
	// Redactor scrubs sensitive payload fields. Nil means no redaction.
	Redactor *Redactor

	// CompressionLevel is the gzip level (1-9). 0 disables compression.
	CompressionLevel int

	// Key encrypts serialized payloads. Nil means plaintext storage.
	Key *Key

	// Logger receives stage failure warnings. Nil means no logging.
	Logger *slog.Logger
}

// Encoder runs payloads through the storage pipeline.
type Encoder struct {
	redactor *Redactor
	level    int
	key      *Key
	logger   *slog.Logger
}

// NewEncoder builds an Encoder from cfg.
func NewEncoder(cfg EncoderConfig) *Encoder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	level := cfg.CompressionLevel
	if level < gzip.NoCompression || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &Encoder{
		redactor: cfg.Redactor,
		level:    level,
		key:      cfg.Key,
		logger:   logger,
	}
}

// Encode transforms ev's payload into a storage blob plus the Codec
// describing which stages were applied.
//
// A failure in redaction, serialization, or encryption is terminal: the
// event must not be stored in a state that could leak unredacted or
// unencrypted data, so Encode returns an error and the caller drops the
// event. A compression failure is not terminal; the blob is stored
// uncompressed and the codec reflects that.
func (e *Encoder) Encode(ev *event.Event) ([]byte, Codec, error) {
	codec := Codec{
		Compression: CompressionNone,
		Encryption:  EncryptionNone,
	}

	fields := ev.Payload.Fields()

	if e.redactor.Active() {
		fields = e.redactor.Redact(fields).(map[string]any)
		codec.Redacted = true
	}

	data, err := Serialize(fields)
	if err != nil {
		return nil, Codec{}, &errors.PipelineError{
			Stage:     "serialize",
			EventType: ev.Type.String(),
			Cause:     err,
		}
	}

	if e.level != gzip.NoCompression {
		compressed, err := Compress(data, e.level)
		if err != nil {
			e.logger.Warn("compression failed, storing uncompressed",
				"event_type", ev.Type.String(),
				"error", err)
		} else {
			data = compressed
			codec.Compression = CompressionGzip
		}
	}

	if e.key != nil {
		encrypted, err := e.key.Encrypt(data)
		if err != nil {
			return nil, Codec{}, &errors.PipelineError{
				Stage:     "encrypt",
				EventType: ev.Type.String(),
				Cause:     err,
			}
		}
		data = encrypted
		codec.Encryption = EncryptionAESGCM
	}

	return data, codec, nil
}

// Decoder reverses the storage pipeline.
type Decoder struct {
	key *Key
}

// NewDecoder builds a Decoder. key may be nil if blobs were stored
// unencrypted.
func NewDecoder(key *Key) *Decoder {
	return &Decoder{key: key}
}

// Decode reverses the stages recorded in codec and returns the payload
// fields. Redaction is not reversible; redacted values come back as the
// redaction marker.
func (d *Decoder) Decode(blob []byte, codec Codec) (map[string]any, error) {
	data := blob

	if codec.Encryption == EncryptionAESGCM {
		if d.key == nil {
			return nil, &errors.PipelineError{
				Stage: "decrypt",
				Cause: errors.New("blob is encrypted but no key is configured"),
			}
		}
		decrypted, err := d.key.Decrypt(data)
		if err != nil {
			return nil, &errors.PipelineError{Stage: "decrypt", Cause: err}
		}
		data = decrypted
	}

	if codec.Compression == CompressionGzip {
		decompressed, err := Decompress(data)
		if err != nil {
			return nil, &errors.PipelineError{Stage: "decompress", Cause: err}
		}
		data = decompressed
	}

	fields, err := Deserialize(data)
	if err != nil {
		return nil, &errors.PipelineError{Stage: "deserialize", Cause: err}
	}
	return fields, nil
}

// DecodePayload decodes a blob and reconstructs the typed payload for t.
func (d *Decoder) DecodePayload(blob []byte, codec Codec, t event.Type) (event.Payload, error) {
	fields, err := d.Decode(blob, codec)
	if err != nil {
		return nil, err
	}
	p, err := event.PayloadFromFields(t, fields)
	if err != nil {
		return nil, &errors.PipelineError{
			Stage:     "deserialize",
			EventType: t.String(),
			Cause:     err,
		}
	}
	return p, nil
}
