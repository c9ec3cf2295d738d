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
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Serialize renders a value as canonical JSON: compact, UTF-8, map keys in
// sorted order. Values the encoder does not recognize are rendered as
// {"__type__": "<go type>", "__repr__": "<stringified>"} instead of failing,
// so one odd payload value never loses the whole event.
func Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize parses canonical JSON bytes back into generic Go values.
func Deserialize(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("deserialize event: %w", err)
	}
	return out, nil
}

func appendCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return appendJSONString(buf, val)
	case json.Number:
		buf.WriteString(val.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return appendFloat(buf, float64(val), v)
	case float64:
		return appendFloat(buf, val, v)
	case map[string]any:
		return appendCanonicalMap(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendJSONString(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return appendFallback(buf, v)
	}
	return nil
}

func appendCanonicalMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendJSONString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := appendCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func appendFloat(buf *bytes.Buffer, f float64, orig any) error {
	// JSON has no representation for these; fall back to the repr form
	// rather than producing invalid output.
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return appendFallback(buf, orig)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func appendJSONString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode string: %w", err)
	}
	buf.Write(encoded)
	return nil
}

// appendFallback renders a value the canonical encoder cannot represent.
func appendFallback(buf *bytes.Buffer, v any) error {
	return appendCanonicalMap(buf, map[string]any{
		"__type__": fmt.Sprintf("%T", v),
		"__repr__": fmt.Sprintf("%v", v),
	})
}
