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
	"reflect"
	"regexp"
)

// Marker replaces every redacted value. The store never sees the original.
const Marker = "***REDACTED***"

// Redactor removes sensitive values from event payloads before they are
// serialized. Two rules apply, in order:
//
//  1. Any map key that exactly matches a configured key (case-sensitive) has
//     its entire value replaced with the marker. The replacement does not
//     descend into the replaced value.
//  2. Any string value whose whole text matches a configured pattern is
//     replaced with the marker. Patterns are tried in configuration order.
//
// The walk is copy-on-write: the caller's maps and slices are never mutated.
type Redactor struct {
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

// NewRedactor compiles the configured keys and patterns. Each pattern is
// anchored so it must match the full string value.
func NewRedactor(keys []string, patterns []string) (*Redactor, error) {
	r := &Redactor{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		r.keys[k] = struct{}{}
	}
	for _, p := range patterns {
		compiled, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, compiled)
	}
	return r, nil
}

// Active reports whether the redactor has any rules to apply. A nil
// redactor is inactive.
func (r *Redactor) Active() bool {
	return r != nil && (len(r.keys) > 0 || len(r.patterns) > 0)
}

// Redact returns a copy of v with sensitive values replaced. Non-string
// scalars pass through untouched. Typed containers such as []string or
// map[string]string are normalized to generic shapes so their string
// contents are subject to the same rules before serialization.
func (r *Redactor) Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.redactMap(val)
	case []any:
		return r.redactSlice(val)
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = r.redactString(s)
		}
		return out
	case string:
		return r.redactString(val)
	default:
		if norm, ok := normalize(val); ok {
			return r.Redact(norm)
		}
		return v
	}
}

// normalize converts typed containers (string-keyed maps, slices, arrays)
// into map[string]any / []any so redaction can descend into them. Scalars
// and anything else report false and pass through unchanged.
func normalize(v any) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	default:
		return nil, false
	}
}

func (r *Redactor) redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, hit := r.keys[k]; hit {
			out[k] = Marker
			continue
		}
		out[k] = r.Redact(v)
	}
	return out
}

func (r *Redactor) redactSlice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = r.Redact(v)
	}
	return out
}

func (r *Redactor) redactString(s string) string {
	for _, p := range r.patterns {
		if p.MatchString(s) {
			return Marker
		}
	}
	return s
}
