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

package event

import (
	"encoding/json"
	"fmt"
)

// PayloadFromFields reconstructs a typed payload from a decoded field map.
// Numeric values may arrive as json.Number or float64 depending on the
// decoder; both are accepted.
func PayloadFromFields(t Type, fields map[string]any) (Payload, error) {
	switch t {
	case TypeRunStart:
		return RunStart{}, nil
	case TypeRunEnd:
		return RunEnd{FinalStatus: fieldString(fields, "final_status")}, nil
	case TypeLLMCall:
		return LLMCall{
			Model:       fieldString(fields, "model"),
			Prompt:      fields["prompt"],
			Response:    fieldString(fields, "response"),
			TotalTokens: fieldInt64(fields, "total_tokens"),
			LatencyMS:   fieldInt64(fields, "latency_ms"),
		}, nil
	case TypeToolCall:
		return ToolCall{
			ToolName:   fieldString(fields, "tool_name"),
			ToolArgs:   fieldMap(fields, "tool_args"),
			ToolResult: fields["tool_result"],
		}, nil
	case TypeMemoryRead:
		return MemoryRead{
			Key:        fieldString(fields, "memory_key"),
			Value:      fields["memory_value"],
			MemoryType: fieldString(fields, "memory_type"),
		}, nil
	case TypeMemoryWrite:
		return MemoryWrite{
			Key:        fieldString(fields, "memory_key"),
			Value:      fields["memory_value"],
			MemoryType: fieldString(fields, "memory_type"),
			Overwrite:  fieldBool(fields, "overwrite"),
		}, nil
	case TypeError:
		return ErrorInfo{
			ErrorType:    fieldString(fields, "error_type"),
			ErrorMessage: fieldString(fields, "error_message"),
			Critical:     fieldBool(fields, "critical"),
			Stack:        fieldString(fields, "stack"),
		}, nil
	case TypeFinalAnswer:
		return FinalAnswer{Answer: fieldString(fields, "answer")}, nil
	case TypeCustom:
		return Custom{
			Name: fieldString(fields, "name"),
			Data: fieldMap(fields, "payload"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func fieldString(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func fieldBool(fields map[string]any, key string) bool {
	b, _ := fields[key].(bool)
	return b
}

func fieldMap(fields map[string]any, key string) map[string]any {
	m, _ := fields[key].(map[string]any)
	return m
}

func fieldInt64(fields map[string]any, key string) int64 {
	switch v := fields[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return n
		}
		f, _ := v.Float64()
		return int64(f)
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
