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

package stats

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlens/internal/commands/shared"
	"github.com/tombee/agentlens/internal/config"
	"github.com/tombee/agentlens/internal/pipeline"
	"github.com/tombee/agentlens/internal/storage"
	"github.com/tombee/agentlens/pkg/event"
)

func seedStore(t *testing.T) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	configPath := filepath.Join(tmpDir, "config.yaml")

	store, err := storage.Open(storage.Config{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()

	ex := storage.NewExporter(store, storage.ExporterConfig{
		Encoder: pipeline.NewEncoder(pipeline.EncoderConfig{}),
	})

	startMS := time.Now().UnixMilli()
	events := []*event.Event{
		{
			RunID:       "run-1",
			Type:        event.TypeRunStart,
			Name:        "test-run",
			TimestampMS: startMS,
			Status:      event.StatusInfo,
			Payload:     event.RunStart{},
		},
		{
			EventID:     1,
			RunID:       "run-1",
			Type:        event.TypeLLMCall,
			Name:        "gpt-4o",
			TimestampMS: startMS + 1,
			Status:      event.StatusOK,
			Payload:     event.LLMCall{Model: "gpt-4o", Prompt: "hi", Response: "ok"},
		},
		{
			EventID:     2,
			RunID:       "run-1",
			Type:        event.TypeRunEnd,
			TimestampMS: startMS + 2,
			Status:      event.StatusInfo,
			Payload:     event.RunEnd{FinalStatus: "completed"},
		},
	}
	require.NoError(t, ex.ExportBatch(context.Background(), events))

	cfg := config.Default()
	cfg.Storage.Path = dbPath
	require.NoError(t, cfg.Write(configPath))

	shared.SetConfigPathForTest(configPath)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })
}

func TestStatsOutput(t *testing.T) {
	seedStore(t)

	buf := new(bytes.Buffer)
	cmd := NewCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})
	cmd.SetContext(context.Background())

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Runs")
	assert.Contains(t, out, "completed:")
	assert.Contains(t, out, "llm_call:")
	assert.Contains(t, out, "Database")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(1536*1024))
	assert.Equal(t, "2.0 GiB", formatBytes(2*1024*1024*1024))
}
