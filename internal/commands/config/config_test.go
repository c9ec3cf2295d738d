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

package config

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlens/internal/commands/shared"
	"github.com/tombee/agentlens/internal/config"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.Default()
	cfg.Server.Port = 9999
	require.NoError(t, cfg.Write(path))
	return path
}

func TestConfigShow(t *testing.T) {
	path := writeTestConfig(t)
	shared.SetConfigPathForTest(path)
	defer shared.SetConfigPathForTest("")

	buf := new(bytes.Buffer)
	cmd := NewCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "server:")
	assert.Contains(t, out, "9999")
	assert.Contains(t, out, "storage:")
}

func TestConfigApplyProfile(t *testing.T) {
	path := writeTestConfig(t)
	shared.SetConfigPathForTest(path)
	defer shared.SetConfigPathForTest("")

	buf := new(bytes.Buffer)
	cmd := NewCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--profile", "development"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "applied development profile")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	// Profile must not clobber unrelated settings.
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestConfigUnknownProfile(t *testing.T) {
	path := writeTestConfig(t)
	shared.SetConfigPathForTest(path)
	defer shared.SetConfigPathForTest("")

	cmd := NewCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--profile", "staging"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid profile")
}

func TestConfigAsMap(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.RetentionDays = 14

	m, err := configAsMap(cfg)
	require.NoError(t, err)

	storageSection, ok := m["storage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 14, storageSection["retention_days"])
}
