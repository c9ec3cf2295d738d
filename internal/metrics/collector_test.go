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

package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/agentlens/pkg/event"
	"github.com/tombee/agentlens/pkg/trace"
)

// The collector plugs straight into the tracer's hook slot.
var _ trace.Hook = (*Collector)(nil)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_CountsEvents(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	c.EventEnqueued(event.TypeLLMCall)
	c.EventEnqueued(event.TypeLLMCall)
	c.EventEnqueued(event.TypeToolCall)
	c.EventDropped(event.TypeToolCall, "overflow")

	body := scrape(t, c)
	assert.Contains(t, body, "agentlens_events_enqueued_total")
	assert.Contains(t, body, `event_type="llm_call"`)
	assert.Contains(t, body, "agentlens_events_dropped_total")
	assert.Contains(t, body, `reason="overflow"`)
}

func TestCollector_RecordsBatches(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	c.BatchExported(25, 40*time.Millisecond)
	c.BatchDropped(10)

	body := scrape(t, c)
	assert.Contains(t, body, "agentlens_batches_exported_total")
	assert.Contains(t, body, "agentlens_batches_dropped_total")
	assert.Contains(t, body, "agentlens_batch_export_duration_seconds")
	assert.Contains(t, body, "agentlens_batch_size")
}

func TestCollector_QueueDepthGauge(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	c.SetQueueDepthFunc(func() int { return 7 })

	body := scrape(t, c)
	assert.Contains(t, body, "agentlens_queue_depth")
	assert.Contains(t, body, "7")
}

func TestCollector_NoDepthFuncScrapesClean(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	// Scraping before the gauge is wired must not panic or error.
	body := scrape(t, c)
	assert.NotEmpty(t, body)
}
