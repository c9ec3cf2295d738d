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

// Package metrics exposes pipeline and ingestion metrics in Prometheus
// format. The Collector plugs into the trace pipeline as its hook and
// serves a scrape endpoint through Handler.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/tombee/agentlens/pkg/event"
)

// Collector records trace pipeline activity. It implements the trace
// package's Hook contract; all methods are safe for concurrent use and
// cheap enough for the submit hot path.
type Collector struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider

	eventsEnqueued  metric.Int64Counter
	eventsDropped   metric.Int64Counter
	batchesExported metric.Int64Counter
	batchesDropped  metric.Int64Counter
	batchDuration   metric.Float64Histogram
	batchSize       metric.Int64Histogram

	queueDepthMu sync.RWMutex
	queueDepth   func() int
}

// New builds a Collector with its own Prometheus registry.
func New() (*Collector, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "agentlens"),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	meter := provider.Meter("agentlens")

	c := &Collector{
		registry: registry,
		provider: provider,
	}

	c.eventsEnqueued, err = meter.Int64Counter(
		"agentlens_events_enqueued_total",
		metric.WithDescription("Events accepted onto the ingestion queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.eventsDropped, err = meter.Int64Counter(
		"agentlens_events_dropped_total",
		metric.WithDescription("Events dropped before export, by reason"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	c.batchesExported, err = meter.Int64Counter(
		"agentlens_batches_exported_total",
		metric.WithDescription("Batches delivered to the exporter chain"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	c.batchesDropped, err = meter.Int64Counter(
		"agentlens_batches_dropped_total",
		metric.WithDescription("Batches abandoned after exporter failure"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	c.batchDuration, err = meter.Float64Histogram(
		"agentlens_batch_export_duration_seconds",
		metric.WithDescription("Exporter call duration per batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.batchSize, err = meter.Int64Histogram(
		"agentlens_batch_size",
		metric.WithDescription("Events per exported batch"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"agentlens_queue_depth",
		metric.WithDescription("Events waiting on the ingestion queue"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.queueDepthMu.RLock()
			depth := c.queueDepth
			c.queueDepthMu.RUnlock()
			if depth != nil {
				observer.Observe(int64(depth()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// SetQueueDepthFunc wires the queue depth gauge to a live source,
// typically Trace.QueueDepth.
func (c *Collector) SetQueueDepthFunc(fn func() int) {
	c.queueDepthMu.Lock()
	c.queueDepth = fn
	c.queueDepthMu.Unlock()
}

// EventEnqueued counts one accepted event.
func (c *Collector) EventEnqueued(t event.Type) {
	c.eventsEnqueued.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event_type", t.String())))
}

// EventDropped counts one dropped event with its reason.
func (c *Collector) EventDropped(t event.Type, reason string) {
	c.eventsDropped.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("event_type", t.String()),
			attribute.String("reason", reason),
		))
}

// BatchExported records one successful exporter call.
func (c *Collector) BatchExported(size int, took time.Duration) {
	ctx := context.Background()
	c.batchesExported.Add(ctx, 1)
	c.batchSize.Record(ctx, int64(size))
	c.batchDuration.Record(ctx, took.Seconds())
}

// BatchDropped records one abandoned batch.
func (c *Collector) BatchDropped(size int) {
	c.batchesDropped.Add(context.Background(), 1)
}

// Handler returns the Prometheus scrape handler for this collector's
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes the meter provider.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}
