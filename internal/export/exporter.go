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

package export

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tombee/agentlens/pkg/event"
)

// Transport protocols accepted by New.
const (
	ProtocolGRPC    = "grpc"
	ProtocolHTTP    = "http"
	ProtocolConsole = "console"
)

// maxAttrValueLen bounds span attribute strings so large prompts and tool
// results do not blow up the receiving backend.
const maxAttrValueLen = 4096

// Options configures a SpanExporter.
type Options struct {
	// Endpoint is the OTLP collector endpoint. Unused for console.
	Endpoint string

	// Protocol selects the transport: grpc (default), http, or console.
	Protocol string

	// Insecure disables TLS on the OTLP transports.
	Insecure bool

	// Headers are sent with each OTLP request.
	Headers map[string]string

	// TLS provides custom TLS configuration for the OTLP transports.
	TLS *tls.Config

	// ConsoleWriter overrides stdout for the console protocol.
	ConsoleWriter io.Writer

	// Logger receives per-event mapping warnings.
	Logger *slog.Logger
}

// runRoot is an open root span for an in-flight run.
type runRoot struct {
	ctx  context.Context
	span oteltrace.Span
}

// SpanExporter maps agent run events onto OTel spans and forwards them
// over OTLP. Each run becomes one trace: run_start opens a root span,
// every event in the run becomes a child span (a point span when no
// duration was measured), and run_end closes the root with OK or Error
// status.
type SpanExporter struct {
	opts   Options
	logger *slog.Logger

	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer

	// sdk is set by tests to bypass the transport factories.
	sdk sdktrace.SpanExporter

	mu    sync.Mutex
	roots map[string]runRoot
}

// New creates a SpanExporter. The transport connection is deferred to
// Initialize; New only validates the options.
func New(o Options) (*SpanExporter, error) {
	switch o.Protocol {
	case "", ProtocolGRPC, ProtocolHTTP, ProtocolConsole:
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", o.Protocol)
	}
	if o.Protocol != ProtocolConsole && o.Endpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is required for protocol %q", protocolOrDefault(o.Protocol))
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SpanExporter{
		opts:   o,
		logger: logger,
		roots:  make(map[string]runRoot),
	}, nil
}

func protocolOrDefault(p string) string {
	if p == "" {
		return ProtocolGRPC
	}
	return p
}

// Name identifies this exporter in composite logs.
func (s *SpanExporter) Name() string { return "otlp" }

// Initialize connects the selected transport and builds the tracer.
func (s *SpanExporter) Initialize(ctx context.Context) error {
	exp := s.sdk
	if exp == nil {
		var err error
		exp, err = s.transport(ctx)
		if err != nil {
			return err
		}
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "agentlens"),
	)
	s.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	)
	s.tracer = s.provider.Tracer("github.com/tombee/agentlens/internal/export")
	return nil
}

func (s *SpanExporter) transport(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch protocolOrDefault(s.opts.Protocol) {
	case ProtocolGRPC:
		return NewOTLPExporter(ctx, OTLPConfig{
			Endpoint:  s.opts.Endpoint,
			Insecure:  s.opts.Insecure,
			TLSConfig: s.opts.TLS,
			Headers:   s.opts.Headers,
		})
	case ProtocolHTTP:
		return NewOTLPHTTPExporter(ctx, OTLPHTTPConfig{
			Endpoint:  s.opts.Endpoint,
			Insecure:  s.opts.Insecure,
			TLSConfig: s.opts.TLS,
			Headers:   s.opts.Headers,
		})
	case ProtocolConsole:
		return NewConsoleExporter(ConsoleConfig{
			Writer:      s.opts.ConsoleWriter,
			PrettyPrint: true,
		})
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", s.opts.Protocol)
	}
}

// ExportBatch maps each event to a span. Events for runs whose root span
// is unknown (a dropped or never-seen run_start) are skipped with a
// warning rather than failing the batch.
func (s *SpanExporter) ExportBatch(ctx context.Context, events []*event.Event) error {
	if s.provider == nil {
		return fmt.Errorf("span exporter not initialized")
	}
	for _, ev := range events {
		switch ev.Type {
		case event.TypeRunStart:
			s.openRoot(ctx, ev)
		case event.TypeRunEnd:
			s.closeRoot(ev)
		default:
			s.childSpan(ev)
		}
	}
	return s.provider.ForceFlush(ctx)
}

func (s *SpanExporter) openRoot(ctx context.Context, ev *event.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("agent.run.id", ev.RunID),
		attribute.String("agent.run.name", ev.Name),
	}
	for k, v := range ev.Metadata {
		attrs = append(attrs, attrValue("agent.run.meta."+k, v))
	}

	spanCtx, span := s.tracer.Start(ctx, ev.Name,
		oteltrace.WithTimestamp(msTime(ev.TimestampMS)),
		oteltrace.WithAttributes(attrs...),
	)

	s.mu.Lock()
	s.roots[ev.RunID] = runRoot{ctx: spanCtx, span: span}
	s.mu.Unlock()
}

func (s *SpanExporter) closeRoot(ev *event.Event) {
	s.mu.Lock()
	root, ok := s.roots[ev.RunID]
	delete(s.roots, ev.RunID)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("run_end without open root span", "run_id", ev.RunID)
		return
	}

	finalStatus := event.RunFailed
	if p, isEnd := ev.Payload.(event.RunEnd); isEnd && p.FinalStatus != "" {
		finalStatus = p.FinalStatus
	}
	if finalStatus == event.RunCompleted {
		root.span.SetStatus(codes.Ok, "")
	} else {
		root.span.SetStatus(codes.Error, "run "+finalStatus)
	}
	root.span.SetAttributes(attribute.String("agent.run.final_status", finalStatus))
	root.span.End(oteltrace.WithTimestamp(msTime(ev.TimestampMS)))
}

func (s *SpanExporter) childSpan(ev *event.Event) {
	s.mu.Lock()
	root, ok := s.roots[ev.RunID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("event for unknown run, skipping span",
			"run_id", ev.RunID,
			"event_type", ev.Type.String())
		return
	}

	// Emission happens when the observed operation finishes, so a
	// measured duration stretches the span backwards from the timestamp.
	end := msTime(ev.TimestampMS)
	start := end
	if ev.DurationMS != nil {
		start = end.Add(-time.Duration(*ev.DurationMS) * time.Millisecond)
	}

	attrs := []attribute.KeyValue{
		attribute.String("agent.event.type", ev.Type.String()),
		attribute.Int64("agent.event.id", int64(ev.EventID)),
	}
	if ev.ParentEventID != "" {
		attrs = append(attrs, attribute.String("agent.event.parent_id", ev.ParentEventID))
	}
	for k, v := range ev.Payload.Fields() {
		attrs = append(attrs, attrValue("agent."+ev.Type.String()+"."+k, v))
	}

	name := ev.Name
	if name == "" {
		name = ev.Type.String()
	}

	opts := []oteltrace.SpanStartOption{
		oteltrace.WithTimestamp(start),
		oteltrace.WithAttributes(attrs...),
	}
	if ev.Type == event.TypeLLMCall || ev.Type == event.TypeToolCall {
		opts = append(opts, oteltrace.WithSpanKind(oteltrace.SpanKindClient))
	}

	_, span := s.tracer.Start(root.ctx, name, opts...)
	if ev.Status == event.StatusError {
		msg := ""
		if p, isErr := ev.Payload.(event.ErrorInfo); isErr {
			msg = p.ErrorMessage
		}
		span.SetStatus(codes.Error, msg)
	}
	span.End(oteltrace.WithTimestamp(end))
}

// Shutdown closes any still-open root spans and flushes the provider.
func (s *SpanExporter) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	s.mu.Lock()
	open := s.roots
	s.roots = make(map[string]runRoot)
	s.mu.Unlock()

	now := time.Now()
	for runID, root := range open {
		s.logger.Warn("closing root span for run without run_end", "run_id", runID)
		root.span.SetStatus(codes.Error, "run never ended")
		root.span.End(oteltrace.WithTimestamp(now))
	}

	return s.provider.Shutdown(ctx)
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// attrValue converts an arbitrary payload field to a span attribute,
// falling back to JSON for structured values. Strings are truncated to
// maxAttrValueLen.
func attrValue(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, truncate(val))
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return attribute.String(key, truncate(fmt.Sprintf("%v", v)))
		}
		return attribute.String(key, truncate(string(b)))
	}
}

func truncate(s string) string {
	if len(s) <= maxAttrValueLen {
		return s
	}
	return s[:maxAttrValueLen]
}
