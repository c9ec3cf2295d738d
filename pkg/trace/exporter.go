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

package trace

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/tombee/agentlens/pkg/event"
)

// Exporter receives event batches from the worker. ExportBatch reports
// per-batch success; individual event failures are the exporter's to log.
type Exporter interface {
	Initialize(ctx context.Context) error
	ExportBatch(ctx context.Context, events []*event.Event) error
	Shutdown(ctx context.Context) error
}

// Composite fans a batch out to multiple exporters in registration
// order. One failing exporter does not stop delivery to the rest.
type Composite struct {
	exporters []Exporter
	logger    *slog.Logger
}

// NewComposite builds a composite over the given exporters.
func NewComposite(logger *slog.Logger, exporters ...Exporter) *Composite {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Composite{exporters: exporters, logger: logger}
}

// Initialize initializes each exporter in order, failing on the first
// error so a half-built pipeline never starts.
func (c *Composite) Initialize(ctx context.Context) error {
	for _, e := range c.exporters {
		if err := e.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ExportBatch delivers the batch to every exporter, logging failures and
// continuing past them.
func (c *Composite) ExportBatch(ctx context.Context, events []*event.Event) error {
	var lastErr error
	for _, e := range c.exporters {
		if err := e.ExportBatch(ctx, events); err != nil {
			c.logger.Warn("exporter failed for batch",
				"exporter", exporterName(e),
				"batch_size", len(events),
				"error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Shutdown stops exporters in reverse registration order, joining any
// errors.
func (c *Composite) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(c.exporters) - 1; i >= 0; i-- {
		if err := c.exporters[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func exporterName(e Exporter) string {
	type named interface{ Name() string }
	if n, ok := e.(named); ok {
		return n.Name()
	}
	return "exporter"
}
