// Package export routes export requests to exporter plugins.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/plugins"
)

// Exporters is the view of the exporter registry the dispatcher needs.
// *plugins.Registry[novel.Exporter] satisfies it.
type Exporters interface {
	Get(name string) (*plugins.Handle[novel.Exporter], error)
	Descriptors() []plugins.DescriptorInfo
}

// Options configures a Dispatcher.
type Options struct {
	Logger  *logrus.Logger
	Metrics *observability.Metrics
	// Timeout bounds one export, zero means no limit beyond the caller's context.
	Timeout time.Duration
}

// Dispatcher sends a book to the named exporter plugin.
type Dispatcher struct {
	exporters Exporters
	log       *logrus.Logger
	metrics   *observability.Metrics
	timeout   time.Duration
	tracer    trace.Tracer
}

// ExporterInfo describes one registered exporter for callers choosing a format.
type ExporterInfo struct {
	Name        string            `json:"name"`
	Extension   string            `json:"extension"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version"`
	State       plugins.LoadState `json:"state"`
}

// New creates a Dispatcher.
func New(exporters Exporters, opts Options) (*Dispatcher, error) {
	if exporters == nil {
		return nil, errors.New("exporters are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		exporters: exporters,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		timeout:   opts.Timeout,
		tracer:    otel.Tracer("github.com/platinummonkey/novelhub/pkg/export"),
	}, nil
}

// Export streams book into w through the exporter called name and returns
// the file extension that exporter produces. An unknown exporter fails with
// plugins.ErrNotFound and one that is not loaded with plugins.ErrInvalidState.
// On failure w may hold partial output.
func (d *Dispatcher) Export(ctx context.Context, name string, book *novel.Book, w io.Writer) (ext string, err error) {
	ctx, span := d.tracer.Start(ctx, "export.Export", trace.WithAttributes(attribute.String("novelhub.exporter", name)))
	defer span.End()

	h, err := d.exporters.Get(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exporter unavailable")
		return "", err
	}
	if book == nil || w == nil {
		err := fmt.Errorf("export %s: book and writer are required", name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return "", err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	cw := &countingWriter{w: w}
	err = h.Invoke(func(e novel.Exporter) error {
		return e.Export(ctx, book, cw)
	})
	d.metrics.RecordExport(name, err, time.Since(start))
	span.SetAttributes(
		attribute.Int("novelhub.chapters", len(book.Chapters)),
		attribute.Int64("novelhub.bytes", cw.n),
	)

	entry := d.log.WithFields(logrus.Fields{
		"exporter": name,
		"novel":    book.Novel.Slug,
		"chapters": len(book.Chapters),
		"bytes":    cw.n,
		"elapsed":  time.Since(start),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		entry.WithError(err).Warn("Export failed")
		return "", fmt.Errorf("export %s: %w", name, err)
	}
	entry.Debug("Export complete")
	return h.Metadata().OutputExtension, nil
}

// Exporters lists every registered exporter, ordered by name.
func (d *Dispatcher) Exporters() []ExporterInfo {
	infos := d.exporters.Descriptors()
	out := make([]ExporterInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, ExporterInfo{
			Name:        info.Name,
			Extension:   info.OutputExtension,
			Description: info.Description,
			Version:     info.Version,
			State:       info.State,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
