package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ProviderOptions configures NewProvider.
type ProviderOptions struct {
	// LogInterval is how often collected metrics are written to Logger.
	// Zero disables periodic export; snapshots are still available.
	LogInterval time.Duration
	// Tracing installs a tracer provider that logs finished spans at debug level.
	Tracing bool
	Logger  *slog.Logger
}

// Provider owns the process-wide OTel meter and tracer providers.
type Provider struct {
	Metrics Metrics

	meters  *sdkmetric.MeterProvider
	tracers *sdktrace.TracerProvider
	reader  *sdkmetric.ManualReader
}

// NewProvider builds the SDK providers and installs them as the OTel globals,
// so Metrics and the spans started by StartSpan are recorded.
func NewProvider(opts ProviderOptions) *Provider {
	logger := Component(opts.Logger, "telemetry")

	p := &Provider{reader: sdkmetric.NewManualReader()}
	readers := []sdkmetric.Option{sdkmetric.WithReader(p.reader)}
	if opts.LogInterval > 0 {
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(&logExporter{logger: logger}, sdkmetric.WithInterval(opts.LogInterval)),
		))
	}
	p.meters = sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(p.meters)

	if opts.Tracing {
		p.tracers = sdktrace.NewTracerProvider(sdktrace.WithBatcher(&spanLogExporter{logger: logger}))
		otel.SetTracerProvider(p.tracers)
	}

	p.Metrics = NewMetrics()
	return p
}

// Snapshot collects the current metric values.
func (p *Provider) Snapshot(ctx context.Context) (Snapshot, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	return Summarize(&rm), nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracers != nil {
		errs = append(errs, p.tracers.Shutdown(ctx))
	}
	errs = append(errs, p.meters.Shutdown(ctx))
	return errors.Join(errs...)
}

// Snapshot is a flat view of collected metrics. Counters are totals across
// attribute sets; histograms contribute "<name>.count" and "<name>.sum".
type Snapshot map[string]float64

// Summarize flattens rm into a Snapshot.
func Summarize(rm *metricdata.ResourceMetrics) Snapshot {
	out := Snapshot{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				out[m.Name] += float64(total)
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name+".count"] += float64(dp.Count)
					out[m.Name+".sum"] += dp.Sum
				}
			}
		}
	}
	return out
}

// logExporter writes each export as one structured log line.
type logExporter struct {
	logger *slog.Logger
}

var _ sdkmetric.Exporter = (*logExporter)(nil)

func (e *logExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (e *logExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *logExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	snap := Summarize(rm)
	if len(snap) == 0 {
		return nil
	}
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	attrs := make([]any, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, slog.Float64(name, snap[name]))
	}
	e.logger.InfoContext(ctx, "metrics", attrs...)
	return nil
}

func (e *logExporter) ForceFlush(context.Context) error { return nil }
func (e *logExporter) Shutdown(context.Context) error   { return nil }

type spanLogExporter struct {
	logger *slog.Logger
}

var _ sdktrace.SpanExporter = (*spanLogExporter)(nil)

func (e *spanLogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.logger.DebugContext(ctx, "span",
			slog.String("name", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
			slog.String("status", s.Status().Code.String()),
		)
	}
	return nil
}

func (e *spanLogExporter) Shutdown(context.Context) error { return nil }
