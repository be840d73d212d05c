package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records pipeline and retention metrics.
// Use NewMetrics for OTel metrics or NoopMetrics{} when disabled.
type Metrics interface {
	// EventsAccepted counts events that passed validation and were queued for storage.
	EventsAccepted(ctx context.Context, siteID string, n int)
	// EventRejected counts an event refused before storage; reason is an error code.
	EventRejected(ctx context.Context, siteID, reason string)
	EventsStored(ctx context.Context, n int64)
	// EventsDropped counts events lost after acceptance (full queue, storage failure).
	EventsDropped(ctx context.Context, reason string, n int)
	PIIKeysRemoved(ctx context.Context, n int)
	RetentionSweep(ctx context.Context, deleted int64, duration time.Duration, err error)
	EventsErased(ctx context.Context, siteID string, n int64)
}

type otelMetrics struct {
	accepted      metric.Int64Counter
	rejected      metric.Int64Counter
	stored        metric.Int64Counter
	dropped       metric.Int64Counter
	piiRemoved    metric.Int64Counter
	swept         metric.Int64Counter
	sweepRuns     metric.Int64Counter
	sweepDuration metric.Float64Histogram
	erased        metric.Int64Counter
}

// NewMetrics returns an OTel Metrics using the global meter provider.
// If an instrument cannot be created it logs and returns NoopMetrics.
func NewMetrics() Metrics {
	m, err := newOtelMetrics(otel.Meter("simplitics"))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	var (
		m   otelMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.accepted, "simplitics.events.accepted", "Events accepted for storage"},
		{&m.rejected, "simplitics.events.rejected", "Events rejected before storage"},
		{&m.stored, "simplitics.events.stored", "Events written to the repository"},
		{&m.dropped, "simplitics.events.dropped", "Accepted events that were never stored"},
		{&m.piiRemoved, "simplitics.sanitize.pii_keys_removed", "Property keys removed by the sanitizer"},
		{&m.swept, "simplitics.retention.events_deleted", "Events deleted by the retention sweeper"},
		{&m.sweepRuns, "simplitics.retention.runs", "Retention sweep runs"},
		{&m.erased, "simplitics.gdpr.events_erased", "Events deleted by erasure requests"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	m.sweepDuration, err = meter.Float64Histogram("simplitics.retention.duration_ms",
		metric.WithDescription("Retention sweep duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *otelMetrics) EventsAccepted(ctx context.Context, siteID string, n int) {
	m.accepted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("site_id", siteID)))
}

func (m *otelMetrics) EventRejected(ctx context.Context, siteID, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("site_id", siteID),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) EventsStored(ctx context.Context, n int64) {
	m.stored.Add(ctx, n)
}

func (m *otelMetrics) EventsDropped(ctx context.Context, reason string, n int) {
	m.dropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) PIIKeysRemoved(ctx context.Context, n int) {
	if n > 0 {
		m.piiRemoved.Add(ctx, int64(n))
	}
}

func (m *otelMetrics) RetentionSweep(ctx context.Context, deleted int64, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	m.sweepRuns.Add(ctx, 1, attrs)
	m.swept.Add(ctx, deleted)
	m.sweepDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) EventsErased(ctx context.Context, siteID string, n int64) {
	m.erased.Add(ctx, n, metric.WithAttributes(attribute.String("site_id", siteID)))
}
