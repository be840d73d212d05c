package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func installProvider(t *testing.T, opts ProviderOptions) *Provider {
	t.Helper()
	origMeters := otel.GetMeterProvider()
	origTracers := otel.GetTracerProvider()
	p := NewProvider(opts)
	t.Cleanup(func() {
		otel.SetMeterProvider(origMeters)
		otel.SetTracerProvider(origTracers)
	})
	return p
}

func TestProvider_RecordsAndSnapshots(t *testing.T) {
	p := installProvider(t, ProviderOptions{})
	ctx := context.Background()

	p.Metrics.EventsAccepted(ctx, "shop", 3)
	p.Metrics.EventsStored(ctx, 2)
	p.Metrics.RetentionSweep(ctx, 4, 20*time.Millisecond, nil)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap["simplitics.events.accepted"])
	assert.Equal(t, 2.0, snap["simplitics.events.stored"])
	assert.Equal(t, 1.0, snap["simplitics.retention.duration_ms.count"])

	require.NoError(t, p.Shutdown(ctx))
}

func TestProvider_LogsMetricsAndSpans(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := installProvider(t, ProviderOptions{LogInterval: time.Hour, Tracing: true, Logger: logger})
	ctx := context.Background()

	p.Metrics.EventsStored(ctx, 5)
	_, span := StartSpan(ctx, "ingest.prepare")
	EndSpan(span, nil)

	// Shutdown flushes the periodic reader and the span batcher.
	require.NoError(t, p.Shutdown(ctx))
	out := buf.String()
	assert.Contains(t, out, "msg=metrics")
	assert.Contains(t, out, "simplitics.events.stored=5")
	assert.Contains(t, out, "msg=span")
	assert.Contains(t, out, "name=ingest.prepare")
	assert.Contains(t, out, "component=telemetry")
}
