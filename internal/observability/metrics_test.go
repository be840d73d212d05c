package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*otelMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})
	m, err := newOtelMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum for %s", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Pipeline(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.EventsAccepted(ctx, "s1", 3)
	m.EventRejected(ctx, "s1", "InvalidEventName")
	m.EventsStored(ctx, 2)
	m.EventsDropped(ctx, "queue_full", 1)
	m.PIIKeysRemoved(ctx, 4)
	m.PIIKeysRemoved(ctx, 0)

	rm := collect(t, reader)
	assert.EqualValues(t, 3, sumOf(t, rm, "simplitics.events.accepted"))
	assert.EqualValues(t, 1, sumOf(t, rm, "simplitics.events.rejected"))
	assert.EqualValues(t, 2, sumOf(t, rm, "simplitics.events.stored"))
	assert.EqualValues(t, 1, sumOf(t, rm, "simplitics.events.dropped"))
	assert.EqualValues(t, 4, sumOf(t, rm, "simplitics.sanitize.pii_keys_removed"))
}

func TestMetrics_Retention(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RetentionSweep(ctx, 5, 20*time.Millisecond, nil)
	m.RetentionSweep(ctx, 0, time.Millisecond, errors.New("partial"))
	m.EventsErased(ctx, "s1", 2)

	rm := collect(t, reader)
	assert.EqualValues(t, 2, sumOf(t, rm, "simplitics.retention.runs"))
	assert.EqualValues(t, 5, sumOf(t, rm, "simplitics.retention.events_deleted"))
	assert.EqualValues(t, 2, sumOf(t, rm, "simplitics.gdpr.events_erased"))

	hist := findMetric(rm, "simplitics.retention.duration_ms")
	require.NotNil(t, hist)
	_, ok := hist.Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestNewMetrics_DefaultProvider(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)
	m.EventsStored(context.Background(), 1)
}

func TestNoopMetrics(t *testing.T) {
	var m Metrics = NoopMetrics{}
	ctx := context.Background()
	m.EventsAccepted(ctx, "s", 1)
	m.RetentionSweep(ctx, 1, time.Second, nil)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	Component(logger, "ingest").Info("hidden")
	Component(logger, "ingest").Warn("shown", "n", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"ingest"`)
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(&buf, "", "text")
	assert.NoError(t, err)
	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestEndSpan(t *testing.T) {
	_, span := StartSpan(context.Background(), "test")
	EndSpan(span, errors.New("boom"))
	_, span = StartSpan(context.Background(), "test")
	EndSpan(span, nil)
}
