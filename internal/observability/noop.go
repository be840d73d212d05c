package observability

import (
	"context"
	"time"
)

// NoopMetrics is a Metrics that does nothing.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) EventsAccepted(context.Context, string, int) {}
func (NoopMetrics) EventRejected(context.Context, string, string) {}
func (NoopMetrics) EventsStored(context.Context, int64) {}
func (NoopMetrics) EventsDropped(context.Context, string, int) {}
func (NoopMetrics) PIIKeysRemoved(context.Context, int) {}
func (NoopMetrics) RetentionSweep(context.Context, int64, time.Duration, error) {}
func (NoopMetrics) EventsErased(context.Context, string, int64) {}
