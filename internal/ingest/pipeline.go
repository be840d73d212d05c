// Package ingest turns inbound events into stored events and writes them.
//
// Pipeline order: validate, sanitize, hash identifiers, encrypt request
// metadata. Nothing reaches a Repository without passing every step.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/idgen"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/sanitize"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/vault"
)

// Pipeline prepares events for storage.
type Pipeline struct {
	vault   *vault.Vault
	skew    time.Duration
	now     func() time.Time
	metrics observability.Metrics
	logger  *slog.Logger
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }
func WithClockSkew(d time.Duration) Option { return func(p *Pipeline) { p.skew = d } }
func WithMetrics(m observability.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func NewPipeline(v *vault.Vault, opts ...Option) *Pipeline {
	p := &Pipeline{
		vault:   v,
		skew:    domain.DefaultClockSkew,
		now:     time.Now,
		metrics: observability.NoopMetrics{},
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = observability.Component(p.logger, "pipeline")
	return p
}

// Prepare validates and protects one event. Validation failures are returned
// as *domain.ValidationError; the event is never partially processed.
func (p *Pipeline) Prepare(ctx context.Context, site *domain.Site, in domain.InboundEvent, meta domain.RequestMeta) (ev *domain.StoredEvent, err error) {
	ctx, span := observability.StartSpan(ctx, "ingest.prepare",
		attribute.String("site_id", site.SiteID),
		attribute.String("event_type", in.Type),
	)
	defer func() { observability.EndSpan(span, err) }()

	now := p.now().UTC()
	if err := domain.ValidateInbound(&in, now, p.skew); err != nil {
		p.reject(ctx, site.SiteID, err)
		return nil, err
	}
	return p.protect(ctx, site, in, meta, now)
}

// PrepareBatch validates every event first; if any fails, nothing is prepared
// and a *BatchError is returned.
func (p *Pipeline) PrepareBatch(ctx context.Context, site *domain.Site, events []domain.InboundEvent, meta domain.RequestMeta) ([]*domain.StoredEvent, error) {
	now := p.now().UTC()
	if items, top := domain.ValidateBatch(events, domain.MaxBatchSize, now, p.skew); top != nil {
		for _, err := range items {
			if err != nil {
				p.reject(ctx, site.SiteID, err)
			}
		}
		return nil, &BatchError{Items: items, Err: top}
	}

	out := make([]*domain.StoredEvent, 0, len(events))
	for _, in := range events {
		ev, err := p.protect(ctx, site, in, meta, now)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (p *Pipeline) protect(ctx context.Context, site *domain.Site, in domain.InboundEvent, meta domain.RequestMeta, now time.Time) (*domain.StoredEvent, error) {
	res := sanitize.Apply(in.Properties)
	p.metrics.PIIKeysRemoved(ctx, len(res.Removed))
	if len(res.Removed) > 0 {
		p.logger.DebugContext(ctx, "removed personal data keys",
			slog.String("site_id", site.SiteID),
			slog.Any("keys", res.Removed),
		)
	}

	userKey := p.vault.Hasher.UserKey(res.Properties)
	props, err := p.vault.Hasher.HashProperties(res.Properties)
	if err != nil {
		return nil, err
	}

	ip := meta.IP
	if !site.TrackIP() {
		ip = ""
	}
	pm, err := p.vault.ProtectMeta(ip, meta.UserAgent, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	id, err := idgen.EventID()
	if err != nil {
		return nil, err
	}
	ts := now
	if in.Timestamp != nil {
		ts = in.Timestamp.UTC()
	}
	return &domain.StoredEvent{
		ID:         id,
		SiteID:     site.SiteID,
		Type:       in.Type,
		Properties: props,
		Timestamp:  ts,
		IP:         pm.IP,
		UserAgent:  pm.UserAgent,
		SessionID:  pm.SessionID,
		UserKey:    userKey,
		SessionKey: pm.SessionKey,
	}, nil
}

func (p *Pipeline) reject(ctx context.Context, siteID string, err error) {
	reason := "invalid"
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		reason = string(ve.Code)
	}
	p.metrics.EventRejected(ctx, siteID, reason)
}

// Ingest prepares in and writes it synchronously.
func (p *Pipeline) Ingest(ctx context.Context, repo storage.Repository, site *domain.Site, in domain.InboundEvent, meta domain.RequestMeta) (*domain.StoredEvent, error) {
	ev, err := p.Prepare(ctx, site, in, meta)
	if err != nil {
		return nil, err
	}
	p.metrics.EventsAccepted(ctx, site.SiteID, 1)
	if err := repo.CreateEvent(ctx, ev); err != nil {
		p.metrics.EventsDropped(ctx, "storage", 1)
		return nil, &DeliveryError{Count: 1, Err: err}
	}
	p.metrics.EventsStored(ctx, 1)
	return ev, nil
}
