package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/storage/memory"
	"github.com/idmcalculus/Simplitics/internal/vault"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T) (*Pipeline, *vault.Vault) {
	t.Helper()
	v, err := vault.New(vault.Options{
		Secret:          "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		HashIdentifiers: true,
	})
	require.NoError(t, err)
	return NewPipeline(v, WithClock(func() time.Time { return fixedNow })), v
}

func TestPrepare_ProtectsEverything(t *testing.T) {
	p, v := newTestPipeline(t)
	site := &domain.Site{SiteID: "shop"}

	ev, err := p.Prepare(context.Background(), site, domain.InboundEvent{
		Type: "checkout",
		Properties: map[string]any{
			"email":      "jo@example.com",
			"userId":     "u-1",
			"plan":       "pro",
			"utm_source": "mail",
			"url":        "https://shop.example.com/cart?utm_medium=email&step=2",
		},
		SessionID: "sess-9",
	}, domain.RequestMeta{IP: "203.0.113.7", UserAgent: "Mozilla/5.0"})
	require.NoError(t, err)

	assert.Equal(t, "shop", ev.SiteID)
	assert.Equal(t, fixedNow, ev.Timestamp)
	assert.NotContains(t, ev.Properties, "email")
	assert.NotContains(t, ev.Properties, "utm_source")
	assert.Equal(t, "pro", ev.Properties["plan"])
	assert.Equal(t, "https://shop.example.com/cart?step=2", ev.Properties["url"])

	hashed := v.Hasher.HashIdentifier("u-1")
	assert.Equal(t, hashed, ev.Properties["userId"])
	assert.Equal(t, hashed, ev.UserKey)
	assert.Equal(t, v.Hasher.HashIdentifier("sess-9"), ev.SessionKey)

	ip, err := v.Cipher.DecryptString(ev.IP)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
	ua, err := v.Cipher.DecryptString(ev.UserAgent)
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0", ua)
	sid, err := v.Cipher.DecryptString(ev.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", sid)
}

func TestPrepare_TrackIPDisabled(t *testing.T) {
	p, _ := newTestPipeline(t)
	site := &domain.Site{SiteID: "shop", Settings: map[string]any{"trackIP": false}}

	ev, err := p.Prepare(context.Background(), site, domain.InboundEvent{Type: "view", Properties: map[string]any{}},
		domain.RequestMeta{IP: "203.0.113.7", UserAgent: "ua"})
	require.NoError(t, err)
	assert.Empty(t, ev.IP)
	assert.NotEmpty(t, ev.UserAgent)
}

func TestPrepare_ClientTimestamp(t *testing.T) {
	p, _ := newTestPipeline(t)
	past := fixedNow.Add(-time.Hour)
	ev, err := p.Prepare(context.Background(), &domain.Site{SiteID: "s"},
		domain.InboundEvent{Type: "view", Properties: map[string]any{}, Timestamp: &past}, domain.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, past, ev.Timestamp)

	future := fixedNow.Add(time.Hour)
	_, err = p.Prepare(context.Background(), &domain.Site{SiteID: "s"},
		domain.InboundEvent{Type: "view", Properties: map[string]any{}, Timestamp: &future}, domain.RequestMeta{})
	assert.True(t, domain.IsValidationError(err))
}

func TestPrepare_ValidationFirst(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Prepare(context.Background(), &domain.Site{SiteID: "s"},
		domain.InboundEvent{Type: "bad name", Properties: map[string]any{}}, domain.RequestMeta{})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.CodeInvalidEventName, ve.Code)
}

func TestPrepareBatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	site := &domain.Site{SiteID: "s"}

	evs, err := p.PrepareBatch(context.Background(), site, []domain.InboundEvent{
		{Type: "a", Properties: map[string]any{}},
		{Type: "b", Properties: map[string]any{"phone": "1"}},
	}, domain.RequestMeta{})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Empty(t, evs[1].Properties)

	_, err = p.PrepareBatch(context.Background(), site, []domain.InboundEvent{
		{Type: "a", Properties: map[string]any{}},
		{Type: "", Properties: map[string]any{}},
	}, domain.RequestMeta{})
	var be *BatchError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Items, 2)
	assert.NoError(t, be.Items[0])
	assert.True(t, domain.IsValidationError(be.Items[1]))
}

type failingRepo struct {
	*memory.Repository
	err error
}

func (f failingRepo) CreateEvent(context.Context, *domain.StoredEvent) error { return f.err }

func (f failingRepo) CreateEvents(context.Context, []*domain.StoredEvent) (int64, error) {
	return 0, f.err
}

func TestIngest(t *testing.T) {
	p, _ := newTestPipeline(t)
	repo := memory.New()
	ctx := context.Background()

	ev, err := p.Ingest(ctx, repo, &domain.Site{SiteID: "s"}, domain.InboundEvent{Type: "view", Properties: map[string]any{}}, domain.RequestMeta{})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)

	got, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	boom := errors.New("disk full")
	_, err = p.Ingest(ctx, failingRepo{memory.New(), boom}, &domain.Site{SiteID: "s"}, domain.InboundEvent{Type: "view", Properties: map[string]any{}}, domain.RequestMeta{})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, boom)
}
