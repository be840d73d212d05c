// Package storagetest holds the contract every storage.Repository must meet.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

// Factory returns an empty repository. The contract closes it.
type Factory func(t *testing.T) storage.Repository

// base is millisecond aligned so every backend round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(site, typ string, ts time.Time) *domain.StoredEvent {
	return &domain.StoredEvent{SiteID: site, Type: typ, Timestamp: ts, Properties: map[string]any{"path": "/"}}
}

// Run executes the contract against the repositories produced by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	open := func(t *testing.T) storage.Repository {
		repo := factory(t)
		t.Cleanup(func() { _ = repo.Close() })
		require.NoError(t, repo.Ping(ctx))
		return repo
	}

	t.Run("CreateEvent_and_Find", func(t *testing.T) {
		repo := open(t)
		ev := &domain.StoredEvent{
			SiteID:     "s1",
			Type:       "page_view",
			Timestamp:  base,
			Properties: map[string]any{"path": "/pricing", "userId": "abc", "n": float64(2)},
			IP:         "ip-token",
			UserAgent:  "ua-token",
			SessionID:  "sid-token",
			UserKey:    "uk",
			SessionKey: "sk",
		}
		require.NoError(t, repo.CreateEvent(ctx, ev))
		require.NotEmpty(t, ev.ID)

		got, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		g := got[0]
		assert.Equal(t, ev.ID, g.ID)
		assert.Equal(t, "page_view", g.Type)
		assert.Equal(t, ev.Properties, g.Properties)
		assert.True(t, base.Equal(g.Timestamp), "timestamp %v", g.Timestamp)
		assert.Equal(t, "ip-token", g.IP)
		assert.Equal(t, "ua-token", g.UserAgent)
		assert.Equal(t, "sid-token", g.SessionID)
		assert.Equal(t, "uk", g.UserKey)
		assert.Equal(t, "sk", g.SessionKey)
		assert.False(t, g.CreatedAt.IsZero())
	})

	t.Run("CreateEvents_SkipsExistingIDs", func(t *testing.T) {
		repo := open(t)
		a := event("s1", "a", base)
		a.ID = "evt_fixed"
		n, err := repo.CreateEvents(ctx, []*domain.StoredEvent{a, event("s1", "b", base)})
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		dup := event("s1", "c", base)
		dup.ID = "evt_fixed"
		n, err = repo.CreateEvents(ctx, []*domain.StoredEvent{dup})
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		again := event("s1", "d", base)
		again.ID = "evt_fixed"
		assert.ErrorIs(t, repo.CreateEvent(ctx, again), storage.ErrDuplicateEvent)

		n, err = repo.CreateEvents(ctx, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("FindEvents_Filters", func(t *testing.T) {
		repo := open(t)
		for i, typ := range []string{"view", "click", "view", "signup"} {
			require.NoError(t, repo.CreateEvent(ctx, event("s1", typ, base.Add(time.Duration(i)*time.Hour))))
		}
		require.NoError(t, repo.CreateEvent(ctx, event("s2", "view", base)))

		all, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s1"})
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "ascending order")
		}

		views, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s1", Types: []string{"view"}})
		require.NoError(t, err)
		assert.Len(t, views, 2)

		window, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s1", From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Len(t, window, 2)

		limited, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s1", Limit: 3})
		require.NoError(t, err)
		assert.Len(t, limited, 3)

		none, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "nope"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("CountEventsByType", func(t *testing.T) {
		repo := open(t)
		for _, typ := range []string{"view", "view", "click"} {
			require.NoError(t, repo.CreateEvent(ctx, event("s1", typ, base)))
		}
		require.NoError(t, repo.CreateEvent(ctx, event("s2", "view", base)))

		counts, err := repo.CountEventsByType(ctx, storage.EventFilter{SiteID: "s1", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{"view": 2, "click": 1}, counts)
	})

	t.Run("DeleteEvents_Retention", func(t *testing.T) {
		repo := open(t)
		now := base
		old := event("s1", "old", now.AddDate(0, 0, -40))
		fresh := event("s1", "fresh", now.AddDate(0, 0, -1))
		other := event("s2", "old", now.AddDate(0, 0, -40))
		for _, ev := range []*domain.StoredEvent{old, fresh, other} {
			require.NoError(t, repo.CreateEvent(ctx, ev))
		}

		p := storage.EventPredicate{SiteID: "s1", Before: now.AddDate(0, 0, -30)}
		n, err := repo.DeleteEvents(ctx, p)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = repo.DeleteEvents(ctx, p)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		left, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s1"})
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, fresh.ID, left[0].ID)

		others, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s2"})
		require.NoError(t, err)
		assert.Len(t, others, 1)
	})

	t.Run("DeleteEvents_ByKeys", func(t *testing.T) {
		repo := open(t)
		a := event("s1", "a", base)
		a.UserKey, a.SessionKey = "u1", "x1"
		b := event("s1", "b", base)
		b.UserKey, b.SessionKey = "u2", "x1"
		c := event("s1", "c", base)
		c.UserKey, c.SessionKey = "u2", "x2"
		_, err := repo.CreateEvents(ctx, []*domain.StoredEvent{a, b, c})
		require.NoError(t, err)

		n, err := repo.DeleteEvents(ctx, storage.EventPredicate{SiteID: "s1", UserKey: "u1"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = repo.DeleteEvents(ctx, storage.EventPredicate{SiteID: "s1", SessionKey: "x1"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = repo.DeleteEvents(ctx, storage.EventPredicate{SiteID: "s1"})
		assert.ErrorIs(t, err, storage.ErrEmptyPredicate)

		left, err := repo.FindEvents(ctx, storage.EventFilter{SiteID: "s1"})
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, c.ID, left[0].ID)
	})

	t.Run("Sites", func(t *testing.T) {
		repo := open(t)
		first := &domain.Site{SiteID: "shop", Name: "Shop", Domain: "shop.example", APIKey: "ct", APIKeyHash: "h1",
			Settings: map[string]any{"trackIP": false}}
		require.NoError(t, repo.CreateSite(ctx, first))
		assert.Equal(t, domain.DefaultRetentionDays, first.RetentionDays)

		err := repo.CreateSite(ctx, &domain.Site{SiteID: "shop", Name: "Impostor", APIKeyHash: "h2"})
		assert.ErrorIs(t, err, storage.ErrDuplicateSite)

		got, err := repo.GetSite(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, "Shop", got.Name)
		assert.Equal(t, "ct", got.APIKey)
		assert.False(t, got.TrackIP())

		byKey, err := repo.GetSiteByAPIKeyHash(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, "shop", byKey.SiteID)

		_, err = repo.GetSiteByAPIKeyHash(ctx, "h2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.GetSite(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.CreateSite(ctx, &domain.Site{SiteID: "blog", Name: "Blog", APIKeyHash: "h3", RetentionDays: 7}))
		sites, err := repo.ListSites(ctx)
		require.NoError(t, err)
		require.Len(t, sites, 2)
		assert.Equal(t, "blog", sites[0].SiteID)
		assert.Equal(t, 7, sites[0].RetentionDays)

		got.RetentionDays = 90
		got.Settings = map[string]any{"trackIP": true}
		require.NoError(t, repo.UpdateSite(ctx, got))
		again, err := repo.GetSite(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, 90, again.RetentionDays)
		assert.True(t, again.TrackIP())

		err = repo.UpdateSite(ctx, &domain.Site{SiteID: "missing", Name: "x"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
