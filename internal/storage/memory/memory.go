// Package memory is an in-process storage.Repository for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

// Repository keeps events and sites in maps guarded by a RWMutex.
type Repository struct {
	mu     sync.RWMutex
	events map[string]*domain.StoredEvent
	sites  map[string]*domain.Site
	closed bool
	now    func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{
		events: make(map[string]*domain.StoredEvent),
		sites:  make(map[string]*domain.Site),
		now:    time.Now,
	}
}

func (r *Repository) CreateEvent(ctx context.Context, ev *domain.StoredEvent) error {
	n, err := r.CreateEvents(ctx, []*domain.StoredEvent{ev})
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrDuplicateEvent
	}
	return nil
}

func (r *Repository) CreateEvents(_ context.Context, evs []*domain.StoredEvent) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, storage.ErrClosed
	}

	var n int64
	now := r.now()
	for _, ev := range evs {
		if err := storage.PrepareEvent(ev, now); err != nil {
			return n, err
		}
		if _, exists := r.events[ev.ID]; exists {
			continue
		}
		r.events[ev.ID] = cloneEvent(ev)
		n++
	}
	return n, nil
}

func (r *Repository) FindEvents(_ context.Context, f storage.EventFilter) ([]*domain.StoredEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}

	out := make([]*domain.StoredEvent, 0)
	for _, ev := range r.events {
		if f.Matches(ev) {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) CountEventsByType(_ context.Context, f storage.EventFilter) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}

	counts := make(map[string]int64)
	for _, ev := range r.events {
		if f.Matches(ev) {
			counts[ev.Type]++
		}
	}
	return counts, nil
}

func (r *Repository) DeleteEvents(_ context.Context, p storage.EventPredicate) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, storage.ErrClosed
	}

	var n int64
	for id, ev := range r.events {
		if p.Matches(ev) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

func (r *Repository) CreateSite(_ context.Context, s *domain.Site) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storage.ErrClosed
	}
	if _, exists := r.sites[s.SiteID]; exists {
		return storage.ErrDuplicateSite
	}
	storage.PrepareSite(s, r.now())
	r.sites[s.SiteID] = cloneSite(s)
	return nil
}

func (r *Repository) GetSite(_ context.Context, siteID string) (*domain.Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}
	s, ok := r.sites[siteID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneSite(s), nil
}

func (r *Repository) GetSiteByAPIKeyHash(_ context.Context, hash string) (*domain.Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}
	for _, s := range r.sites {
		if hash != "" && s.APIKeyHash == hash {
			return cloneSite(s), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *Repository) ListSites(_ context.Context) ([]*domain.Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}
	out := make([]*domain.Site, 0, len(r.sites))
	for _, s := range r.sites {
		out = append(out, cloneSite(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out, nil
}

func (r *Repository) UpdateSite(_ context.Context, s *domain.Site) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storage.ErrClosed
	}
	cur, ok := r.sites[s.SiteID]
	if !ok {
		return storage.ErrNotFound
	}
	s.CreatedAt = cur.CreatedAt
	storage.PrepareSite(s, r.now())
	r.sites[s.SiteID] = cloneSite(s)
	return nil
}

func (r *Repository) Ping(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close is idempotent.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func cloneEvent(ev *domain.StoredEvent) *domain.StoredEvent {
	c := *ev
	c.Properties = cloneMap(ev.Properties)
	return &c
}

func cloneSite(s *domain.Site) *domain.Site {
	c := *s
	c.Settings = cloneMap(s.Settings)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
