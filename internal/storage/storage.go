// Package storage defines the event and site repository shared by the
// memory, sqlite and postgres backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/idgen"
)

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrDuplicateSite  = errors.New("storage: site already exists")
	ErrDuplicateEvent = errors.New("storage: event already exists")
	ErrEmptyPredicate = errors.New("storage: delete predicate must name a site and at least one condition")
	ErrClosed         = errors.New("storage: repository closed")
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Repository persists events and sites. Every write is atomic per event.
type Repository interface {
	// Events
	CreateEvent(ctx context.Context, ev *domain.StoredEvent) error
	// CreateEvents inserts what it can and returns the number of new rows.
	// Events whose ID already exists are skipped.
	CreateEvents(ctx context.Context, evs []*domain.StoredEvent) (int64, error)
	FindEvents(ctx context.Context, f EventFilter) ([]*domain.StoredEvent, error)
	CountEventsByType(ctx context.Context, f EventFilter) (map[string]int64, error)
	DeleteEvents(ctx context.Context, p EventPredicate) (int64, error)

	// Sites
	CreateSite(ctx context.Context, s *domain.Site) error
	GetSite(ctx context.Context, siteID string) (*domain.Site, error)
	GetSiteByAPIKeyHash(ctx context.Context, hash string) (*domain.Site, error)
	ListSites(ctx context.Context) ([]*domain.Site, error)
	UpdateSite(ctx context.Context, s *domain.Site) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// EventFilter selects events of one site. Zero From/To are unbounded; an
// empty Types matches every type. Limit is ignored by CountEventsByType.
type EventFilter struct {
	SiteID string
	From   time.Time
	To     time.Time
	Types  []string
	Limit  int
}

// EffectiveLimit clamps Limit into [1, MaxLimit], defaulting to DefaultLimit.
func (f EventFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

// Matches reports whether ev satisfies f, ignoring Limit.
func (f EventFilter) Matches(ev *domain.StoredEvent) bool {
	if ev.SiteID != f.SiteID {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// EventPredicate selects events to delete. Conditions are ANDed.
type EventPredicate struct {
	SiteID string
	// Before deletes events with a timestamp strictly before it.
	Before     time.Time
	UserKey    string
	SessionKey string
}

// Validate rejects predicates that would match a whole site or every site.
func (p EventPredicate) Validate() error {
	if p.SiteID == "" || (p.Before.IsZero() && p.UserKey == "" && p.SessionKey == "") {
		return ErrEmptyPredicate
	}
	return nil
}

// Matches reports whether ev satisfies p.
func (p EventPredicate) Matches(ev *domain.StoredEvent) bool {
	if ev.SiteID != p.SiteID {
		return false
	}
	if !p.Before.IsZero() && !ev.Timestamp.Before(p.Before) {
		return false
	}
	if p.UserKey != "" && ev.UserKey != p.UserKey {
		return false
	}
	if p.SessionKey != "" && ev.SessionKey != p.SessionKey {
		return false
	}
	return true
}

// PrepareEvent assigns an ID and the bookkeeping timestamps to ev when unset.
func PrepareEvent(ev *domain.StoredEvent, now time.Time) error {
	if ev.SiteID == "" {
		return errors.New("storage: event without site")
	}
	if ev.ID == "" {
		id, err := idgen.EventID()
		if err != nil {
			return err
		}
		ev.ID = id
	}
	now = now.UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = ev.CreatedAt
	}
	if ev.Properties == nil {
		ev.Properties = map[string]any{}
	}
	return nil
}

// PrepareSite stamps a new site and applies defaults.
func PrepareSite(s *domain.Site, now time.Time) {
	now = now.UTC()
	if s.RetentionDays <= 0 {
		s.RetentionDays = domain.DefaultRetentionDays
	}
	if s.Settings == nil {
		s.Settings = map[string]any{}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}
