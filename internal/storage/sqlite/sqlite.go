// Package sqlite implements storage.Repository on a single SQLite file.
// Timestamps are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		site_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		api_key TEXT NOT NULL DEFAULT '',
		api_key_hash TEXT NOT NULL DEFAULT '',
		retention_days INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sites_api_key_hash ON sites(api_key_hash)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		type TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		ts INTEGER NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		user_key TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_ts ON events(site_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_user_key ON events(site_id, user_key)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_session_key ON events(site_id, session_key)`,
}

// Repository is the SQLite storage.Repository.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	r := New(db)
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an already opened database. The schema is not applied.
func New(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Migrate creates the tables and indexes when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *Repository) CreateEvent(ctx context.Context, ev *domain.StoredEvent) error {
	if err := storage.PrepareEvent(ev, r.now()); err != nil {
		return err
	}
	n, err := queryInsertEvent(ctx, r.db, ev)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrDuplicateEvent
	}
	return nil
}

func (r *Repository) CreateEvents(ctx context.Context, evs []*domain.StoredEvent) (int64, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	now := r.now()
	for _, ev := range evs {
		if err := storage.PrepareEvent(ev, now); err != nil {
			return 0, err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, ev := range evs {
		n, err := queryInsertEvent(ctx, tx, ev)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

func (r *Repository) FindEvents(ctx context.Context, f storage.EventFilter) ([]*domain.StoredEvent, error) {
	return queryFindEvents(ctx, r.db, f)
}

func (r *Repository) CountEventsByType(ctx context.Context, f storage.EventFilter) (map[string]int64, error) {
	return queryCountEventsByType(ctx, r.db, f)
}

func (r *Repository) DeleteEvents(ctx context.Context, p storage.EventPredicate) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return queryDeleteEvents(ctx, r.db, p)
}

func (r *Repository) CreateSite(ctx context.Context, s *domain.Site) error {
	storage.PrepareSite(s, r.now())
	return queryCreateSite(ctx, r.db, s)
}

func (r *Repository) GetSite(ctx context.Context, siteID string) (*domain.Site, error) {
	return queryGetSite(ctx, r.db, "site_id", siteID)
}

func (r *Repository) GetSiteByAPIKeyHash(ctx context.Context, hash string) (*domain.Site, error) {
	if hash == "" {
		return nil, storage.ErrNotFound
	}
	return queryGetSite(ctx, r.db, "api_key_hash", hash)
}

func (r *Repository) ListSites(ctx context.Context) ([]*domain.Site, error) {
	return queryListSites(ctx, r.db)
}

func (r *Repository) UpdateSite(ctx context.Context, s *domain.Site) error {
	storage.PrepareSite(s, r.now())
	return queryUpdateSite(ctx, r.db, s)
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) Close() error {
	return r.db.Close()
}
