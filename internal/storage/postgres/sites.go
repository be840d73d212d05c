package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

const siteColumns = `site_id, name, domain, settings, api_key, api_key_hash,
	retention_days, created_at, updated_at`

const uniqueViolation = "23505"

func (db *DB) CreateSite(ctx context.Context, s *domain.Site) error {
	storage.PrepareSite(s, db.now())
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	ct, err := db.Pool.Exec(ctx, `
		INSERT INTO sites (`+siteColumns+`)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
		ON CONFLICT (site_id) DO NOTHING`,
		s.SiteID, s.Name, s.Domain, string(settings), s.APIKey, s.APIKeyHash,
		s.RetentionDays, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return mapSiteErr("insert site", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrDuplicateSite
	}
	return nil
}

func (db *DB) GetSite(ctx context.Context, siteID string) (*domain.Site, error) {
	return db.getSite(ctx, "site_id", siteID)
}

func (db *DB) GetSiteByAPIKeyHash(ctx context.Context, hash string) (*domain.Site, error) {
	if hash == "" {
		return nil, storage.ErrNotFound
	}
	return db.getSite(ctx, "api_key_hash", hash)
}

// getSite looks a site up by a unique column. col is never user input.
func (db *DB) getSite(ctx context.Context, col, value string) (*domain.Site, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE `+col+` = $1`, value)
	s, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return s, err
}

func (db *DB) ListSites(ctx context.Context) ([]*domain.Site, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []*domain.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) UpdateSite(ctx context.Context, s *domain.Site) error {
	storage.PrepareSite(s, db.now())
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	ct, err := db.Pool.Exec(ctx, `
		UPDATE sites SET name = $1, domain = $2, settings = $3::jsonb, api_key = $4,
			api_key_hash = $5, retention_days = $6, updated_at = $7
		WHERE site_id = $8`,
		s.Name, s.Domain, string(settings), s.APIKey, s.APIKeyHash,
		s.RetentionDays, s.UpdatedAt, s.SiteID,
	)
	if err != nil {
		return mapSiteErr("update site", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// mapSiteErr turns an api_key_hash unique violation into ErrDuplicateSite.
func mapSiteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicateSite)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// scanSite returns pgx.ErrNoRows unwrapped.
func scanSite(row pgx.Row) (*domain.Site, error) {
	var s domain.Site
	var settings []byte
	err := row.Scan(
		&s.SiteID, &s.Name, &s.Domain, &settings, &s.APIKey, &s.APIKeyHash,
		&s.RetentionDays, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &s.Settings); err != nil {
		return nil, fmt.Errorf("decode settings of %s: %w", s.SiteID, err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}
