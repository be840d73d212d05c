package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

const eventColumns = `id, site_id, type, properties, ts, ip, user_agent, session_id,
	user_key, session_key, created_at, updated_at`

const siteColumns = `site_id, name, domain, settings, api_key, api_key_hash,
	retention_days, created_at, updated_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryInsertEvent(ctx context.Context, db executor, ev *domain.StoredEvent) (int64, error) {
	props, err := ev.PropertiesJSON()
	if err != nil {
		return 0, fmt.Errorf("encode properties: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.SiteID, ev.Type, props, ev.Timestamp.UnixMilli(),
		ev.IP, ev.UserAgent, ev.SessionID, ev.UserKey, ev.SessionKey,
		ev.CreatedAt.UnixMilli(), ev.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.RowsAffected()
}

func queryFindEvents(ctx context.Context, db executor, f storage.EventFilter) ([]*domain.StoredEvent, error) {
	w := storage.FilterWhere(storage.SQLite, f)
	q := `SELECT ` + eventColumns + ` FROM events` + w.String() +
		` ORDER BY ts ASC, id ASC LIMIT ` + w.Arg(f.EffectiveLimit())

	rows, err := db.QueryContext(ctx, q, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.StoredEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func queryCountEventsByType(ctx context.Context, db executor, f storage.EventFilter) (map[string]int64, error) {
	w := storage.FilterWhere(storage.SQLite, f)
	rows, err := db.QueryContext(ctx, `SELECT type, COUNT(*) FROM events`+w.String()+` GROUP BY type`, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

func queryDeleteEvents(ctx context.Context, db executor, p storage.EventPredicate) (int64, error) {
	w := storage.PredicateWhere(storage.SQLite, p)
	res, err := db.ExecContext(ctx, `DELETE FROM events`+w.String(), w.Args()...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return res.RowsAffected()
}

func queryCreateSite(ctx context.Context, db executor, s *domain.Site) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO sites (`+siteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO NOTHING`,
		s.SiteID, s.Name, s.Domain, string(settings), s.APIKey, s.APIKeyHash,
		s.RetentionDays, s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrDuplicateSite
	}
	return nil
}

// queryGetSite looks a site up by a unique column. col is never user input.
func queryGetSite(ctx context.Context, db executor, col, value string) (*domain.Site, error) {
	row := db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE `+col+` = ?`, value)
	s, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return s, err
}

func queryListSites(ctx context.Context, db executor) ([]*domain.Site, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY site_id`)
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

func queryUpdateSite(ctx context.Context, db executor, s *domain.Site) error {
	settings, err := json.Marshal(s.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE sites SET name = ?, domain = ?, settings = ?, api_key = ?, api_key_hash = ?,
			retention_days = ?, updated_at = ?
		WHERE site_id = ?`,
		s.Name, s.Domain, string(settings), s.APIKey, s.APIKeyHash,
		s.RetentionDays, s.UpdatedAt.UnixMilli(), s.SiteID,
	)
	if err != nil {
		return fmt.Errorf("update site: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
