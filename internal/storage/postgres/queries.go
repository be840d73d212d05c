package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

func (db *DB) FindEvents(ctx context.Context, f storage.EventFilter) ([]*domain.StoredEvent, error) {
	w := storage.FilterWhere(storage.Postgres, f)
	sql := "SELECT " + strings.Join(eventCols, ", ") + " FROM events" + w.String() +
		" ORDER BY ts ASC, id ASC LIMIT " + w.Arg(f.EffectiveLimit())

	rows, err := db.Pool.Query(ctx, sql, w.Args()...)
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
	return out, rows.Err()
}

// CountEventsByType groups the filtered events by type. Limit is ignored.
func (db *DB) CountEventsByType(ctx context.Context, f storage.EventFilter) (map[string]int64, error) {
	w := storage.FilterWhere(storage.Postgres, f)
	rows, err := db.Pool.Query(ctx, "SELECT type, COUNT(*)::bigint FROM events"+w.String()+" GROUP BY type", w.Args()...)
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

func (db *DB) DeleteEvents(ctx context.Context, p storage.EventPredicate) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	w := storage.PredicateWhere(storage.Postgres, p)
	ct, err := db.Pool.Exec(ctx, "DELETE FROM events"+w.String(), w.Args()...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return ct.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (*domain.StoredEvent, error) {
	var ev domain.StoredEvent
	var props []byte
	err := row.Scan(
		&ev.ID, &ev.SiteID, &ev.Type, &props, &ev.Timestamp,
		&ev.IP, &ev.UserAgent, &ev.SessionID, &ev.UserKey, &ev.SessionKey,
		&ev.CreatedAt, &ev.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if err := json.Unmarshal(props, &ev.Properties); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", ev.ID, err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	return &ev, nil
}
