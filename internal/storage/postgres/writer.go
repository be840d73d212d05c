package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/storage"
)

var eventCols = []string{
	"id", "site_id", "type", "properties", "ts", "ip", "user_agent",
	"session_id", "user_key", "session_key", "created_at", "updated_at",
}

// maxInsertRows keeps one INSERT under the protocol's 65535 bind parameters.
var maxInsertRows = 65535 / len(eventCols)

func (db *DB) CreateEvent(ctx context.Context, ev *domain.StoredEvent) error {
	n, err := db.CreateEvents(ctx, []*domain.StoredEvent{ev})
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrDuplicateEvent
	}
	return nil
}

// CreateEvents inserts events with ON CONFLICT DO NOTHING, so replayed IDs are
// skipped. Batches larger than maxInsertRows are split into several
// statements inside one transaction.
func (db *DB) CreateEvents(ctx context.Context, evs []*domain.StoredEvent) (int64, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	now := db.now()
	for _, ev := range evs {
		if err := storage.PrepareEvent(ev, now); err != nil {
			return 0, err
		}
	}

	chunks := chunkEvents(evs, maxInsertRows)
	if len(chunks) == 1 {
		sql, args, err := buildInsertEvents(evs)
		if err != nil {
			return 0, err
		}
		ct, err := db.Pool.Exec(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("insert events: %w", err)
		}
		return ct.RowsAffected(), nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted int64
	for _, chunk := range chunks {
		sql, args, err := buildInsertEvents(chunk)
		if err != nil {
			return 0, err
		}
		ct, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, fmt.Errorf("insert events: %w", err)
		}
		inserted += ct.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func chunkEvents(evs []*domain.StoredEvent, size int) [][]*domain.StoredEvent {
	var chunks [][]*domain.StoredEvent
	for len(evs) > size {
		chunks = append(chunks, evs[:size])
		evs = evs[size:]
	}
	return append(chunks, evs)
}

func buildInsertEvents(evs []*domain.StoredEvent) (string, []any, error) {
	placeholders := make([]string, 0, len(evs))
	args := make([]any, 0, len(evs)*len(eventCols))

	argi := 1
	next := func(v any, cast string) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d%s", argi, cast)
		argi++
		return p
	}
	for _, ev := range evs {
		props, err := ev.PropertiesJSON()
		if err != nil {
			return "", nil, fmt.Errorf("encode properties of %s: %w", ev.ID, err)
		}
		ph := []string{
			next(ev.ID, ""),
			next(ev.SiteID, ""),
			next(ev.Type, ""),
			next(props, "::jsonb"),
			next(ev.Timestamp.UTC(), ""),
			next(ev.IP, ""),
			next(ev.UserAgent, ""),
			next(ev.SessionID, ""),
			next(ev.UserKey, ""),
			next(ev.SessionKey, ""),
			next(ev.CreatedAt.UTC(), ""),
			next(ev.UpdatedAt.UTC(), ""),
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sql := "INSERT INTO events (" + strings.Join(eventCols, ",") + ") VALUES " +
		strings.Join(placeholders, ",") +
		" ON CONFLICT (id) DO NOTHING"
	return sql, args, nil
}
