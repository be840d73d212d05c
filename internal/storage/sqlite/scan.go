package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/idmcalculus/Simplitics/internal/domain"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanEvent reads a row in eventColumns order.
func scanEvent(row scannable) (*domain.StoredEvent, error) {
	var (
		ev                   domain.StoredEvent
		props                string
		ts, created, updated int64
	)
	err := row.Scan(
		&ev.ID, &ev.SiteID, &ev.Type, &props, &ts,
		&ev.IP, &ev.UserAgent, &ev.SessionID, &ev.UserKey, &ev.SessionKey,
		&created, &updated,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &ev.Properties); err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", ev.ID, err)
	}
	ev.Timestamp = fromMillis(ts)
	ev.CreatedAt = fromMillis(created)
	ev.UpdatedAt = fromMillis(updated)
	return &ev, nil
}

// scanSite reads a row in siteColumns order. sql.ErrNoRows is returned as is.
func scanSite(row scannable) (*domain.Site, error) {
	var (
		s                domain.Site
		settings         string
		created, updated int64
	)
	err := row.Scan(
		&s.SiteID, &s.Name, &s.Domain, &settings, &s.APIKey, &s.APIKeyHash,
		&s.RetentionDays, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &s.Settings); err != nil {
		return nil, fmt.Errorf("decode settings of %s: %w", s.SiteID, err)
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
