package domain

import "time"

// Site is a tenant. Events reference it by SiteID.
type Site struct {
	SiteID        string         `json:"siteId"`
	Name          string         `json:"name"`
	Domain        string         `json:"domain"`
	Settings      map[string]any `json:"settings,omitempty"`
	APIKey        string         `json:"-"` // ciphertext
	APIKeyHash    string         `json:"-"`
	RetentionDays int            `json:"retentionDays"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// TrackIP reports whether the site stores the (encrypted) client IP.
// Absent or non-boolean settings default to true.
func (s *Site) TrackIP() bool {
	v, ok := s.Settings["trackIP"].(bool)
	if !ok {
		return true
	}
	return v
}

// Cutoff returns the instant before which events of this site are expired.
func (s *Site) Cutoff(now time.Time) time.Time {
	days := s.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return now.AddDate(0, 0, -days)
}

const (
	MaxSiteIDLen     = 64
	MaxSiteNameLen   = 200
	MaxRetentionDays = 3650
	MaxSiteDomainLen = 253
)
