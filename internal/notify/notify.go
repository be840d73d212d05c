// Package notify publishes pipeline notifications so downstream consumers can
// react to stored events, retention sweeps and erasures.
package notify

import (
	"context"
	"time"
)

// Topic constants
const (
	TopicEventsStored   = "simplitics.events.stored"
	TopicSiteRegistered = "simplitics.site.registered"
	TopicSweepCompleted = "simplitics.retention.swept"
	TopicErasureDone    = "simplitics.gdpr.erased"
)

// Publisher sends a JSON-encoded notification to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// Notification payloads. None of them carry event properties or identifiers.

type EventsStored struct {
	// PerSite maps site IDs to the number of rows written.
	PerSite map[string]int64 `json:"per_site"`
	Total   int64            `json:"total"`
}

type SiteRegistered struct {
	SiteID string `json:"site_id"`
	Name   string `json:"name"`
}

type SweepCompleted struct {
	RunID       string    `json:"run_id"`
	Deleted     int64     `json:"deleted"`
	FailedSites []string  `json:"failed_sites,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

type ErasureDone struct {
	RequestID string `json:"request_id"`
	SiteID    string `json:"site_id"`
	// Subject is "user" or "session".
	Subject string `json:"subject"`
	Deleted int64  `json:"deleted"`
}
