package domain

import (
	"encoding/json"
	"time"
)

// InboundEvent is the wire shape accepted by the ingestion endpoints.
// ip and user agent come from the transport, never from the body.
type InboundEvent struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

// RequestMeta carries the transport-level metadata of an inbound event.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// StoredEvent is an event after sanitization, hashing and encryption.
// IP, UserAgent and SessionID only ever hold ciphertext tokens.
type StoredEvent struct {
	ID         string
	SiteID     string
	Type       string
	Properties map[string]any
	Timestamp  time.Time
	IP         string
	UserAgent  string
	SessionID  string
	// UserKey and SessionKey are deterministic hashes used as erasure predicates.
	UserKey    string
	SessionKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type storedEventJSON struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"siteId"`
	Type       string    `json:"type"`
	Properties string    `json:"properties"`
	Timestamp  time.Time `json:"timestamp"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PropertiesJSON returns the properties serialized the way they are stored.
func (e *StoredEvent) PropertiesJSON() (string, error) {
	if e.Properties == nil {
		return "{}", nil
	}
	b, err := json.Marshal(e.Properties)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MarshalJSON renders the outbound stored shape, with properties as a JSON string.
func (e StoredEvent) MarshalJSON() ([]byte, error) {
	props, err := e.PropertiesJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedEventJSON{
		ID:         e.ID,
		SiteID:     e.SiteID,
		Type:       e.Type,
		Properties: props,
		Timestamp:  e.Timestamp,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		SessionID:  e.SessionID,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	})
}

// Validation constraints
const (
	MaxEventTypeLen      = 100
	MaxPropertyCount     = 100
	MaxPropertyValueLen  = 1000
	MaxSessionIDLen      = 256
	MaxBatchSize         = 100
	DefaultRetentionDays = 30
	DefaultClockSkew     = 5 * time.Minute
)

// Property keys that are hashed on write.
const (
	PropUserID     = "userId"
	PropCustomerID = "customerId"
	PropAccountID  = "accountId"
	PropURL        = "url"
)
