// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet defines the character set used for the random portion of an ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	EventPrefix  = "evt_"
	APIKeyPrefix = "sk_"

	eventLength  = 16
	apiKeyLength = 32
)

// EventID returns a new identifier for a stored event.
func EventID() (string, error) {
	return withPrefix(EventPrefix, eventLength)
}

// APIKey returns a new secret API key for a site.
func APIKey() (string, error) {
	return withPrefix(APIKeyPrefix, apiKeyLength)
}

func withPrefix(prefix string, n int) (string, error) {
	id, err := nanoid.Generate(Alphabet, n)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
