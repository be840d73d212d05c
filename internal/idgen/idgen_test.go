package idgen

import (
	"strings"
	"testing"
)

func TestEventID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := EventID()
		if err != nil {
			t.Fatalf("EventID: %v", err)
		}
		if !strings.HasPrefix(id, EventPrefix) {
			t.Fatalf("id %q missing prefix %q", id, EventPrefix)
		}
		if len(id) != len(EventPrefix)+eventLength {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestAPIKey(t *testing.T) {
	key, err := APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		t.Fatalf("key %q missing prefix", key)
	}
	for _, c := range strings.TrimPrefix(key, APIKeyPrefix) {
		if !strings.ContainsRune(Alphabet, c) {
			t.Fatalf("unexpected character %q in %q", c, key)
		}
	}
}
