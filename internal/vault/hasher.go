package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/idmcalculus/Simplitics/internal/domain"
)

// hashedProperties are replaced by their hash before storage.
var hashedProperties = []string{domain.PropUserID, domain.PropCustomerID, domain.PropAccountID}

// Hasher produces salted one-way hashes of identifiers.
type Hasher struct {
	salt    []byte
	enabled bool
}

// NewHasher returns a Hasher. When enabled is false HashProperties leaves
// identifiers untouched; HashIdentifier always hashes.
func NewHasher(salt []byte, enabled bool) *Hasher {
	return &Hasher{salt: append([]byte(nil), salt...), enabled: enabled}
}

// Enabled reports whether identifier properties are hashed.
func (h *Hasher) Enabled() bool { return h.enabled }

// NormalizeIdentifier is the form every identifier is hashed in: surrounding
// whitespace trimmed, then NFC.
func NormalizeIdentifier(v string) string {
	return norm.NFC.String(strings.TrimSpace(v))
}

// HashIdentifier returns hex(SHA-256(salt || NormalizeIdentifier(v))).
func (h *Hasher) HashIdentifier(v string) string {
	sum := sha256.New()
	sum.Write(h.salt)
	sum.Write([]byte(NormalizeIdentifier(v)))
	return hex.EncodeToString(sum.Sum(nil))
}

// HashProperties returns a shallow copy of props with userId, customerId and
// accountId replaced by their hash. Non-string values are hashed in their
// canonical string form.
func (h *Hasher) HashProperties(props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	if !h.enabled {
		return out, nil
	}
	for _, k := range hashedProperties {
		v, ok := out[k]
		if !ok || v == nil {
			continue
		}
		s, err := domain.CanonicalString(v)
		if err != nil {
			return nil, fmt.Errorf("vault: hash %s: %w", k, err)
		}
		out[k] = h.HashIdentifier(s)
	}
	return out, nil
}

// UserKey returns the erasure index for the userId property, or "" when absent.
func (h *Hasher) UserKey(props map[string]any) string {
	v, ok := props[domain.PropUserID]
	if !ok || v == nil {
		return ""
	}
	s, err := domain.CanonicalString(v)
	if err != nil {
		return ""
	}
	return h.HashIdentifier(s)
}
