package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of a derived cipher key.
const KeySize = chacha20poly1305.KeySize

// MinSecretLen is the minimum decoded length of a configured secret.
const MinSecretLen = 16

const (
	cipherInfo = "simplitics/v1 event cipher"
	saltInfo   = "simplitics/v1 identifier salt"
)

// ErrMissingKey is returned when no secret is configured and ephemeral keys
// are not allowed.
var ErrMissingKey = errors.New("vault: encryption key not configured")

// ParseSecret decodes a hex or base64 (standard or URL, padded or raw) secret.
func ParseSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrMissingKey
	}

	var decoded []byte
	if b, err := hex.DecodeString(s); err == nil {
		decoded = b
	} else {
		for _, enc := range []*base64.Encoding{
			base64.StdEncoding, base64.RawStdEncoding,
			base64.URLEncoding, base64.RawURLEncoding,
		} {
			if b, err := enc.DecodeString(s); err == nil {
				decoded = b
				break
			}
		}
	}
	if decoded == nil {
		return nil, errors.New("vault: secret is neither hex nor base64")
	}
	if len(decoded) < MinSecretLen {
		return nil, fmt.Errorf("vault: secret must be at least %d bytes, got %d", MinSecretLen, len(decoded))
	}
	return decoded, nil
}

// DeriveKey expands secret into a cipher key with HKDF-SHA256.
func DeriveKey(secret []byte) ([]byte, error) {
	return expand(secret, cipherInfo, KeySize)
}

func deriveSalt(secret []byte) ([]byte, error) {
	return expand(secret, saltInfo, 32)
}

func expand(secret []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("vault: derive %q: %w", info, err)
	}
	return out, nil
}

// GenerateSecret returns a new random 32-byte secret, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("vault: generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
