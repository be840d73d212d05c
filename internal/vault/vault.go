// Package vault holds the one-way hashing and reversible encryption applied to
// identifiers and request metadata before an event is persisted.
package vault

import (
	"fmt"
	"log/slog"
)

// Options configures New.
type Options struct {
	// Secret is the hex or base64 encoded master secret.
	Secret string
	// Salt overrides the identifier hash salt. Derived from Secret when empty.
	Salt            string
	HashIdentifiers bool
	// AllowEphemeral permits a random per-process secret when Secret is empty.
	AllowEphemeral bool
	Logger         *slog.Logger
}

// Vault bundles the Hasher and Cipher built from one secret.
type Vault struct {
	Hasher *Hasher
	Cipher *Cipher
}

// New derives key material from opts. A missing secret is an error unless
// AllowEphemeral is set.
func New(opts Options) (*Vault, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	secretText := opts.Secret
	if secretText == "" {
		if !opts.AllowEphemeral {
			return nil, ErrMissingKey
		}
		s, err := GenerateSecret()
		if err != nil {
			return nil, err
		}
		secretText = s
		logger.Warn("using ephemeral encryption key; stored ciphertexts will be unreadable after restart",
			"component", "vault")
	}

	secret, err := ParseSecret(secretText)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}

	salt := []byte(opts.Salt)
	if len(salt) == 0 {
		if salt, err = deriveSalt(secret); err != nil {
			return nil, err
		}
	}
	return &Vault{Hasher: NewHasher(salt, opts.HashIdentifiers), Cipher: c}, nil
}

// ProtectedMeta is request metadata ready for storage. Empty inputs stay empty.
type ProtectedMeta struct {
	IP         string
	UserAgent  string
	SessionID  string
	SessionKey string
}

// ProtectMeta encrypts ip, user agent and session id, and computes the
// session's erasure index.
func (v *Vault) ProtectMeta(ip, userAgent, sessionID string) (ProtectedMeta, error) {
	var pm ProtectedMeta
	for _, f := range []struct {
		plain string
		dst   *string
		name  string
	}{
		{ip, &pm.IP, "ip"},
		{userAgent, &pm.UserAgent, "userAgent"},
		{sessionID, &pm.SessionID, "sessionId"},
	} {
		if f.plain == "" {
			continue
		}
		tok, err := v.Cipher.EncryptString(f.plain)
		if err != nil {
			return ProtectedMeta{}, fmt.Errorf("protect %s: %w", f.name, err)
		}
		*f.dst = tok
	}
	if sessionID != "" {
		pm.SessionKey = v.Hasher.HashIdentifier(sessionID)
	}
	return pm, nil
}
