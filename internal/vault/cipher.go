package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const tokenVersion byte = 1

var tokenEncoding = base64.RawURLEncoding

// ErrDecrypt is wrapped by every decryption failure.
var ErrDecrypt = errors.New("decryption failed")

// CryptoError describes a failed cipher operation. Callers treat it as fatal
// for the record involved.
type CryptoError struct {
	Op     string
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vault %s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Cipher encrypts field values with XChaCha20-Poly1305.
// A token is base64url(version || nonce || ciphertext+tag).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a KeySize-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &CryptoError{Op: "init", Err: err}
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plain under a fresh random nonce.
func (c *Cipher) Encrypt(plain []byte) (string, error) {
	ns := c.aead.NonceSize()
	buf := make([]byte, 1+ns, 1+ns+len(plain)+c.aead.Overhead())
	buf[0] = tokenVersion
	if _, err := rand.Read(buf[1:]); err != nil {
		return "", &CryptoError{Op: "encrypt", Reason: "nonce", Err: err}
	}
	buf = c.aead.Seal(buf, buf[1:1+ns], plain, buf[:1])
	return tokenEncoding.EncodeToString(buf), nil
}

// EncryptString is Encrypt for string values.
func (c *Cipher) EncryptString(s string) (string, error) {
	return c.Encrypt([]byte(s))
}

// Decrypt opens a token produced by Encrypt. It fails closed: any malformed,
// unknown-version or tampered token yields a *CryptoError wrapping ErrDecrypt.
func (c *Cipher) Decrypt(token string) ([]byte, error) {
	raw, err := tokenEncoding.DecodeString(token)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Reason: "malformed token", Err: ErrDecrypt}
	}
	ns := c.aead.NonceSize()
	if len(raw) < 1+ns+c.aead.Overhead() {
		return nil, &CryptoError{Op: "decrypt", Reason: "short token", Err: ErrDecrypt}
	}
	if raw[0] != tokenVersion {
		return nil, &CryptoError{Op: "decrypt", Reason: fmt.Sprintf("unknown version %d", raw[0]), Err: ErrDecrypt}
	}
	plain, err := c.aead.Open(nil, raw[1:1+ns], raw[1+ns:], raw[:1])
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Reason: "authentication", Err: ErrDecrypt}
	}
	return plain, nil
}

// DecryptString is Decrypt for string values.
func (c *Cipher) DecryptString(token string) (string, error) {
	b, err := c.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
