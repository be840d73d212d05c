package vault

import (
	"encoding/base64"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(Options{Secret: testSecret, HashIdentifiers: true})
	require.NoError(t, err)
	return v
}

func TestHashIdentifier_DeterministicHex(t *testing.T) {
	h := NewHasher([]byte("salt"), true)
	a := h.HashIdentifier("user-42")
	assert.Regexp(t, hexDigest, a)
	assert.Equal(t, a, h.HashIdentifier("user-42"))
	assert.NotEqual(t, a, h.HashIdentifier("user-43"))
	assert.NotEqual(t, a, NewHasher([]byte("other"), true).HashIdentifier("user-42"))
}

func TestHashIdentifier_NormalizesNFC(t *testing.T) {
	h := NewHasher(nil, true)
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	assert.Equal(t, h.HashIdentifier(composed), h.HashIdentifier(decomposed))
}

func TestHashIdentifier_TrimsWhitespace(t *testing.T) {
	h := NewHasher([]byte("salt"), true)
	assert.Equal(t, h.HashIdentifier("padded"), h.HashIdentifier(" padded "))
	assert.Equal(t, h.HashIdentifier("padded"), h.HashIdentifier("\tpadded\n"))
	assert.Equal(t, "", NormalizeIdentifier("   "))
}

func TestHashProperties(t *testing.T) {
	h := NewHasher([]byte("s"), true)
	in := map[string]any{"userId": "u1", "customerId": 7, "plan": "pro"}
	out, err := h.HashProperties(in)
	require.NoError(t, err)

	assert.Equal(t, h.HashIdentifier("u1"), out["userId"])
	assert.Equal(t, h.HashIdentifier("7"), out["customerId"])
	assert.Equal(t, "pro", out["plan"])
	assert.NotContains(t, out, "accountId")
	assert.Equal(t, "u1", in["userId"], "input must not change")
}

func TestHashProperties_Disabled(t *testing.T) {
	h := NewHasher([]byte("s"), false)
	out, err := h.HashProperties(map[string]any{"userId": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", out["userId"])
	assert.Equal(t, h.HashIdentifier("u1"), h.UserKey(out))
}

func TestCipher_RoundTrip(t *testing.T) {
	v := newTestVault(t)
	for _, plain := range []string{"", "203.0.113.9", "Mozilla/5.0", strings.Repeat("x", 4096)} {
		tok, err := v.Cipher.EncryptString(plain)
		require.NoError(t, err)
		assert.NotContains(t, tok, "=")

		got, err := v.Cipher.DecryptString(tok)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestCipher_RandomNonce(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Cipher.EncryptString("same")
	require.NoError(t, err)
	b, err := v.Cipher.EncryptString("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipher_FailsClosed(t *testing.T) {
	v := newTestVault(t)
	tok, err := v.Cipher.EncryptString("secret")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)

	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0x01
	badVersion := append([]byte(nil), raw...)
	badVersion[0] = 9

	other, err := New(Options{Secret: strings.Repeat("ab", 32)})
	require.NoError(t, err)

	for name, check := range map[string]func() error{
		"tampered": func() error {
			_, err := v.Cipher.Decrypt(base64.RawURLEncoding.EncodeToString(tampered))
			return err
		},
		"version": func() error {
			_, err := v.Cipher.Decrypt(base64.RawURLEncoding.EncodeToString(badVersion))
			return err
		},
		"malformed": func() error {
			_, err := v.Cipher.Decrypt("***")
			return err
		},
		"short": func() error {
			_, err := v.Cipher.Decrypt(base64.RawURLEncoding.EncodeToString(raw[:10]))
			return err
		},
		"wrong key": func() error {
			_, err := other.Cipher.Decrypt(tok)
			return err
		},
	} {
		err := check()
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrDecrypt), name)
		var ce *CryptoError
		assert.True(t, errors.As(err, &ce), name)
	}
}

func TestParseSecret(t *testing.T) {
	b, err := ParseSecret(testSecret)
	require.NoError(t, err)
	assert.Len(t, b, 32)

	b, err = ParseSecret(base64.StdEncoding.EncodeToString([]byte("0123456789abcdefXYZ")))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefXYZ", string(b))

	_, err = ParseSecret("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = ParseSecret("abcd")
	assert.Error(t, err, "too short")

	_, err = ParseSecret("not base64 or hex!!")
	assert.Error(t, err)
}

func TestNew_MissingKey(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrMissingKey)

	v, err := New(Options{AllowEphemeral: true})
	require.NoError(t, err)
	tok, err := v.Cipher.EncryptString("x")
	require.NoError(t, err)
	got, err := v.Cipher.DecryptString(tok)
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestNew_SaltDerivedFromSecret(t *testing.T) {
	a := newTestVault(t)
	b := newTestVault(t)
	assert.Equal(t, a.Hasher.HashIdentifier("u"), b.Hasher.HashIdentifier("u"))

	c, err := New(Options{Secret: testSecret, Salt: "explicit"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Hasher.HashIdentifier("u"), c.Hasher.HashIdentifier("u"))
}

func TestProtectMeta(t *testing.T) {
	v := newTestVault(t)
	pm, err := v.ProtectMeta("203.0.113.9", "", "sess-1")
	require.NoError(t, err)

	assert.Empty(t, pm.UserAgent)
	assert.NotContains(t, pm.IP, "203.0.113.9")
	assert.Equal(t, v.Hasher.HashIdentifier("sess-1"), pm.SessionKey)

	ip, err := v.Cipher.DecryptString(pm.IP)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ip)
	sid, err := v.Cipher.DecryptString(pm.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)
}
