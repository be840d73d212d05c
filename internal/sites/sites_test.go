package sites

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idmcalculus/Simplitics/internal/domain"
	"github.com/idmcalculus/Simplitics/internal/idgen"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/storage/memory"
	"github.com/idmcalculus/Simplitics/internal/vault"
)

func newService(t *testing.T) (*Service, *memory.Repository, *vault.Vault) {
	t.Helper()
	v, err := vault.New(vault.Options{Secret: "000102030405060708090a0b0c0d0e0f", HashIdentifiers: true})
	require.NoError(t, err)
	repo := memory.New()
	return NewService(repo, v, nil, 14, nil), repo, v
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc, repo, v := newService(t)

	site, key, err := svc.Register(ctx, Registration{SiteID: "shop", Name: "Shop"})
	require.NoError(t, err)
	assert.Contains(t, key, idgen.APIKeyPrefix)
	assert.Equal(t, 14, site.RetentionDays)

	stored, err := repo.GetSite(ctx, "shop")
	require.NoError(t, err)
	assert.NotEqual(t, key, stored.APIKey)
	plain, err := v.Cipher.DecryptString(stored.APIKey)
	require.NoError(t, err)
	assert.Equal(t, key, plain)
	assert.Equal(t, v.Hasher.HashIdentifier(key), stored.APIKeyHash)
}

func TestRegister_DuplicateKeepsFirst(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, key, err := svc.Register(ctx, Registration{SiteID: "shop", Name: "First"})
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, Registration{SiteID: "shop", Name: "Second"})
	assert.ErrorIs(t, err, storage.ErrDuplicateSite)

	site, err := svc.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "First", site.Name)
}

func TestRegister_Invalid(t *testing.T) {
	svc, _, _ := newService(t)
	_, _, err := svc.Register(context.Background(), Registration{SiteID: "bad id"})
	assert.True(t, domain.IsValidationError(err))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	_, key, err := svc.Register(ctx, Registration{SiteID: "shop", Name: "Shop"})
	require.NoError(t, err)

	site, err := svc.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "shop", site.SiteID)

	_, err = svc.Authenticate(ctx, "sk_wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRotateKey(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	_, oldKey, err := svc.Register(ctx, Registration{SiteID: "shop", Name: "Shop"})
	require.NoError(t, err)

	newKey, err := svc.RotateKey(ctx, "shop")
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = svc.Authenticate(ctx, oldKey)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Authenticate(ctx, newKey)
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	_, _, err := svc.Register(ctx, Registration{SiteID: "shop", Name: "Shop", Settings: map[string]any{"theme": "dark"}})
	require.NoError(t, err)

	days := 90
	site, err := svc.Update(ctx, "shop", Update{RetentionDays: &days, Settings: map[string]any{"trackIP": false}})
	require.NoError(t, err)
	assert.Equal(t, 90, site.RetentionDays)
	assert.False(t, site.TrackIP())
	assert.Equal(t, "dark", site.Settings["theme"])

	bad := -1
	_, err = svc.Update(ctx, "shop", Update{RetentionDays: &bad})
	assert.True(t, domain.IsValidationError(err))

	_, err = svc.Update(ctx, "missing", Update{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
