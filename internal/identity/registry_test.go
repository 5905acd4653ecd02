package identity_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moltregistry/internal/apperr"
	"moltregistry/internal/crypto"
	"moltregistry/internal/events"
	"moltregistry/internal/identity"
	"moltregistry/internal/model"
	"moltregistry/internal/store/memory"
)

const nullifierA = "0x1111111111111111111111111111111111111111111111111111111111111111"

func newKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return crypto.EncodePublicKey(pub)
}

func bind(t *testing.T, reg *identity.Registry, device, key, nullifier string) identity.BindResult {
	t.Helper()
	res, err := reg.BindOrRotate(context.Background(), identity.BindRequest{
		DeviceID:      device,
		PublicKey:     key,
		NullifierHash: nullifier,
		Level:         model.LevelOrb,
	})
	require.NoError(t, err)
	return res
}

func TestBindInsertsAndRebindsInPlace(t *testing.T) {
	store := memory.New()
	reg := identity.NewRegistry(store, nil, nil)
	key := newKey(t)

	first := bind(t, reg, "device-1", key, nullifierA)
	assert.Equal(t, "inserted", first.Mode)
	assert.True(t, first.Identity.Active)
	assert.True(t, first.Identity.Verified)
	assert.NotNil(t, first.Identity.LastVerifiedAt)

	again := bind(t, reg, "device-1", key, nullifierA)
	assert.Equal(t, "rotated", again.Mode)
	assert.Equal(t, first.Identity.ID, again.Identity.ID)
	assert.Empty(t, again.Superseded)

	swarm, err := store.ListIdentitiesByNullifier(context.Background(), nullifierA)
	require.NoError(t, err)
	assert.Len(t, swarm, 1)
}

func TestBindDeactivatesSiblings(t *testing.T) {
	store := memory.New()
	rec := &events.Recorder{}
	reg := identity.NewRegistry(store, rec, nil)
	k1, k2 := newKey(t), newKey(t)

	first := bind(t, reg, "device-1", k1, nullifierA)
	second := bind(t, reg, "device-2", k2, nullifierA)

	require.Len(t, second.Superseded, 1)
	assert.Equal(t, first.Identity.ID, second.Superseded[0].ID)

	old, err := store.GetIdentityByPublicKey(context.Background(), k1)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.NotNil(t, old.DeactivatedAt)

	swarm, err := store.ListIdentitiesByNullifier(context.Background(), nullifierA)
	require.NoError(t, err)
	active := 0
	for _, ident := range swarm {
		if ident.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)

	assert.Len(t, rec.OfType(events.TypeIdentityBound), 2)
	superseded := rec.OfType(events.TypeIdentitySuperseded)
	require.Len(t, superseded, 1)
	assert.Equal(t, first.Identity.ID, superseded[0].IdentityID)
}

func TestBindReusesVacatedDeviceSlot(t *testing.T) {
	store := memory.New()
	reg := identity.NewRegistry(store, nil, nil)

	first := bind(t, reg, "device-1", newKey(t), nullifierA)
	bind(t, reg, "device-2", newKey(t), nullifierA)

	reused := bind(t, reg, "device-1", newKey(t), nullifierA)
	assert.Equal(t, "device_reused", reused.Mode)
	assert.Equal(t, first.Identity.ID, reused.Identity.ID)
	assert.True(t, reused.Identity.Active)
}

func TestBindRejectsActiveDeviceWithOtherKey(t *testing.T) {
	store := memory.New()
	reg := identity.NewRegistry(store, nil, nil)
	bind(t, reg, "device-1", newKey(t), nullifierA)

	_, err := reg.BindOrRotate(context.Background(), identity.BindRequest{
		DeviceID:      "device-1",
		PublicKey:     newKey(t),
		NullifierHash: nullifierA,
		Level:         model.LevelOrb,
	})
	assert.True(t, errors.Is(err, identity.ErrDeviceBound))
	assert.Equal(t, apperr.CategoryConflict, apperr.CategoryOf(err))
}

func TestBindValidation(t *testing.T) {
	reg := identity.NewRegistry(memory.New(), nil, nil)
	_, err := reg.BindOrRotate(context.Background(), identity.BindRequest{
		DeviceID:      "device-1",
		PublicKey:     "not-a-key",
		NullifierHash: nullifierA,
		Level:         model.LevelOrb,
	})
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	_, err = reg.BindOrRotate(context.Background(), identity.BindRequest{
		DeviceID:      "device-1",
		PublicKey:     newKey(t),
		NullifierHash: nullifierA,
		Level:         "retina",
	})
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))
}

type brokenRepo struct {
	*memory.Store
}

func (brokenRepo) GetIdentityByPublicKey(context.Context, string) (model.Identity, error) {
	return model.Identity{}, errors.New("connection reset")
}

func TestBindStoreFailureIsRetryable(t *testing.T) {
	reg := identity.NewRegistry(brokenRepo{memory.New()}, nil, nil)
	_, err := reg.BindOrRotate(context.Background(), identity.BindRequest{
		DeviceID:      "device-1",
		PublicKey:     newKey(t),
		NullifierHash: nullifierA,
		Level:         model.LevelDevice,
	})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}
