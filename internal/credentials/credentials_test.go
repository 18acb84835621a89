package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expenseclient/internal/store"
)

func TestKVStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := NewKVStore(kv)

	access, err := s.AccessToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, access)

	require.NoError(t, s.SetTokens(ctx, "a1", "r1"))
	access, _ = s.AccessToken(ctx)
	refresh, _ := s.RefreshToken(ctx)
	assert.Equal(t, "a1", access)
	assert.Equal(t, "r1", refresh)

	// Keys are the fixed names the browser client used
	raw, err := kv.Get(ctx, "access_token")
	require.NoError(t, err)
	assert.Equal(t, "a1", raw)

	require.NoError(t, s.SetAccessToken(ctx, "a2"))
	access, _ = s.AccessToken(ctx)
	refresh, _ = s.RefreshToken(ctx)
	assert.Equal(t, "a2", access)
	assert.Equal(t, "r1", refresh, "refresh token must survive an access token swap")

	require.NoError(t, s.Clear(ctx))
	access, _ = s.AccessToken(ctx)
	refresh, _ = s.RefreshToken(ctx)
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}

func TestKVStoreSurfacesBackendErrors(t *testing.T) {
	kv := store.NewMemoryStore()
	require.NoError(t, kv.Close())

	_, err := NewKVStore(kv).AccessToken(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
}
