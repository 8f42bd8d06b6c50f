package centroidstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	want := testCentroid()
	require.NoError(t, store.Put(ctx, "acme", "direito_civil", want, time.Hour))

	got, found, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.Vector, got.Vector)
	assert.Equal(t, want.SourceCount, got.SourceCount)

	// Mutating the returned vector must not reach the stored copy.
	got.Vector[0] = 99
	again, _, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	assert.Equal(t, want.Vector, again.Vector)

	require.NoError(t, store.Delete(ctx, "acme", "direito_civil"))
	_, found, err = store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(ctx, "acme", "direito_civil", testCentroid(), 5*time.Minute))

	_, found, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	require.True(t, found)

	now = now.Add(5*time.Minute + time.Second)
	_, found, err = store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	assert.False(t, found)

	tags, err := store.Scan(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestMemoryStoreScanIsolatesTenants(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "acme", "direito_civil", testCentroid(), time.Hour))
	require.NoError(t, store.Put(ctx, "acme", "direito_penal", testCentroid(), time.Hour))
	require.NoError(t, store.Put(ctx, "beta", "direito_civil", testCentroid(), time.Hour))

	tags, err := store.Scan(ctx, "acme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"direito_civil", "direito_penal"}, tags)
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	store := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Get(ctx, "acme", "direito_civil")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Put(ctx, "acme", "x", testCentroid(), time.Hour), context.Canceled)
}
