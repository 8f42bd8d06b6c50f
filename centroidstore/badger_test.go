package centroidstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch/config"
)

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadger(config.BadgerConfig{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStorePutGet(t *testing.T) {
	store := newTestBadgerStore(t)
	ctx := context.Background()

	want := testCentroid()
	require.NoError(t, store.Put(ctx, "acme", "direito_civil", want, time.Hour))

	got, found, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.Vector, got.Vector)
	assert.True(t, got.UpdatedAt.Equal(want.UpdatedAt))
	assert.Equal(t, want.SourceCount, got.SourceCount)
	assert.Equal(t, want.Dimension, got.Dimension)
}

func TestBadgerStoreGetMissing(t *testing.T) {
	store := newTestBadgerStore(t)

	_, found, err := store.Get(context.Background(), "acme", "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerStorePutReplaces(t *testing.T) {
	store := newTestBadgerStore(t)
	ctx := context.Background()

	first := testCentroid()
	require.NoError(t, store.Put(ctx, "acme", "direito_civil", first, time.Hour))

	second := first
	second.Vector = []float32{0, 1, 0}
	second.SourceCount = 7
	require.NoError(t, store.Put(ctx, "acme", "direito_civil", second, time.Hour))

	got, found, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.Vector, got.Vector)
	assert.Equal(t, 7, got.SourceCount)
}

func TestBadgerStoreDelete(t *testing.T) {
	store := newTestBadgerStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "acme", "direito_civil", testCentroid(), time.Hour))
	require.NoError(t, store.Delete(ctx, "acme", "direito_civil"))

	_, found, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerStoreScan(t *testing.T) {
	store := newTestBadgerStore(t)
	ctx := context.Background()

	for _, tag := range []string{"direito_civil", "direito_penal"} {
		require.NoError(t, store.Put(ctx, "acme", tag, testCentroid(), time.Hour))
	}
	require.NoError(t, store.Put(ctx, "beta", "direito_civil", testCentroid(), time.Hour))

	tags, err := store.Scan(ctx, "acme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"direito_civil", "direito_penal"}, tags)
}

func TestBadgerStorePingAfterClose(t *testing.T) {
	store, err := NewBadger(config.BadgerConfig{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))

	require.NoError(t, store.Close())
	assert.Error(t, store.Ping(context.Background()))
}
