package fedsearch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, store CentroidStore, ttl time.Duration, maxEntries int) *centroidCache {
	t.Helper()
	cc, err := newCentroidCache(store, ttl, maxEntries)
	require.NoError(t, err)
	return cc
}

func TestCacheFillsOnMissThenServesFromMemory(t *testing.T) {
	store := newFakeStore()
	store.put("acme", "contratos", Centroid{Vector: []float32{1, 0}, Dimension: 2})
	cc := newTestCache(t, store, time.Minute, 16)

	ctx := context.Background()
	c, found, err := cc.get(ctx, "acme", "contratos")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, c.Dimension)

	_, found, err = cc.get(ctx, "acme", "contratos")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, 1, store.getCount())
	st := cc.stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Fills)
	assert.Equal(t, 1, st.Size)
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	store := newFakeStore()
	store.put("acme", "contratos", Centroid{Vector: []float32{1, 0}, Dimension: 2})
	cc := newTestCache(t, store, time.Minute, 16)

	current := time.Unix(1700000000, 0)
	cc.now = func() time.Time { return current }

	ctx := context.Background()
	_, _, err := cc.get(ctx, "acme", "contratos")
	require.NoError(t, err)
	require.Equal(t, 1, store.getCount())

	// Still fresh one second before the deadline.
	current = current.Add(time.Minute - time.Second)
	_, _, err = cc.get(ctx, "acme", "contratos")
	require.NoError(t, err)
	assert.Equal(t, 1, store.getCount())

	current = current.Add(time.Second)
	_, found, err := cc.get(ctx, "acme", "contratos")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, store.getCount())
	assert.Equal(t, uint64(2), cc.stats().Fills)
}

func TestCacheNegativeLookupsAreNotCached(t *testing.T) {
	store := newFakeStore()
	cc := newTestCache(t, store, time.Minute, 16)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, found, err := cc.get(ctx, "acme", "ausente")
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, 2, store.getCount())
	st := cc.stats()
	assert.Equal(t, uint64(0), st.Fills)
	assert.Equal(t, 0, st.Size)
}

func TestCacheStoreErrorPassesThrough(t *testing.T) {
	store := newFakeStore()
	store.getErr = errForced
	cc := newTestCache(t, store, time.Minute, 16)

	_, _, err := cc.get(context.Background(), "acme", "contratos")
	require.ErrorIs(t, err, errForced)
	assert.Equal(t, 0, cc.stats().Size)
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	store := newFakeStore()
	store.put("acme", "contratos", Centroid{Vector: []float32{1, 0}, Dimension: 2})
	cc := newTestCache(t, store, time.Minute, 16)

	ctx := context.Background()
	_, _, err := cc.get(ctx, "acme", "contratos")
	require.NoError(t, err)
	cc.invalidate("acme", "contratos")

	_, found, err := cc.get(ctx, "acme", "contratos")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, store.getCount())
}

func TestCacheClearPurgesEverything(t *testing.T) {
	store := newFakeStore()
	store.put("a", "x", Centroid{Vector: []float32{1}, Dimension: 1})
	store.put("b", "y", Centroid{Vector: []float32{1}, Dimension: 1})
	cc := newTestCache(t, store, time.Minute, 16)

	ctx := context.Background()
	for _, k := range [][2]string{{"a", "x"}, {"b", "y"}} {
		_, _, err := cc.get(ctx, k[0], k[1])
		require.NoError(t, err)
	}
	require.Equal(t, 2, cc.stats().Size)

	cc.clear()
	assert.Equal(t, 0, cc.stats().Size)
}

func TestCacheEvictsBeyondCapacity(t *testing.T) {
	store := newFakeStore()
	for _, tag := range []string{"a", "b", "c"} {
		store.put("acme", tag, Centroid{Vector: []float32{1}, Dimension: 1})
	}
	cc := newTestCache(t, store, time.Minute, 2)

	ctx := context.Background()
	for _, tag := range []string{"a", "b", "c"} {
		_, _, err := cc.get(ctx, "acme", tag)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cc.stats().Size)

	// The oldest key was evicted and needs a store round trip again.
	before := store.getCount()
	_, found, err := cc.get(ctx, "acme", "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, before+1, store.getCount())
}

type gatedStore struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	c     Centroid
}

func (s *gatedStore) Get(context.Context, string, string) (Centroid, bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.gate
	return s.c, true, nil
}

func (s *gatedStore) Put(context.Context, string, string, Centroid, time.Duration) error {
	return nil
}
func (s *gatedStore) Delete(context.Context, string, string) error { return nil }
func (s *gatedStore) Scan(context.Context, string) ([]string, error) {
	return nil, nil
}
func (s *gatedStore) Ping(context.Context) error { return nil }
func (s *gatedStore) Close() error               { return nil }

func TestCacheCollapsesConcurrentMisses(t *testing.T) {
	store := &gatedStore{
		gate: make(chan struct{}),
		c:    Centroid{Vector: []float32{1, 0}, Dimension: 2},
	}
	cc := newTestCache(t, store, time.Minute, 16)

	const callers = 8
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			started.Done()
			c, found, err := cc.get(context.Background(), "acme", "contratos")
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, 2, c.Dimension)
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	done.Wait()

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	assert.Equal(t, 1, calls)
}
