package fedsearch

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tessera-ai/fedsearch/metrics"
)

type cacheEntry struct {
	c         Centroid
	fetchedAt time.Time
}

// centroidCache is the process-local layer over the centroid store. Entries
// live at most ttl regardless of store TTL; a miss triggers exactly one
// store read per key (singleflight), and negative lookups are not cached, so
// a missing centroid re-probes the store on the next miss.
type centroidCache struct {
	store CentroidStore
	ttl   time.Duration
	lru   *lru.Cache[string, cacheEntry]
	group singleflight.Group
	now   func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
	fills  atomic.Uint64
}

// CacheStats is a snapshot of the centroid cache counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Fills  uint64 `json:"fills"`
	Size   int    `json:"size"`
}

func newCentroidCache(store CentroidStore, ttl time.Duration, maxEntries int) (*centroidCache, error) {
	l, err := lru.New[string, cacheEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &centroidCache{store: store, ttl: ttl, lru: l, now: time.Now}, nil
}

type fillResult struct {
	c     Centroid
	found bool
}

func (cc *centroidCache) get(ctx context.Context, tenant, tag string) (Centroid, bool, error) {
	key := tenant + ":" + tag
	if e, ok := cc.lru.Get(key); ok && cc.now().Sub(e.fetchedAt) < cc.ttl {
		cc.hits.Add(1)
		metrics.RecordCentroidCache(true)
		return e.c, true, nil
	}
	cc.misses.Add(1)
	metrics.RecordCentroidCache(false)

	v, err, _ := cc.group.Do(key, func() (interface{}, error) {
		// another flight may have landed while this caller queued
		if e, ok := cc.lru.Get(key); ok && cc.now().Sub(e.fetchedAt) < cc.ttl {
			return fillResult{e.c, true}, nil
		}
		c, found, err := cc.store.Get(ctx, tenant, tag)
		if err != nil {
			return fillResult{}, err
		}
		if found {
			cc.fills.Add(1)
			cc.lru.Add(key, cacheEntry{c: c, fetchedAt: cc.now()})
		}
		return fillResult{c, found}, nil
	})
	if err != nil {
		return Centroid{}, false, err
	}
	r := v.(fillResult)
	return r.c, r.found, nil
}

func (cc *centroidCache) invalidate(tenant, tag string) {
	key := tenant + ":" + tag
	cc.lru.Remove(key)
	cc.group.Forget(key)
}

func (cc *centroidCache) clear() {
	cc.lru.Purge()
}

func (cc *centroidCache) stats() CacheStats {
	return CacheStats{
		Hits:   cc.hits.Load(),
		Misses: cc.misses.Load(),
		Fills:  cc.fills.Load(),
		Size:   cc.lru.Len(),
	}
}
