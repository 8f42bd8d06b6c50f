package centroidstore

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-ai/fedsearch"
)

type memoryEntry struct {
	c       fedsearch.Centroid
	expires time.Time
}

// MemoryStore keeps centroids in process memory with lazy TTL expiry. It is
// the reference implementation of the store semantics and the default for
// tests and development; data is gone when the process is.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]memoryEntry

	// now is swappable so tests can control expiry.
	now func() time.Time
}

var _ fedsearch.CentroidStore = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, tenant, tag string) (fedsearch.Centroid, bool, error) {
	if err := ctx.Err(); err != nil {
		return fedsearch.Centroid{}, false, err
	}
	s.mu.RLock()
	e, ok := s.tenants[tenant][tag]
	s.mu.RUnlock()
	if !ok {
		return fedsearch.Centroid{}, false, nil
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		s.mu.Lock()
		delete(s.tenants[tenant], tag)
		s.mu.Unlock()
		return fedsearch.Centroid{}, false, nil
	}
	out := e.c
	out.Vector = append([]float32(nil), e.c.Vector...)
	return out, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, tenant, tag string, c fedsearch.Centroid, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The store owns its copy; later caller mutation must not leak in.
	stored := c
	stored.Vector = append([]float32(nil), c.Vector...)

	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byTag := s.tenants[tenant]
	if byTag == nil {
		byTag = make(map[string]memoryEntry)
		s.tenants[tenant] = byTag
	}
	byTag[tag] = memoryEntry{c: stored, expires: expires}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenant, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tenants[tenant], tag)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, tenant string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tags []string
	for tag, e := range s.tenants[tenant] {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			continue
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }
