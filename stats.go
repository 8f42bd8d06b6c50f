package fedsearch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SearchStats aggregates one tenant's search counters since process start.
type SearchStats struct {
	Total         uint64  `json:"total"`
	Personalized  uint64  `json:"personalized"`
	Degraded      uint64  `json:"degraded"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// CentroidInfo describes one stored centroid. ExpiresAt is derived from the
// update time and the configured store TTL.
type CentroidInfo struct {
	Tag         string    `json:"tag"`
	UpdatedAt   time.Time `json:"updated_at"`
	SourceCount int       `json:"source_count"`
	Dimension   int       `json:"dimension"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StatsReport is the per-tenant diagnostics snapshot returned by
// Engine.Stats.
type StatsReport struct {
	Tenant    string         `json:"tenant"`
	Centroids []CentroidInfo `json:"centroids"`
	Cache     CacheStats     `json:"cache"`
	Searches  SearchStats    `json:"searches"`
}

type tenantCounters struct {
	total        uint64
	personalized uint64
	degraded     uint64
	durationSum  time.Duration
}

// statsCollector tracks search counters per tenant. Search volume per
// process stays well under contention territory, so one mutex is enough.
type statsCollector struct {
	mu      sync.Mutex
	tenants map[string]*tenantCounters
}

func newStatsCollector() *statsCollector {
	return &statsCollector{tenants: make(map[string]*tenantCounters)}
}

func (sc *statsCollector) record(tenant string, personalized, degraded bool, d time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	tc := sc.tenants[tenant]
	if tc == nil {
		tc = &tenantCounters{}
		sc.tenants[tenant] = tc
	}
	tc.total++
	if personalized {
		tc.personalized++
	}
	if degraded {
		tc.degraded++
	}
	tc.durationSum += d
}

func (sc *statsCollector) snapshot(tenant string) SearchStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	tc := sc.tenants[tenant]
	if tc == nil {
		return SearchStats{}
	}
	s := SearchStats{
		Total:        tc.total,
		Personalized: tc.personalized,
		Degraded:     tc.degraded,
	}
	if tc.total > 0 {
		s.AvgDurationMS = float64(tc.durationSum.Milliseconds()) / float64(tc.total)
	}
	return s
}

// Stats reports the tenant's stored centroids, cache counters, and search
// counters. Store access failures surface as ErrUnavailable.
func (e *Engine) Stats(ctx context.Context, tenant string) (*StatsReport, error) {
	if tenant == "" {
		return nil, invalidf("tenant is required")
	}
	tags, err := e.store.Scan(ctx, tenant)
	if err != nil {
		return nil, unavailablef("scan centroids for %s: %v", tenant, err)
	}
	sort.Strings(tags)

	report := &StatsReport{
		Tenant:    tenant,
		Centroids: make([]CentroidInfo, 0, len(tags)),
		Cache:     e.cache.stats(),
		Searches:  e.searchStats.snapshot(tenant),
	}
	for _, tag := range tags {
		c, found, err := e.store.Get(ctx, tenant, tag)
		if err != nil {
			return nil, unavailablef("load centroid %s:%s: %v", tenant, tag, err)
		}
		if !found {
			// expired between Scan and Get
			continue
		}
		report.Centroids = append(report.Centroids, CentroidInfo{
			Tag:         tag,
			UpdatedAt:   c.UpdatedAt,
			SourceCount: c.SourceCount,
			Dimension:   c.Dimension,
			ExpiresAt:   c.UpdatedAt.Add(e.cfg.Centroids.StoreTTL),
		})
	}
	return report, nil
}

// String renders a compact single-line summary, used by the CLI.
func (s SearchStats) String() string {
	return fmt.Sprintf("total=%d personalized=%d degraded=%d avg=%.1fms",
		s.Total, s.Personalized, s.Degraded, s.AvgDurationMS)
}
