// Package fedsearch implements a federated retrieval engine: one query fans
// out to an internal vector index, an internal lexical index, and an
// ephemeral scorer for caller-supplied documents, and the ranked lists are
// fused with reciprocal rank fusion into a single response.
//
// Before fan-out the query embedding can be personalized per tenant and tag
// by blending it with a stored centroid of the tenant's corpus. Centroids
// live in a CentroidStore behind a TTL cache and are recomputed offline by
// the builder package.
//
// Every non-fatal degradation (a source failing, a clamped parameter, a
// skipped personalization) is reported in the result trace instead of
// failing the search.
package fedsearch

import (
	"context"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tessera-ai/fedsearch/config"
)

// Deps holds the engine's collaborators. All four are required.
type Deps struct {
	Embedder Embedder
	Vector   VectorIndex
	Lexical  LexicalIndex
	Store    CentroidStore
}

// Engine is the federated search engine. It is safe for concurrent use;
// create one per process and share it.
type Engine struct {
	cfg      *config.Config
	embedder Embedder
	vector   VectorIndex
	lexical  LexicalIndex
	store    CentroidStore

	cache      *centroidCache
	pers       *personalizer
	scorer     *ephemeralScorer
	inferencer atomic.Pointer[tagInferencer]
	sem        *semaphore.Weighted

	searchStats *statsCollector
	logger      *zap.Logger
}

// New builds an engine from configuration and collaborators. A nil cfg
// selects DefaultConfig; a nil logger selects zap.NewNop.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, invalidf("config: %v", err)
	}
	if deps.Embedder == nil {
		return nil, invalidf("embedder is required")
	}
	if deps.Vector == nil {
		return nil, invalidf("vector index is required")
	}
	if deps.Lexical == nil {
		return nil, invalidf("lexical index is required")
	}
	if deps.Store == nil {
		return nil, invalidf("centroid store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := newCentroidCache(deps.Store, cfg.Centroids.CacheTTL, cfg.Centroids.CacheMaxEntries)
	if err != nil {
		return nil, internalf("centroid cache: %v", err)
	}

	weight := cfg.Engine.MaxConcurrentSourceCalls
	if weight <= 0 {
		weight = 2 * runtime.GOMAXPROCS(0)
	}
	sem := semaphore.NewWeighted(int64(weight))

	e := &Engine{
		cfg:      cfg,
		embedder: deps.Embedder,
		vector:   deps.Vector,
		lexical:  deps.Lexical,
		store:    deps.Store,
		cache:    cache,
		pers:     &personalizer{cache: cache, logger: logger},
		scorer: &ephemeralScorer{
			embedder: deps.Embedder,
			sem:      sem,
			logger:   logger,
		},
		sem:         sem,
		searchStats: newStatsCollector(),
		logger:      logger,
	}
	e.inferencer.Store(newTagInferencer(cfg.Tags.Tables, cfg.Tags.Fallback))

	logger.Info("Engine initialized",
		zap.Int("embedding_dimension", cfg.Engine.EmbeddingDimension),
		zap.Int("max_concurrent_source_calls", weight),
		zap.Int("tag_tables", len(cfg.Tags.Tables)),
	)
	return e, nil
}

// Close releases the centroid store connection. The engine must not be used
// after Close.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Ping verifies the centroid store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return unavailablef("centroid store ping: %v", err)
	}
	return nil
}

// InvalidateCentroid drops one cached centroid so the next read goes to the
// store. The store itself is untouched.
func (e *Engine) InvalidateCentroid(ctx context.Context, tenant, tag string) error {
	if tenant == "" || tag == "" {
		return invalidf("tenant and tag are required")
	}
	e.cache.invalidate(tenant, tag)
	e.logger.Debug("centroid cache invalidated",
		zap.String("tenant", tenant), zap.String("tag", tag))
	return nil
}

// ClearCache drops every cached centroid across all tenants.
func (e *Engine) ClearCache() {
	e.cache.clear()
	e.logger.Info("centroid cache cleared")
}

// WarmupTenant pre-fills the cache with every stored centroid of the tenant
// and reports how many were loaded.
func (e *Engine) WarmupTenant(ctx context.Context, tenant string) (int, error) {
	if tenant == "" {
		return 0, invalidf("tenant is required")
	}
	tags, err := e.store.Scan(ctx, tenant)
	if err != nil {
		return 0, unavailablef("scan centroids for %s: %v", tenant, err)
	}

	loaded := 0
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return loaded, classifyCtx(err)
		}
		_, found, err := e.cache.get(ctx, tenant, tag)
		if err != nil {
			e.logger.Warn("warmup load failed",
				zap.String("tenant", tenant), zap.String("tag", tag), zap.Error(err))
			continue
		}
		if found {
			loaded++
		}
	}
	e.logger.Info("tenant cache warmed",
		zap.String("tenant", tenant), zap.Int("loaded", loaded), zap.Int("stored", len(tags)))
	return loaded, nil
}

// ReloadTags swaps the tag inference tables at runtime. In-flight searches
// keep the tables they started with.
func (e *Engine) ReloadTags(tables []config.TagTable, fallback string) {
	if fallback == "" {
		fallback = e.cfg.Tags.Fallback
	}
	e.inferencer.Store(newTagInferencer(tables, fallback))
	e.logger.Info("tag tables reloaded", zap.Int("tables", len(tables)))
}

// CacheStats exposes cache counters, used by Stats and the CLI.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.stats()
}
