// Package metrics exposes the engine's Prometheus collectors. Collectors are
// package-level and registered at init; callers go through the Record
// helpers so label values stay consistent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Search metrics
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_searches_total",
			Help: "Total number of federated searches",
		},
		[]string{"outcome"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedsearch_search_duration_seconds",
			Help:    "Federated search duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	// Source metrics
	SourceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_source_requests_total",
			Help: "Total number of per-source search calls",
		},
		[]string{"source", "status"},
	)

	SourceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedsearch_source_latency_seconds",
			Help:    "Per-source search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// Fusion metrics
	FusionCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedsearch_fusion_candidates",
			Help:    "Number of candidates entering fusion per search",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 150},
		},
	)

	// Personalization metrics
	PersonalizationApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_personalization_total",
			Help: "Personalization attempts by result",
		},
		[]string{"applied"},
	)

	CentroidSimilarity = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedsearch_centroid_similarity",
			Help:    "Cosine similarity between query and centroid when found",
			Buckets: []float64{-1, -0.5, -0.25, 0, 0.25, 0.5, 0.75, 0.9, 1},
		},
	)

	// Centroid cache metrics
	CentroidCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedsearch_centroid_cache_hits_total",
			Help: "Total number of centroid cache hits",
		},
	)

	CentroidCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedsearch_centroid_cache_misses_total",
			Help: "Total number of centroid cache misses",
		},
	)

	// Builder metrics
	BuilderRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_builder_runs_total",
			Help: "Total number of centroid builder runs",
		},
		[]string{"status"},
	)

	BuilderKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_builder_keys_total",
			Help: "Builder per-key outcomes",
		},
		[]string{"state"},
	)

	BuilderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fedsearch_builder_duration_seconds",
			Help:    "Centroid builder run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	BuilderVectorsScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedsearch_builder_vectors_scanned_total",
			Help: "Total embeddings streamed by the centroid builder",
		},
	)

	// Embedding client metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fedsearch_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fedsearch_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fedsearch_embedding_cache_hits_total",
			Help: "Total number of embedding client cache hits",
		},
	)
)

// RecordSearch records one completed search call.
func RecordSearch(outcome string, durationSeconds float64) {
	SearchesTotal.WithLabelValues(outcome).Inc()
	SearchDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordSource records one per-source call inside a search.
func RecordSource(source, status string, durationSeconds float64) {
	SourceRequests.WithLabelValues(source, status).Inc()
	if durationSeconds > 0 {
		SourceLatency.WithLabelValues(source).Observe(durationSeconds)
	}
}

// RecordPersonalization records a personalization attempt.
func RecordPersonalization(applied bool, sim *float64) {
	if applied {
		PersonalizationApplied.WithLabelValues("true").Inc()
	} else {
		PersonalizationApplied.WithLabelValues("false").Inc()
	}
	if sim != nil {
		CentroidSimilarity.Observe(*sim)
	}
}

// RecordCentroidCache records one cache lookup.
func RecordCentroidCache(hit bool) {
	if hit {
		CentroidCacheHits.Inc()
	} else {
		CentroidCacheMisses.Inc()
	}
}

// RecordBuilderRun records one builder run with per-key state counts.
func RecordBuilderRun(status string, durationSeconds float64, keyStates map[string]int) {
	BuilderRuns.WithLabelValues(status).Inc()
	BuilderDuration.Observe(durationSeconds)
	for state, n := range keyStates {
		BuilderKeys.WithLabelValues(state).Add(float64(n))
	}
}

// RecordEmbedding records one embedding service call.
func RecordEmbedding(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
