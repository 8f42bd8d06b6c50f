package fedsearch

import (
	"context"
	"time"
)

// Origin identifies the source that produced a hit.
type Origin string

const (
	OriginVector   Origin = "vector"
	OriginLexical  Origin = "lexical"
	OriginExternal Origin = "external"
)

// QueryRequest is a single federated search call. Either UseInternal must be
// set or External must be non-empty.
type QueryRequest struct {
	Query       string        `json:"query"`
	Tenant      string        `json:"tenant"`
	KTotal      int           `json:"k_total"`
	Alpha       *float64      `json:"alpha,omitempty"` // nil selects the configured default
	Personalize bool          `json:"personalize"`
	Tag         string        `json:"tag,omitempty"` // empty triggers keyword inference
	External    []ExternalDoc `json:"external,omitempty"`
	UseInternal bool          `json:"use_internal"`
}

// ExternalDoc is a caller-supplied document scored only for the request that
// carried it. It is never persisted and never crosses tenants.
type ExternalDoc struct {
	SrcID    string                 `json:"src_id"`
	Text     string                 `json:"text"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
	Priority float64                `json:"priority"`
}

// InternalHit is one ranked result from the vector or lexical index.
type InternalHit struct {
	DocID        string                 `json:"doc_id"`
	Score        float64                `json:"score"`
	Source       Origin                 `json:"source"`
	RankInSource int                    `json:"rank_in_source"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// ExternalHit is one scored ephemeral document.
type ExternalHit struct {
	SrcID        string                 `json:"src_id"`
	Score        float64                `json:"score"`
	RankInSource int                    `json:"rank_in_source"`
	TextOverlap  float64                `json:"text_overlap"`
	Priority     float64                `json:"priority"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// Contribution records how one source ranked a fused candidate.
type Contribution struct {
	Source  Origin  `json:"source"`
	Rank    int     `json:"rank"`
	RRFTerm float64 `json:"rrf_term"`
}

// ScoredHit is one entry of the fused result list. FinalRank values within a
// response are a permutation of 1..N.
type ScoredHit struct {
	ID            string         `json:"id"`
	Origin        Origin         `json:"origin"`
	FusedScore    float64        `json:"fused_score"`
	FinalRank     int            `json:"final_rank"`
	Contributions []Contribution `json:"contributions"`
}

// SearchTrace reports what actually happened during one search. Notes is the
// only channel for non-fatal degradations (partial sources, clamps, skipped
// personalization).
type SearchTrace struct {
	Total                     int      `json:"total"`
	InternalCount             int      `json:"internal_count"`
	ExternalCount             int      `json:"external_count"`
	PersonalizationApplied    bool     `json:"personalization_applied"`
	AlphaUsed                 float64  `json:"alpha_used"`
	SimilarityQueryToCentroid *float64 `json:"similarity_query_to_centroid,omitempty"`
	DurationMS                int64    `json:"duration_ms"`
	Notes                     []string `json:"notes,omitempty"`
}

// Result is a complete, never partial, search response.
type Result struct {
	Hits  []ScoredHit `json:"hits"`
	Trace SearchTrace `json:"trace"`
}

// Centroid is the unit-norm mean of a tenant's embeddings under one tag.
type Centroid struct {
	Vector      []float32 `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
	SourceCount int       `json:"source_count"`
	Dimension   int       `json:"dimension"`
}

// Embedder produces a unit-norm embedding for text. Implementations must be
// safe for concurrent use and deterministic for the same input under the
// same model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the internal semantic index. Search returns hits ranked
// descending by similarity with RankInSource starting at 1. Scan streams raw
// embeddings for centroid builds; an empty cursor starts the scan and an
// empty next cursor ends it.
type VectorIndex interface {
	Search(ctx context.Context, tenant string, vec []float32, limit int, filters map[string]string) ([]InternalHit, error)
	Scan(ctx context.Context, tenant, tag, cursor string, batch int) ([][]float32, string, error)
}

// LexicalIndex is the internal keyword index, ranked by lexical score.
type LexicalIndex interface {
	Search(ctx context.Context, tenant, query string, limit int) ([]InternalHit, error)
}

// CentroidStore is the shared keyed store of centroids. Reads are
// linearizable per key against writes to the same key; cross-key consistency
// is not required. Put is an idempotent replace.
type CentroidStore interface {
	Get(ctx context.Context, tenant, tag string) (Centroid, bool, error)
	Put(ctx context.Context, tenant, tag string, c Centroid, ttl time.Duration) error
	Delete(ctx context.Context, tenant, tag string) error
	Scan(ctx context.Context, tenant string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
