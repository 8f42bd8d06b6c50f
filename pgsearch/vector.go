package pgsearch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
)

// querier is the slice of pgxpool.Pool the adapter needs.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// VectorIndex is the pgvector-backed fedsearch.VectorIndex. Similarity is
// cosine: 1 - (embedding <=> query).
type VectorIndex struct {
	pool   querier
	table  string
	close  func()
	logger *zap.Logger
}

var _ fedsearch.VectorIndex = (*VectorIndex)(nil)

// NewVector opens a pgx pool and verifies it with a ping.
func NewVector(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*VectorIndex, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pgsearch: dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgsearch: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsearch: ping: %w", err)
	}
	idx, err := newVector(pool, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	idx.close = pool.Close
	return idx, nil
}

// NewVectorFromQuerier wraps an existing pool, used by tests.
func NewVectorFromQuerier(pool querier, cfg config.PostgresConfig, logger *zap.Logger) (*VectorIndex, error) {
	return newVector(pool, cfg, logger)
}

func newVector(pool querier, cfg config.PostgresConfig, logger *zap.Logger) (*VectorIndex, error) {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("pgsearch: invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorIndex{pool: pool, table: table, logger: logger}, nil
}

// Search returns the tenant's nearest documents by cosine similarity. The
// "tag" filter matches the tag column; any other filter key matches the
// payload JSON field of that name.
func (v *VectorIndex) Search(ctx context.Context, tenant string, vec []float32, limit int, filters map[string]string) ([]fedsearch.InternalHit, error) {
	if tenant == "" {
		return nil, errors.New("pgsearch: tenant is required")
	}
	if len(vec) == 0 || limit <= 0 {
		return nil, nil
	}
	sql, args := v.searchQuery(tenant, vec, limit, filters)
	rows, err := v.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgsearch: vector search: %w", err)
	}
	defer rows.Close()

	var hits []fedsearch.InternalHit
	for rows.Next() {
		var (
			docID      string
			similarity float64
			payload    map[string]interface{}
		)
		if err := rows.Scan(&docID, &similarity, &payload); err != nil {
			return nil, fmt.Errorf("pgsearch: scan hit: %w", err)
		}
		hits = append(hits, fedsearch.InternalHit{
			DocID:        docID,
			Score:        similarity,
			Source:       fedsearch.OriginVector,
			RankInSource: len(hits) + 1,
			Payload:      payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgsearch: vector search: %w", err)
	}
	return hits, nil
}

// searchQuery builds the similarity query. Filter keys are sorted so the
// generated SQL is deterministic.
func (v *VectorIndex) searchQuery(tenant string, vec []float32, limit int, filters map[string]string) (string, []any) {
	args := []any{pgvector.NewVector(vec), tenant, limit}
	where := "tenant_id = $2 AND embedding IS NOT NULL"
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "tag" {
			args = append(args, filters[k])
			where += fmt.Sprintf(" AND tag = $%d", len(args))
			continue
		}
		args = append(args, k, filters[k])
		where += fmt.Sprintf(" AND payload->>$%d::text = $%d", len(args)-1, len(args))
	}
	sql := fmt.Sprintf(
		`SELECT doc_id, 1 - (embedding <=> $1::vector) AS similarity, payload
		 FROM %s
		 WHERE %s
		 ORDER BY embedding <=> $1::vector, doc_id ASC
		 LIMIT $3`,
		v.table, where,
	)
	return sql, args
}

// Scan pages embeddings for one tenant and tag in doc_id order. The cursor
// is the last doc_id of the previous page; empty starts from the beginning.
func (v *VectorIndex) Scan(ctx context.Context, tenant, tag, cursor string, batch int) ([][]float32, string, error) {
	if tenant == "" || tag == "" {
		return nil, "", errors.New("pgsearch: tenant and tag are required")
	}
	if batch <= 0 {
		batch = 64
	}
	sql := fmt.Sprintf(
		`SELECT doc_id, embedding
		 FROM %s
		 WHERE tenant_id = $1 AND tag = $2 AND doc_id > $3 AND embedding IS NOT NULL
		 ORDER BY doc_id ASC
		 LIMIT $4`,
		v.table,
	)
	rows, err := v.pool.Query(ctx, sql, tenant, tag, cursor, batch)
	if err != nil {
		return nil, "", fmt.Errorf("pgsearch: scan: %w", err)
	}
	defer rows.Close()

	var (
		vectors [][]float32
		lastID  string
	)
	for rows.Next() {
		var emb pgvector.Vector
		if err := rows.Scan(&lastID, &emb); err != nil {
			return nil, "", fmt.Errorf("pgsearch: scan row: %w", err)
		}
		vectors = append(vectors, emb.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("pgsearch: scan: %w", err)
	}
	next := ""
	if len(vectors) == batch {
		next = lastID
	}
	return vectors, next, nil
}

// Ping reports connectivity.
func (v *VectorIndex) Ping(ctx context.Context) error {
	return v.pool.Ping(ctx)
}

// Close releases the pool when this adapter owns it.
func (v *VectorIndex) Close() error {
	if v.close != nil {
		v.close()
	}
	return nil
}
