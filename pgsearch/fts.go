// Package pgsearch provides the Postgres-backed index adapters: a full-text
// LexicalIndex on top of tsvector ranking and a pgvector VectorIndex for
// deployments that keep embeddings in Postgres instead of Qdrant.
//
// Both adapters expect a documents table of the shape
//
//	doc_id    text PRIMARY KEY
//	tenant_id text NOT NULL
//	tag       text
//	payload   jsonb
//	tsv       tsvector
//	embedding vector
package pgsearch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
)

const (
	defaultTable      = "documents"
	defaultTextConfig = "simple"

	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// identPattern keeps interpolated table names to plain identifiers. Table
// names cannot be bound as query parameters.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

type ftsRow struct {
	DocID   string  `db:"doc_id"`
	Rank    float64 `db:"rank"`
	Payload []byte  `db:"payload"`
}

// FTSIndex is the Postgres full-text LexicalIndex.
type FTSIndex struct {
	db      *sqlx.DB
	query   string
	breaker *gobreaker.CircuitBreaker[[]ftsRow]
	logger  *zap.Logger
}

var _ fedsearch.LexicalIndex = (*FTSIndex)(nil)

// NewFTS opens a connection pool and verifies it with a short ping.
func NewFTS(cfg config.PostgresConfig, logger *zap.Logger) (*FTSIndex, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pgsearch: dsn is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgsearch: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgsearch: ping: %w", err)
	}
	return newFTS(db, cfg, logger)
}

// NewFTSFromDB wraps an existing connection, used by tests.
func NewFTSFromDB(raw *sql.DB, cfg config.PostgresConfig, logger *zap.Logger) (*FTSIndex, error) {
	return newFTS(sqlx.NewDb(raw, "postgres"), cfg, logger)
}

func newFTS(db *sqlx.DB, cfg config.PostgresConfig, logger *zap.Logger) (*FTSIndex, error) {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	textConfig := cfg.TextConfig
	if textConfig == "" {
		textConfig = defaultTextConfig
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("pgsearch: invalid table name %q", table)
	}
	if !identPattern.MatchString(textConfig) {
		return nil, fmt.Errorf("pgsearch: invalid text search config %q", textConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &FTSIndex{
		db: db,
		query: fmt.Sprintf(
			`SELECT doc_id, ts_rank_cd(tsv, plainto_tsquery('%[1]s', $1)) AS rank, payload
			 FROM %[2]s
			 WHERE tenant_id = $2 AND tsv @@ plainto_tsquery('%[1]s', $1)
			 ORDER BY rank DESC, doc_id ASC
			 LIMIT $3`,
			textConfig, table,
		),
		logger: logger,
	}
	if cfg.Breaker.Enabled {
		maxFailures := cfg.Breaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		idx.breaker = gobreaker.NewCircuitBreaker[[]ftsRow](gobreaker.Settings{
			Name:        "postgres-fts",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return idx, nil
}

// Search ranks tenant documents against the raw query text. Hits come back
// ordered by rank with RankInSource assigned from 1.
func (f *FTSIndex) Search(ctx context.Context, tenant, query string, limit int) ([]fedsearch.InternalHit, error) {
	if tenant == "" {
		return nil, errors.New("pgsearch: tenant is required")
	}
	if query == "" || limit <= 0 {
		return nil, nil
	}
	rows, err := f.selectRows(ctx, query, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("pgsearch: fts search: %w", err)
	}
	hits := make([]fedsearch.InternalHit, 0, len(rows))
	for i, r := range rows {
		var payload map[string]interface{}
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				f.logger.Warn("dropping malformed payload", zap.String("doc_id", r.DocID), zap.Error(err))
				payload = nil
			}
		}
		hits = append(hits, fedsearch.InternalHit{
			DocID:        r.DocID,
			Score:        r.Rank,
			Source:       fedsearch.OriginLexical,
			RankInSource: i + 1,
			Payload:      payload,
		})
	}
	return hits, nil
}

func (f *FTSIndex) selectRows(ctx context.Context, query, tenant string, limit int) ([]ftsRow, error) {
	fetch := func() ([]ftsRow, error) {
		var rows []ftsRow
		if err := f.db.SelectContext(ctx, &rows, f.query, query, tenant, limit); err != nil {
			return nil, err
		}
		return rows, nil
	}
	if f.breaker == nil {
		return fetch()
	}
	return f.breaker.Execute(fetch)
}

// Ping reports connectivity.
func (f *FTSIndex) Ping(ctx context.Context) error {
	return f.db.PingContext(ctx)
}

// Close releases the connection pool.
func (f *FTSIndex) Close() error {
	return f.db.Close()
}
