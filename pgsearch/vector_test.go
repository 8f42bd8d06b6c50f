package pgsearch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
)

// fakePool records queries and plays back canned rows.
type fakePool struct {
	sql     []string
	args    [][]any
	results []*fakeRows
	err     error
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.sql = append(p.sql, sql)
	p.args = append(p.args, args)
	if p.err != nil {
		return nil, p.err
	}
	rows := p.results[len(p.sql)-1]
	return rows, nil
}

func (p *fakePool) Ping(context.Context) error { return nil }

type fakeRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *float64:
			*p = row[i].(float64)
		case *map[string]interface{}:
			if row[i] == nil {
				*p = nil
			} else {
				*p = row[i].(map[string]interface{})
			}
		case *pgvector.Vector:
			*p = row[i].(pgvector.Vector)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

func newVectorFake(t *testing.T, pool *fakePool) *VectorIndex {
	t.Helper()
	idx, err := NewVectorFromQuerier(pool, config.PostgresConfig{Table: "documents"}, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func TestVectorSearchMapsHits(t *testing.T) {
	pool := &fakePool{results: []*fakeRows{{data: [][]any{
		{"d1", 0.95, map[string]interface{}{"title": "alpha"}},
		{"d2", 0.70, nil},
	}}}}
	idx := newVectorFake(t, pool)

	hits, err := idx.Search(context.Background(), "acme", []float32{0.1, 0.2}, 7, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "d1", hits[0].DocID)
	assert.Equal(t, 0.95, hits[0].Score)
	assert.Equal(t, fedsearch.OriginVector, hits[0].Source)
	assert.Equal(t, 1, hits[0].RankInSource)
	assert.Equal(t, "alpha", hits[0].Payload["title"])
	assert.Equal(t, 2, hits[1].RankInSource)

	require.Len(t, pool.sql, 1)
	assert.Contains(t, pool.sql[0], "1 - (embedding <=> $1::vector)")
	assert.Contains(t, pool.sql[0], "tenant_id = $2")
	assert.Contains(t, pool.sql[0], "ORDER BY embedding <=> $1::vector")

	require.Len(t, pool.args[0], 3)
	vec, ok := pool.args[0][0].(pgvector.Vector)
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, vec.Slice())
	assert.Equal(t, "acme", pool.args[0][1])
	assert.Equal(t, 7, pool.args[0][2])
}

func TestVectorSearchFilters(t *testing.T) {
	pool := &fakePool{results: []*fakeRows{{}}}
	idx := newVectorFake(t, pool)

	_, err := idx.Search(context.Background(), "acme", []float32{0.1}, 5, map[string]string{
		"tag":  "contracts",
		"lang": "pt",
	})
	require.NoError(t, err)

	// Keys are applied in sorted order: lang then tag.
	assert.Contains(t, pool.sql[0], "payload->>$4::text = $5")
	assert.Contains(t, pool.sql[0], "tag = $6")
	assert.Equal(t, []any{"lang", "pt", "contracts"}, pool.args[0][3:])
}

func TestVectorSearchShortCircuits(t *testing.T) {
	pool := &fakePool{}
	idx := newVectorFake(t, pool)

	hits, err := idx.Search(context.Background(), "acme", nil, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Empty(t, pool.sql)

	_, err = idx.Search(context.Background(), "", []float32{0.1}, 5, nil)
	require.Error(t, err)
}

func TestVectorSearchQueryError(t *testing.T) {
	pool := &fakePool{err: errors.New("pool exhausted")}
	idx := newVectorFake(t, pool)

	_, err := idx.Search(context.Background(), "acme", []float32{0.1}, 5, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector search")
}

func TestVectorScanPagination(t *testing.T) {
	pool := &fakePool{results: []*fakeRows{
		{data: [][]any{
			{"d1", pgvector.NewVector([]float32{0.1, 0.2})},
			{"d2", pgvector.NewVector([]float32{0.3, 0.4})},
		}},
		{data: [][]any{
			{"d3", pgvector.NewVector([]float32{0.5, 0.6})},
		}},
	}}
	idx := newVectorFake(t, pool)

	vecs, next, err := idx.Scan(context.Background(), "acme", "contracts", "", 2)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
	assert.Equal(t, "d2", next, "full page continues from the last doc_id")

	vecs, next, err = idx.Scan(context.Background(), "acme", "contracts", next, 2)
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Empty(t, next, "short page ends the scan")

	assert.Contains(t, pool.sql[0], "doc_id > $3")
	assert.Equal(t, []any{"acme", "contracts", "", 2}, pool.args[0])
	assert.Equal(t, []any{"acme", "contracts", "d2", 2}, pool.args[1])
}

func TestVectorScanValidatesInput(t *testing.T) {
	idx := newVectorFake(t, &fakePool{})

	_, _, err := idx.Scan(context.Background(), "", "contracts", "", 8)
	require.Error(t, err)
	_, _, err = idx.Scan(context.Background(), "acme", "", "", 8)
	require.Error(t, err)
}

func TestVectorScanQueryError(t *testing.T) {
	pool := &fakePool{err: errors.New("down")}
	idx := newVectorFake(t, pool)

	_, _, err := idx.Scan(context.Background(), "acme", "contracts", "", 8)
	require.Error(t, err)
}

func TestNewVectorRejectsBadTable(t *testing.T) {
	_, err := NewVectorFromQuerier(&fakePool{}, config.PostgresConfig{Table: "x; drop"}, zap.NewNop())
	require.Error(t, err)
}
