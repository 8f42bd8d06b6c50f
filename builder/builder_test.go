package builder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/centroidstore"
	"github.com/tessera-ai/fedsearch/config"
	"github.com/tessera-ai/fedsearch/internal/vecmath"
)

// fakeIndex serves canned embeddings through the cursor Scan API and is
// never asked to Search in these tests.
type fakeIndex struct {
	vectors   map[string][][]float32
	scanErr   error
	scanCalls int
}

func (f *fakeIndex) Search(ctx context.Context, tenant string, vec []float32, limit int, filters map[string]string) ([]fedsearch.InternalHit, error) {
	return nil, nil
}

func (f *fakeIndex) Scan(ctx context.Context, tenant, tag, cursor string, batch int) ([][]float32, string, error) {
	f.scanCalls++
	if f.scanErr != nil {
		return nil, "", f.scanErr
	}
	vs := f.vectors[tenant+":"+tag]
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + batch
	if end > len(vs) {
		end = len(vs)
	}
	next := ""
	if end < len(vs) {
		next = strconv.Itoa(end)
	}
	return vs[start:end], next, nil
}

func repeated(v []float32, n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func testBuilderConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Centroids.MinVectors = 10
	cfg.Centroids.MaxVectors = 1000
	cfg.Centroids.BatchSize = 16
	return cfg
}

func newTestBuilder(t *testing.T, cfg *config.Config, idx *fakeIndex) (*Builder, *centroidstore.MemoryStore) {
	t.Helper()
	store := centroidstore.NewMemory()
	b, err := New(cfg, idx, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	return b, store
}

func TestRunPublishesUnitCentroid(t *testing.T) {
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{2, 0, 0}, 20),
	}}
	b, store := newTestBuilder(t, testBuilderConfig(), idx)

	report, err := b.Run(context.Background(), "acme", []string{"direito_civil"})
	require.NoError(t, err)
	require.Len(t, report.Keys, 1)

	kr := report.Keys[0]
	assert.Equal(t, StateIdle, kr.State)
	assert.Equal(t, 20, kr.SourceCount)
	assert.NoError(t, kr.Err)
	assert.Equal(t, 1, report.Succeeded)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Finished.Before(report.Started))

	c, found, err := store.Get(context.Background(), "acme", "direito_civil")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20, c.SourceCount)
	assert.Equal(t, 3, c.Dimension)
	assert.InDelta(t, 1.0, vecmath.Norm(c.Vector), 1e-6)
	assert.InDelta(t, 1.0, float64(c.Vector[0]), 1e-6)
}

func TestRunPaginatesScans(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Centroids.BatchSize = 8
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{0, 1}, 20),
	}}
	b, _ := newTestBuilder(t, cfg, idx)

	report, err := b.Run(context.Background(), "acme", []string{"direito_civil"})
	require.NoError(t, err)
	assert.Equal(t, 20, report.Keys[0].SourceCount)
	// 20 vectors in pages of 8: three scan calls.
	assert.Equal(t, 3, idx.scanCalls)
}

func TestRunSkipsInsufficientVectors(t *testing.T) {
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{1, 0}, 4),
	}}
	b, store := newTestBuilder(t, testBuilderConfig(), idx)

	report, err := b.Run(context.Background(), "acme", []string{"direito_civil"})
	require.NoError(t, err)

	kr := report.Keys[0]
	assert.Equal(t, StateDegenerate, kr.State)
	assert.Equal(t, 4, kr.SourceCount)
	assert.ErrorIs(t, kr.Err, fedsearch.ErrDegenerate)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Succeeded)

	_, found, err := store.Get(context.Background(), "acme", "direito_civil")
	require.NoError(t, err)
	assert.False(t, found, "degenerate build must not publish")
}

func TestRunSkipsZeroMean(t *testing.T) {
	vs := append(repeated([]float32{1, 0}, 5), repeated([]float32{-1, 0}, 5)...)
	idx := &fakeIndex{vectors: map[string][][]float32{"acme:direito_civil": vs}}
	b, store := newTestBuilder(t, testBuilderConfig(), idx)

	report, err := b.Run(context.Background(), "acme", []string{"direito_civil"})
	require.NoError(t, err)
	assert.Equal(t, StateDegenerate, report.Keys[0].State)
	assert.ErrorIs(t, report.Keys[0].Err, fedsearch.ErrDegenerate)

	_, found, _ := store.Get(context.Background(), "acme", "direito_civil")
	assert.False(t, found)
}

func TestRunReportsScanFailure(t *testing.T) {
	idx := &fakeIndex{scanErr: errors.New("index down")}
	b, _ := newTestBuilder(t, testBuilderConfig(), idx)

	report, err := b.Run(context.Background(), "acme", []string{"direito_civil"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, report.Keys[0].State)
	assert.ErrorIs(t, report.Keys[0].Err, fedsearch.ErrUnavailable)
	assert.Equal(t, 1, report.Failed)
}

func TestRunOneKeyFailureDoesNotStopOthers(t *testing.T) {
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{1, 0}, 20),
		"acme:direito_penal": repeated([]float32{1, 0}, 2),
	}}
	b, _ := newTestBuilder(t, testBuilderConfig(), idx)

	report, err := b.Run(context.Background(), "acme", []string{"direito_penal", "direito_civil"})
	require.NoError(t, err)
	require.Len(t, report.Keys, 2)
	assert.Equal(t, StateDegenerate, report.Keys[0].State)
	assert.Equal(t, StateIdle, report.Keys[1].State)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
}

func TestRunDefaultsToConfiguredTags(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Tags.Tables = []config.TagTable{
		{Tag: "direito_civil", Keywords: []string{"civil"}},
		{Tag: "direito_penal", Keywords: []string{"penal"}},
	}
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{1, 0}, 20),
	}}
	b, _ := newTestBuilder(t, cfg, idx)

	report, err := b.Run(context.Background(), "acme", nil)
	require.NoError(t, err)
	require.Len(t, report.Keys, 2)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
}

func TestReloadTagsChangesDefaultKeys(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Tags.Tables = []config.TagTable{{Tag: "direito_civil", Keywords: []string{"civil"}}}
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:contratos": repeated([]float32{1, 0}, 20),
	}}
	b, _ := newTestBuilder(t, cfg, idx)

	b.ReloadTags([]config.TagTable{{Tag: "contratos", Keywords: []string{"contrato"}}})

	report, err := b.Run(context.Background(), "acme", nil)
	require.NoError(t, err)
	require.Len(t, report.Keys, 1)
	assert.Equal(t, "contratos", report.Keys[0].Tag)
	assert.Equal(t, 1, report.Succeeded)
}

func TestRunRejectsEmptyTenant(t *testing.T) {
	b, _ := newTestBuilder(t, testBuilderConfig(), &fakeIndex{})
	_, err := b.Run(context.Background(), "", nil)
	assert.ErrorIs(t, err, fedsearch.ErrInvalidArgument)
}

func TestRunCancelledBeforeKeys(t *testing.T) {
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{1, 0}, 20),
	}}
	b, store := newTestBuilder(t, testBuilderConfig(), idx)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := b.Run(ctx, "acme", []string{"direito_civil"})
	assert.ErrorIs(t, err, fedsearch.ErrCancelled)
	require.NotNil(t, report)
	assert.Empty(t, report.Keys)

	_, found, _ := store.Get(context.Background(), "acme", "direito_civil")
	assert.False(t, found, "cancelled run must not publish")
}

func TestRunIsIdempotent(t *testing.T) {
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{0, 3, 4}, 30),
	}}
	b, store := newTestBuilder(t, testBuilderConfig(), idx)
	ctx := context.Background()

	_, err := b.Run(ctx, "acme", []string{"direito_civil"})
	require.NoError(t, err)
	first, _, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)

	_, err = b.Run(ctx, "acme", []string{"direito_civil"})
	require.NoError(t, err)
	second, _, err := store.Get(ctx, "acme", "direito_civil")
	require.NoError(t, err)

	assert.Equal(t, first.Vector, second.Vector)
	assert.Equal(t, first.SourceCount, second.SourceCount)
}

func TestRunFailsOnDimensionChange(t *testing.T) {
	vs := append(repeated([]float32{1, 0}, 12), []float32{1, 0, 0})
	idx := &fakeIndex{vectors: map[string][][]float32{"acme:direito_civil": vs}}
	b, _ := newTestBuilder(t, testBuilderConfig(), idx)

	report, err := b.Run(context.Background(), "acme", []string{"direito_civil"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, report.Keys[0].State)
	assert.ErrorIs(t, report.Keys[0].Err, fedsearch.ErrInternal)
}

func TestSamplerCapsMemoryUniformly(t *testing.T) {
	s := newSampler(10)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.add([]float32{float32(i), 1}))
	}
	assert.Equal(t, 100, s.seen)
	assert.Len(t, s.res, 10)

	unit, ok := s.unitMean()
	require.True(t, ok)
	assert.InDelta(t, 1.0, vecmath.Norm(unit), 1e-6)
}

func TestSamplerMeanMatchesExactWhenUnderCap(t *testing.T) {
	s := newSampler(100)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.add([]float32{1, 0}))
		require.NoError(t, s.add([]float32{0, 1}))
	}
	unit, ok := s.unitMean()
	require.True(t, ok)
	// Mean of equal parts (1,0) and (0,1) normalizes to (√2/2, √2/2).
	assert.InDelta(t, 0.7071, float64(unit[0]), 1e-3)
	assert.InDelta(t, 0.7071, float64(unit[1]), 1e-3)
}

func TestRunStoresFreshTTL(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Centroids.StoreTTL = time.Hour
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": repeated([]float32{1, 0}, 20),
	}}
	b, store := newTestBuilder(t, cfg, idx)

	_, err := b.Run(context.Background(), "acme", []string{"direito_civil"})
	require.NoError(t, err)

	tags, err := store.Scan(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"direito_civil"}, tags)
}

func TestKeyedLocksSerializeSameKey(t *testing.T) {
	var locks keyedLocks
	unlock := locks.lock("a:b")
	acquired := make(chan struct{})
	go func() {
		u := locks.lock("a:b")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func ExampleBuilder_Run() {
	cfg := config.DefaultConfig()
	cfg.Centroids.MinVectors = 1
	idx := &fakeIndex{vectors: map[string][][]float32{
		"acme:direito_civil": {{1, 0, 0}, {1, 0, 0}},
	}}
	b, _ := New(cfg, idx, centroidstore.NewMemory(), nil)

	report, _ := b.Run(context.Background(), "acme", []string{"direito_civil"})
	fmt.Println(report.Keys[0].State, report.Keys[0].SourceCount)
	// Output: idle 2
}
