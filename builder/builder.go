// Package builder recomputes tenant centroids from the vector index. Each
// (tenant, tag) pair is built independently: embeddings stream out of the
// index in batches, a uniform sample bounds memory, and the unit-normalized
// mean is published to the centroid store only when the whole build
// succeeded. The Scheduler runs builds on a cron expression.
package builder

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
	"github.com/tessera-ai/fedsearch/internal/vecmath"
	"github.com/tessera-ai/fedsearch/metrics"
	"github.com/tessera-ai/fedsearch/tracing"
)

// KeyState is the build state of one (tenant, tag) pair. A build walks
// Scanning → Aggregating → Writing and ends Idle; Degenerate and Failed are
// terminal and publish nothing.
type KeyState string

const (
	StateIdle        KeyState = "idle"
	StateScanning    KeyState = "scanning"
	StateAggregating KeyState = "aggregating"
	StateWriting     KeyState = "writing"
	StateDegenerate  KeyState = "degenerate"
	StateFailed      KeyState = "failed"
)

// KeyReport is the outcome of one (tenant, tag) build.
type KeyReport struct {
	Tag         string   `json:"tag"`
	State       KeyState `json:"state"`
	SourceCount int      `json:"source_count"`
	Err         error    `json:"-"`
	Error       string   `json:"error,omitempty"`
}

// BuildReport summarizes one Run over a tenant.
type BuildReport struct {
	RunID     string      `json:"run_id"`
	Tenant    string      `json:"tenant"`
	Started   time.Time   `json:"started"`
	Finished  time.Time   `json:"finished"`
	Keys      []KeyReport `json:"keys"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
}

// Builder computes and stores centroids. Safe for concurrent use; concurrent
// builds of the same (tenant, tag) serialize on a per-key lock so two runs
// cannot interleave partial writes.
type Builder struct {
	cfg     *config.Config
	vector  fedsearch.VectorIndex
	store   fedsearch.CentroidStore
	limiter *rate.Limiter
	logger  *zap.Logger

	locks keyedLocks
	now   func() time.Time

	tagsMu sync.RWMutex
	tags   []string
}

// New builds a Builder. cfg, vector, and store are required.
func New(cfg *config.Config, vector fedsearch.VectorIndex, store fedsearch.CentroidStore, logger *zap.Logger) (*Builder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", fedsearch.ErrInvalidArgument)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector index is required", fedsearch.ErrInvalidArgument)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: centroid store is required", fedsearch.ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if r := cfg.Builder.ScanRate; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), cfg.Centroids.BatchSize)
	}
	return &Builder{
		cfg:     cfg,
		vector:  vector,
		store:   store,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
		tags:    tagNames(cfg.Tags.Tables),
	}, nil
}

// Run rebuilds the centroids of one tenant. Empty tags selects every
// configured tag table. Keys are built sequentially; one key failing never
// stops the others. The error is non-nil only for invalid input or when ctx
// ended before all keys ran, and the returned report always covers the keys
// that did run.
func (b *Builder) Run(ctx context.Context, tenant string, tags []string) (*BuildReport, error) {
	if tenant == "" {
		return nil, fmt.Errorf("%w: tenant is required", fedsearch.ErrInvalidArgument)
	}
	if len(tags) == 0 {
		tags = b.configuredTags()
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: no tags configured and none given", fedsearch.ErrInvalidArgument)
	}

	ctx, span := tracing.StartSpan(ctx, "builder.Run")
	defer span.End()

	report := &BuildReport{
		RunID:   uuid.New().String(),
		Tenant:  tenant,
		Started: b.now(),
	}
	b.logger.Info("centroid build started",
		zap.String("run_id", report.RunID),
		zap.String("tenant", tenant),
		zap.Int("tags", len(tags)))

	var runErr error
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			runErr = wrapCtx(err)
			break
		}
		kr := b.buildKey(ctx, tenant, tag)
		report.Keys = append(report.Keys, kr)
		switch kr.State {
		case StateIdle:
			report.Succeeded++
		case StateDegenerate:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	report.Finished = b.now()

	states := make(map[string]int, 3)
	for _, kr := range report.Keys {
		states[string(kr.State)]++
	}
	status := "ok"
	if runErr != nil {
		status = "cancelled"
	} else if report.Failed > 0 {
		status = "partial"
	}
	metrics.RecordBuilderRun(status, report.Finished.Sub(report.Started).Seconds(), states)

	b.logger.Info("centroid build finished",
		zap.String("run_id", report.RunID),
		zap.String("tenant", tenant),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("took", report.Finished.Sub(report.Started)))
	return report, runErr
}

// buildKey runs the per-key state machine. Every exit path leaves the store
// either untouched or holding the complete new centroid.
func (b *Builder) buildKey(ctx context.Context, tenant, tag string) KeyReport {
	unlock := b.locks.lock(tenant + ":" + tag)
	defer unlock()

	kr := KeyReport{Tag: tag, State: StateScanning}
	fail := func(state KeyState, err error) KeyReport {
		kr.State = state
		kr.Err = err
		kr.Error = err.Error()
		return kr
	}

	sample := newSampler(b.cfg.Centroids.MaxVectors)
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return fail(StateFailed, wrapCtx(err))
		}
		vecs, next, err := b.vector.Scan(ctx, tenant, tag, cursor, b.cfg.Centroids.BatchSize)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return fail(StateFailed, wrapCtx(cerr))
			}
			return fail(StateFailed, fmt.Errorf("%w: scan %s:%s: %v", fedsearch.ErrUnavailable, tenant, tag, err))
		}
		for _, v := range vecs {
			if err := sample.add(v); err != nil {
				return fail(StateFailed, err)
			}
		}
		metrics.BuilderVectorsScanned.Add(float64(len(vecs)))
		if b.limiter != nil && len(vecs) > 0 {
			if err := b.limiter.WaitN(ctx, len(vecs)); err != nil {
				return fail(StateFailed, wrapCtx(err))
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	kr.SourceCount = sample.seen

	if sample.seen < b.cfg.Centroids.MinVectors {
		return fail(StateDegenerate, fmt.Errorf("%w: %d vectors for %s:%s, need at least %d",
			fedsearch.ErrDegenerate, sample.seen, tenant, tag, b.cfg.Centroids.MinVectors))
	}

	kr.State = StateAggregating
	unit, ok := sample.unitMean()
	if !ok {
		return fail(StateDegenerate, fmt.Errorf("%w: mean norm below epsilon for %s:%s",
			fedsearch.ErrDegenerate, tenant, tag))
	}

	kr.State = StateWriting
	c := fedsearch.Centroid{
		Vector:      unit,
		UpdatedAt:   b.now(),
		SourceCount: sample.seen,
		Dimension:   len(unit),
	}
	if err := b.store.Put(ctx, tenant, tag, c, b.cfg.Centroids.StoreTTL); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return fail(StateFailed, wrapCtx(cerr))
		}
		return fail(StateFailed, fmt.Errorf("%w: store centroid %s:%s: %v", fedsearch.ErrUnavailable, tenant, tag, err))
	}

	b.logger.Info("centroid published",
		zap.String("tenant", tenant), zap.String("tag", tag),
		zap.Int("source_count", sample.seen), zap.Int("dimension", len(unit)))
	kr.State = StateIdle
	return kr
}

func (b *Builder) configuredTags() []string {
	b.tagsMu.RLock()
	defer b.tagsMu.RUnlock()
	return append([]string(nil), b.tags...)
}

// ReloadTags swaps the tag list used when Run is called without explicit
// tags. In-flight runs keep the list they started with.
func (b *Builder) ReloadTags(tables []config.TagTable) {
	tags := tagNames(tables)
	b.tagsMu.Lock()
	b.tags = tags
	b.tagsMu.Unlock()
	b.logger.Info("builder tag tables reloaded", zap.Int("tables", len(tables)))
}

func tagNames(tables []config.TagTable) []string {
	tags := make([]string, 0, len(tables))
	for _, tbl := range tables {
		tags = append(tags, tbl.Tag)
	}
	return tags
}

func wrapCtx(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", fedsearch.ErrCancelled, err)
	}
	return err
}

// sampler keeps a uniform sample of at most cap vectors over a stream of
// unknown length (reservoir algorithm R), so one oversized tag cannot blow
// up build memory while every document keeps an equal chance of
// contributing.
type sampler struct {
	cap  int
	seen int
	dim  int
	res  [][]float32
	rng  *rand.Rand
}

func newSampler(capacity int) *sampler {
	return &sampler{
		cap: capacity,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *sampler) add(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: scanned empty embedding", fedsearch.ErrInternal)
	}
	if s.dim == 0 {
		s.dim = len(v)
	} else if len(v) != s.dim {
		return fmt.Errorf("%w: embedding dimension changed mid-scan: %d then %d",
			fedsearch.ErrInternal, s.dim, len(v))
	}
	s.seen++
	if len(s.res) < s.cap {
		s.res = append(s.res, v)
		return nil
	}
	if j := s.rng.Intn(s.seen); j < s.cap {
		s.res[j] = v
	}
	return nil
}

// unitMean is the L2-normalized mean of the sampled vectors.
func (s *sampler) unitMean() ([]float32, bool) {
	if len(s.res) == 0 {
		return nil, false
	}
	sum := make([]float64, s.dim)
	for _, v := range s.res {
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	return vecmath.UnitMean(sum, len(s.res))
}

// keyedLocks hands out one mutex per key.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
