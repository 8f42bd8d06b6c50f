package fedsearch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tessera-ai/fedsearch/internal/vecmath"
	"github.com/tessera-ai/fedsearch/metrics"
	"github.com/tessera-ai/fedsearch/tracing"
)

// maxSourceLimit caps how many hits each internal source is asked for. The
// fan-out over-fetches relative to k_total so fusion has candidates from
// both lists to work with.
const maxSourceLimit = 50

// Search runs one federated query: validate, embed, personalize, fan out to
// the selected sources, fuse, and return a ranked Result with a trace of
// everything that happened.
//
// Per-source failures degrade: the failed source contributes an empty list
// and a trace note. Search fails outright only when the request is invalid,
// the query cannot be embedded, every selected source failed, or the
// deadline expired.
func (e *Engine) Search(ctx context.Context, req QueryRequest) (*Result, error) {
	started := time.Now()
	if err := validateRequest(&req); err != nil {
		metrics.RecordSearch("invalid", time.Since(started).Seconds())
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "fedsearch.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", req.Tenant),
		attribute.Int("k_total", req.KTotal),
		attribute.Bool("use_internal", req.UseInternal),
		attribute.Int("external_docs", len(req.External)),
	)

	// Callers that bring their own deadline keep it; everyone else gets the
	// configured one so a stuck source cannot hold the request forever.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Engine.RequestDeadline)
		defer cancel()
	}

	var notes []string
	k := req.KTotal
	if maxK := e.cfg.Engine.MaxKTotal; k > maxK {
		notes = append(notes, fmt.Sprintf("k_total clamped from %d to %d", k, maxK))
		k = maxK
	}
	alpha := e.cfg.Engine.DefaultAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	if lo, hi := e.cfg.Engine.MinAlpha, e.cfg.Engine.MaxAlpha; alpha < lo || alpha > hi {
		clamped := alpha
		if clamped < lo {
			clamped = lo
		}
		if clamped > hi {
			clamped = hi
		}
		notes = append(notes, fmt.Sprintf("alpha clamped from %g to %g", alpha, clamped))
		alpha = clamped
	}

	// External-only requests are scored without a query vector, so the
	// embedding service is not touched at all.
	var qvec []float32
	if req.UseInternal {
		vec, err := e.embedQuery(ctx, req.Query)
		if err != nil {
			metrics.RecordSearch(outcomeLabel(err), time.Since(started).Seconds())
			return nil, err
		}
		qvec = vec
	}

	var trace SearchTrace
	searchVec := qvec
	if req.Personalize && req.UseInternal {
		tag := req.Tag
		if tag == "" {
			tag = e.inferencer.Load().Infer(req.Query)
		}
		pctx, pspan := tracing.StartSpan(ctx, "fedsearch.personalize")
		out := e.pers.personalize(pctx, qvec, req.Tenant, tag, alpha)
		pspan.End()

		searchVec = out.vec
		trace.PersonalizationApplied = out.applied
		trace.SimilarityQueryToCentroid = out.sim
		trace.AlphaUsed = alpha
		if out.note != "" {
			notes = append(notes, out.note)
		}
		metrics.RecordPersonalization(out.applied, out.sim)
	}

	vecHits, lexHits, extHits, srcNotes, err := e.fanOut(ctx, &req, searchVec, k)
	if err != nil {
		metrics.RecordSearch(outcomeLabel(err), time.Since(started).Seconds())
		return nil, err
	}
	notes = append(notes, srcNotes...)

	hits := fuse(vecHits, lexHits, extHits, e.cfg.Engine.RRFK, e.cfg.Engine.ExternalBoost, k)
	metrics.FusionCandidates.Observe(float64(len(vecHits) + len(lexHits) + len(extHits)))

	dur := time.Since(started)
	trace.Total = len(hits)
	trace.InternalCount = len(vecHits) + len(lexHits)
	trace.ExternalCount = len(extHits)
	trace.DurationMS = dur.Milliseconds()
	trace.Notes = notes

	degraded := len(notes) > 0
	e.searchStats.record(req.Tenant, trace.PersonalizationApplied, degraded, dur)
	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	metrics.RecordSearch(outcome, dur.Seconds())

	e.logger.Debug("search complete",
		zap.String("tenant", req.Tenant),
		zap.Int("hits", len(hits)),
		zap.Int("internal", trace.InternalCount),
		zap.Int("external", trace.ExternalCount),
		zap.Bool("personalized", trace.PersonalizationApplied),
		zap.Int64("duration_ms", trace.DurationMS),
	)
	return &Result{Hits: hits, Trace: trace}, nil
}

// embedQuery embeds the query text and renormalizes the result. The engine
// does not trust upstream normalization: a zero-norm embedding is rejected
// here rather than producing all-zero similarities downstream.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ectx, span := tracing.StartSpan(ctx, "fedsearch.embed")
	defer span.End()

	vec, err := e.embedder.Embed(ectx, query)
	if err != nil {
		if cerr := ectx.Err(); cerr != nil {
			return nil, classifyCtx(cerr)
		}
		return nil, unavailablef("embed query: %v", err)
	}
	unit, ok := vecmath.Normalized(vec)
	if !ok {
		return nil, invalidf("query embedding has zero norm")
	}
	return unit, nil
}

// fanOut runs the selected sources concurrently and collects their lists.
// Internal source failures are recovered locally into notes; the returned
// error is non-nil only for cancellation or when every selected source
// failed.
func (e *Engine) fanOut(ctx context.Context, req *QueryRequest, searchVec []float32, k int) (vecHits, lexHits []InternalHit, extHits []ExternalHit, notes []string, err error) {
	fctx, span := tracing.StartSpan(ctx, "fedsearch.fanout")
	defer span.End()

	kSearch := 2 * k
	if kSearch > maxSourceLimit {
		kSearch = maxSourceLimit
	}

	var vecErr, lexErr error
	g, gctx := errgroup.WithContext(fctx)

	if req.UseInternal {
		g.Go(func() error {
			if aerr := e.sem.Acquire(gctx, 1); aerr != nil {
				vecErr = aerr
				return nil
			}
			defer e.sem.Release(1)
			t0 := time.Now()
			hits, serr := e.vector.Search(gctx, req.Tenant, searchVec, kSearch, nil)
			metrics.RecordSource("vector", statusLabel(serr), time.Since(t0).Seconds())
			if serr != nil {
				vecErr = serr
				e.logger.Warn("vector search degraded",
					zap.String("tenant", req.Tenant), zap.Error(serr))
				return nil
			}
			vecHits = hits
			return nil
		})
		g.Go(func() error {
			if aerr := e.sem.Acquire(gctx, 1); aerr != nil {
				lexErr = aerr
				return nil
			}
			defer e.sem.Release(1)
			t0 := time.Now()
			hits, serr := e.lexical.Search(gctx, req.Tenant, req.Query, kSearch)
			metrics.RecordSource("lexical", statusLabel(serr), time.Since(t0).Seconds())
			if serr != nil {
				lexErr = serr
				e.logger.Warn("lexical search degraded",
					zap.String("tenant", req.Tenant), zap.Error(serr))
				return nil
			}
			lexHits = hits
			return nil
		})
	}
	if len(req.External) > 0 {
		// The scorer takes semaphore slots for its per-document embeds, so
		// this goroutine must not hold one itself.
		g.Go(func() error {
			t0 := time.Now()
			extHits = e.scorer.score(gctx, req.Query, searchVec, req.External)
			metrics.RecordSource("external", "ok", time.Since(t0).Seconds())
			return nil
		})
	}
	_ = g.Wait()

	if cerr := ctx.Err(); cerr != nil {
		return nil, nil, nil, nil, classifyCtx(cerr)
	}
	if vecErr != nil {
		notes = append(notes, fmt.Sprintf("vector source degraded: %v", vecErr))
	}
	if lexErr != nil {
		notes = append(notes, fmt.Sprintf("lexical source degraded: %v", lexErr))
	}
	if req.UseInternal && vecErr != nil && lexErr != nil && len(req.External) == 0 {
		return nil, nil, nil, nil, unavailablef("all sources failed: vector: %v; lexical: %v", vecErr, lexErr)
	}
	return vecHits, lexHits, extHits, notes, nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// outcomeLabel maps a Search error to its metrics outcome label.
func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
