package fedsearch

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tessera-ai/fedsearch/internal/vecmath"
)

// embedTruncateChars caps how much of an ephemeral document is embedded.
// Longer documents still contribute their full text to lexical overlap.
const embedTruncateChars = 1000

// ephemeralScorer scores caller-supplied documents for one request. It never
// fails a batch: a document whose embedding errors falls back to
// priority-plus-overlap scoring on its own.
type ephemeralScorer struct {
	embedder Embedder
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

func (s *ephemeralScorer) score(ctx context.Context, query string, qvec []float32, docs []ExternalDoc) []ExternalHit {
	if len(docs) == 0 {
		return nil
	}
	qTokens := tokenSet(query)

	sims := make([]*float64, len(docs))
	if qvec != nil && s.embedder != nil {
		g, gctx := errgroup.WithContext(ctx)
		for i := range docs {
			i := i
			g.Go(func() error {
				if err := s.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer s.sem.Release(1)
				vec, err := s.embedder.Embed(gctx, truncateRunes(docs[i].Text, embedTruncateChars))
				if err != nil {
					s.logger.Debug("ephemeral doc embedding degraded",
						zap.String("src_id", docs[i].SrcID), zap.Error(err))
					return nil
				}
				unit, ok := vecmath.Normalized(vec)
				if !ok {
					return nil
				}
				sim := vecmath.Dot(qvec, unit)
				sims[i] = &sim
				return nil
			})
		}
		_ = g.Wait()
	}

	hits := make([]ExternalHit, len(docs))
	for i := range docs {
		d := &docs[i]
		base := d.Priority - 0.01*float64(i)
		s1 := max(base, 0.1)
		if sims[i] != nil {
			s1 = 0.7*max(base, 0.1) + 0.3*(*sims[i])
		}
		o := overlap(qTokens, d.Text)
		hits[i] = ExternalHit{
			SrcID:       d.SrcID,
			Score:       clamp01(0.8*s1 + 0.2*o),
			TextOverlap: o,
			Priority:    d.Priority,
			Meta:        d.Meta,
		}
	}

	// Stable sort keeps ascending input order on score ties.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	for i := range hits {
		hits[i].RankInSource = i + 1
	}
	return hits
}

// overlap is |Q ∩ D| / |Q| over lowercased token sets.
func overlap(qTokens map[string]struct{}, docText string) float64 {
	if len(qTokens) == 0 {
		return 0
	}
	dTokens := tokenSet(docText)
	matched := 0
	for tok := range qTokens {
		if _, ok := dTokens[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(qTokens))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// truncateRunes cuts s after n runes without splitting a rune.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i]
		}
		seen++
	}
	return s
}
