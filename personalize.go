package fedsearch

import (
	"context"

	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch/internal/vecmath"
)

// personalizeOutcome carries everything the trace needs from one attempt.
// vec always holds a usable query vector: the blended one when applied, the
// caller's untouched input otherwise.
type personalizeOutcome struct {
	vec     []float32
	applied bool
	sim     *float64
	note    string
}

// personalizer blends a query embedding with the tenant's tag centroid.
// Every failure path degrades to the unpersonalized vector; the engine never
// loses a search to a centroid problem.
type personalizer struct {
	cache  *centroidCache
	logger *zap.Logger
}

func (p *personalizer) personalize(ctx context.Context, q []float32, tenant, tag string, alpha float64) personalizeOutcome {
	c, found, err := p.cache.get(ctx, tenant, tag)
	if err != nil {
		p.logger.Warn("centroid fetch degraded",
			zap.String("tenant", tenant), zap.String("tag", tag), zap.Error(err))
		return personalizeOutcome{vec: q, note: "centroid fetch degraded, personalization skipped"}
	}
	if !found {
		return personalizeOutcome{vec: q}
	}
	if len(c.Vector) != len(q) {
		p.logger.Warn("centroid dimension mismatch",
			zap.String("tenant", tenant), zap.String("tag", tag),
			zap.Int("centroid_dim", len(c.Vector)), zap.Int("query_dim", len(q)))
		return personalizeOutcome{vec: q, note: "centroid dimension mismatch, personalization skipped"}
	}

	sim := vecmath.Dot(q, c.Vector)
	if alpha == 0 {
		// blending with alpha 0 must return q bit-for-bit
		return personalizeOutcome{vec: q, applied: true, sim: &sim}
	}
	unit, ok := vecmath.Normalized(vecmath.Blend(q, c.Vector, alpha))
	if !ok {
		return personalizeOutcome{vec: q, sim: &sim, note: "personalization skipped: degenerate blend"}
	}
	return personalizeOutcome{vec: unit, applied: true, sim: &sim}
}
