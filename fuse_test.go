package fedsearch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseSumsContributionsAcrossSources(t *testing.T) {
	vector := []InternalHit{
		{DocID: "shared", Score: 0.9, Source: OriginVector, RankInSource: 1},
		{DocID: "v-only", Score: 0.8, Source: OriginVector, RankInSource: 2},
	}
	lexical := []InternalHit{
		{DocID: "shared", Score: 0.7, Source: OriginLexical, RankInSource: 1},
	}

	hits := fuse(vector, lexical, nil, 60, 1.2, 10)
	require.Len(t, hits, 2)

	top := hits[0]
	assert.Equal(t, "shared", top.ID)
	assert.Equal(t, OriginVector, top.Origin)
	assert.InDelta(t, 1.0/61+1.0/61, top.FusedScore, 1e-12)
	require.Len(t, top.Contributions, 2)
	assert.Equal(t, OriginVector, top.Contributions[0].Source)
	assert.Equal(t, 1, top.Contributions[0].Rank)
	assert.InDelta(t, 1.0/61, top.Contributions[0].RRFTerm, 1e-12)
	assert.Equal(t, OriginLexical, top.Contributions[1].Source)

	assert.Equal(t, "v-only", hits[1].ID)
	require.Len(t, hits[1].Contributions, 1)
	assert.InDelta(t, 1.0/62, hits[1].FusedScore, 1e-12)
}

func TestFuseExternalBoostAndAttribution(t *testing.T) {
	external := []ExternalHit{
		{SrcID: "ext", Score: 0.5, RankInSource: 1, Priority: 0.6},
	}
	hits := fuse(nil, nil, external, 60, 1.2, 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "ext", hits[0].ID)
	assert.Equal(t, OriginExternal, hits[0].Origin)
	assert.InDelta(t, 0.6, hits[0].FusedScore, 1e-12)
	require.Len(t, hits[0].Contributions, 1)
	assert.Equal(t, 1, hits[0].Contributions[0].Rank)
	assert.InDelta(t, 0.6, hits[0].Contributions[0].RRFTerm, 1e-12)
}

func TestFuseTieBreakOrderIsExternalVectorLexical(t *testing.T) {
	// Boost 1 and an external score of exactly 1/61 produce a three-way tie
	// with the two rank-1 internal hits.
	vector := []InternalHit{{DocID: "vec", RankInSource: 1, Source: OriginVector}}
	lexical := []InternalHit{{DocID: "lex", RankInSource: 1, Source: OriginLexical}}
	external := []ExternalHit{{SrcID: "ext", Score: 1.0 / 61, RankInSource: 1}}

	hits := fuse(vector, lexical, external, 60, 1.0, 10)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"ext", "vec", "lex"},
		[]string{hits[0].ID, hits[1].ID, hits[2].ID})
}

func TestFuseTieBreakFallsBackToID(t *testing.T) {
	vector := []InternalHit{
		{DocID: "bravo", RankInSource: 1, Source: OriginVector},
		{DocID: "alfa", RankInSource: 2, Source: OriginVector},
	}
	lexical := []InternalHit{
		{DocID: "alfa", RankInSource: 1, Source: OriginLexical},
		{DocID: "bravo", RankInSource: 2, Source: OriginLexical},
	}

	hits := fuse(vector, lexical, nil, 60, 1.2, 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "alfa", hits[0].ID)
	assert.Equal(t, "bravo", hits[1].ID)
	assert.Equal(t, hits[0].FusedScore, hits[1].FusedScore)
}

func TestFuseTruncatesAndRanksSequentially(t *testing.T) {
	vector := rankedHits(OriginVector, "a", "b", "c")
	lexical := rankedHits(OriginLexical, "d", "e")

	hits := fuse(vector, lexical, nil, 60, 1.2, 3)
	require.Len(t, hits, 3)
	for i, h := range hits {
		assert.Equal(t, i+1, h.FinalRank)
	}
	// Best ranks from each list survive truncation.
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "d", hits[1].ID)
}

func TestFuseCollidingExternalStaysSeparateCandidate(t *testing.T) {
	vector := []InternalHit{{DocID: "doc-1", RankInSource: 1, Source: OriginVector}}
	external := []ExternalHit{{SrcID: "doc-1", Score: 0.9, RankInSource: 1}}

	hits := fuse(vector, nil, external, 60, 1.2, 10)
	require.Len(t, hits, 2)
	assert.Equal(t, OriginExternal, hits[0].Origin)
	assert.Equal(t, OriginVector, hits[1].Origin)
	for _, h := range hits {
		assert.Equal(t, "doc-1", h.ID)
		assert.Len(t, h.Contributions, 1)
	}
}

func TestFuseEmptySources(t *testing.T) {
	assert.Empty(t, fuse(nil, nil, nil, 60, 1.2, 10))
}
