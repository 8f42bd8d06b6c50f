package fedsearch

import "sort"

// fuseCandidate is a document during fusion, before final ranks exist.
type fuseCandidate struct {
	id       string
	origin   Origin
	eff      float64
	contribs []Contribution
}

// originRank orders tied candidates: external evidence is explicit caller
// input, then vector, then lexical.
func originRank(o Origin) int {
	switch o {
	case OriginExternal:
		return 0
	case OriginVector:
		return 1
	default:
		return 2
	}
}

// fuse merges the ranked source lists into one total order. Internal lists
// are combined with Reciprocal Rank Fusion; external hits enter with their
// ephemeral score times boost. Empty sources are simply absent. A document
// present in both internal sources contributes one candidate with summed RRF
// terms; an external src_id colliding with an internal doc_id stays a
// separate candidate so caller-supplied evidence remains attributable.
func fuse(vector, lexical []InternalHit, external []ExternalHit, kRRF int, boost float64, kTotal int) []ScoredHit {
	internal := make(map[string]*fuseCandidate, len(vector)+len(lexical))
	order := make([]string, 0, len(vector)+len(lexical))

	add := func(hits []InternalHit, src Origin) {
		for i := range hits {
			h := &hits[i]
			term := 1.0 / float64(kRRF+h.RankInSource)
			c, ok := internal[h.DocID]
			if !ok {
				c = &fuseCandidate{id: h.DocID, origin: src}
				internal[h.DocID] = c
				order = append(order, h.DocID)
			}
			c.eff += term
			c.contribs = append(c.contribs, Contribution{
				Source:  src,
				Rank:    h.RankInSource,
				RRFTerm: term,
			})
		}
	}
	add(vector, OriginVector)
	add(lexical, OriginLexical)

	candidates := make([]fuseCandidate, 0, len(order)+len(external))
	for _, id := range order {
		candidates = append(candidates, *internal[id])
	}
	for i := range external {
		h := &external[i]
		eff := h.Score * boost
		candidates = append(candidates, fuseCandidate{
			id:     h.SrcID,
			origin: OriginExternal,
			eff:    eff,
			contribs: []Contribution{{
				Source:  OriginExternal,
				Rank:    h.RankInSource,
				RRFTerm: eff,
			}},
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.eff != b.eff {
			return a.eff > b.eff
		}
		if pa, pb := originRank(a.origin), originRank(b.origin); pa != pb {
			return pa < pb
		}
		return a.id < b.id
	})

	if kTotal > 0 && len(candidates) > kTotal {
		candidates = candidates[:kTotal]
	}

	hits := make([]ScoredHit, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		hits[i] = ScoredHit{
			ID:            c.id,
			Origin:        c.origin,
			FusedScore:    c.eff,
			FinalRank:     i + 1,
			Contributions: c.contribs,
		}
	}
	return hits
}
