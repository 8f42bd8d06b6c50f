package fedsearch

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Hard limits on ephemeral document batches. These bound per-request memory
// and embedding cost before any I/O happens.
const (
	maxExternalDocs      = 50
	maxExternalDocChars  = 50000
	maxExternalBatchChar = 500000
)

// validateRequest enforces the QueryRequest invariants. It runs before any
// I/O and returns ErrInvalidArgument with the first violation found. KTotal
// clamping to the configured maximum is not done here; the search path clamps
// and records it in the trace.
func validateRequest(req *QueryRequest) error {
	if strings.TrimSpace(req.Tenant) == "" {
		return invalidf("tenant is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return invalidf("query text is required")
	}
	if req.KTotal <= 0 {
		return invalidf("k_total must be >= 1, got %d", req.KTotal)
	}
	if a := req.Alpha; a != nil {
		if math.IsNaN(*a) || *a < 0 || *a > 1 {
			return invalidf("alpha must be in [0,1], got %v", *a)
		}
	}
	if !req.UseInternal && len(req.External) == 0 {
		return invalidf("request selects no source: use_internal is false and no external docs given")
	}
	return validateExternal(req.External)
}

func validateExternal(docs []ExternalDoc) error {
	if len(docs) == 0 {
		return nil
	}
	if len(docs) > maxExternalDocs {
		return invalidf("too many external docs: %d > %d", len(docs), maxExternalDocs)
	}
	seen := make(map[string]struct{}, len(docs))
	total := 0
	for i := range docs {
		d := &docs[i]
		if d.SrcID == "" {
			return invalidf("external doc %d: src_id is required", i)
		}
		if _, dup := seen[d.SrcID]; dup {
			return invalidf("duplicate external src_id %q", d.SrcID)
		}
		seen[d.SrcID] = struct{}{}
		n := utf8.RuneCountInString(d.Text)
		if n == 0 {
			return invalidf("external doc %q: text is empty", d.SrcID)
		}
		if n > maxExternalDocChars {
			return invalidf("external doc %q: text length %d > %d", d.SrcID, n, maxExternalDocChars)
		}
		total += n
		if math.IsNaN(d.Priority) || d.Priority < 0 || d.Priority > 1 {
			return invalidf("external doc %q: priority must be in [0,1], got %v", d.SrcID, d.Priority)
		}
	}
	if total > maxExternalBatchChar {
		return invalidf("external batch too large: %d chars > %d", total, maxExternalBatchChar)
	}
	return nil
}
