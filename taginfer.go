package fedsearch

import (
	"strings"
	"unicode"

	"github.com/tessera-ai/fedsearch/config"
)

// tagInferencer maps query text to a topic tag by counting keyword
// occurrences. Pure and deterministic: ties resolve to the earliest declared
// table, zero matches resolve to the fallback tag.
type tagInferencer struct {
	entries  []tagEntry
	fallback string
}

type tagEntry struct {
	tag      string
	keywords [][]string // tokenized; multi-word keywords match adjacent tokens
}

func newTagInferencer(tables []config.TagTable, fallback string) *tagInferencer {
	ti := &tagInferencer{fallback: fallback}
	for _, tbl := range tables {
		e := tagEntry{tag: tbl.Tag}
		for _, kw := range tbl.Keywords {
			if toks := tokenize(kw); len(toks) > 0 {
				e.keywords = append(e.keywords, toks)
			}
		}
		ti.entries = append(ti.entries, e)
	}
	return ti
}

// Infer returns the tag whose keywords occur most often in the query.
func (ti *tagInferencer) Infer(query string) string {
	tokens := tokenize(query)
	best := ti.fallback
	bestCount := 0
	for _, e := range ti.entries {
		c := 0
		for _, kw := range e.keywords {
			c += countTokenSeq(tokens, kw)
		}
		if c > bestCount {
			bestCount = c
			best = e.tag
		}
	}
	return best
}

// tokenize lowercases and splits on anything that is not a letter or digit,
// which covers whitespace and the usual punctuation in one pass.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// countTokenSeq counts occurrences of seq as adjacent tokens in tokens.
func countTokenSeq(tokens, seq []string) int {
	if len(seq) == 0 || len(tokens) < len(seq) {
		return 0
	}
	count := 0
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j, w := range seq {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}

// tokenSet is the deduplicated token set used for lexical overlap scoring.
func tokenSet(s string) map[string]struct{} {
	toks := tokenize(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}
