package ingest

import (
	"sort"
	"strings"
	"unicode"

	"rnastate/pkg/domain"
)

var identifierTokens = map[string]struct{}{
	"id":         {},
	"ids":        {},
	"identifier": {},
	"subject":    {},
	"donor":      {},
	"name":       {},
	"barcode":    {},
	"patient":    {},
}

// identifierFragments mark a column when they appear anywhere in a word
// (surname, filename, individual_code).
var identifierFragments = []string{"subject", "donor", "identifier", "name", "individual", "patient"}

// isIdentifierColumn reports whether a side-table column could link a sample
// back to a person or a specimen label. Column names are split into words on
// punctuation and camel case; a word matching a known identifier term,
// containing an identifier fragment, or ending in "id" (sampleid, cellid)
// marks the column.
func isIdentifierColumn(name string) bool {
	for _, tok := range splitWords(name) {
		if _, ok := identifierTokens[tok]; ok {
			return true
		}
		if len(tok) > 2 && strings.HasSuffix(tok, "id") {
			return true
		}
		for _, frag := range identifierFragments {
			if strings.Contains(tok, frag) {
				return true
			}
		}
	}
	return false
}

func splitWords(name string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

// dropIdentifierColumns removes identifier-like columns in place and returns
// the removed names sorted.
func dropIdentifierColumns(ann domain.Annotations) []string {
	var dropped []string
	for col := range ann {
		if isIdentifierColumn(col) {
			dropped = append(dropped, col)
			delete(ann, col)
		}
	}
	sort.Strings(dropped)
	return dropped
}
