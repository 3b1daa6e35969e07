// Package normalize canonicalizes payee names for exclusion matching,
// supplier lookup and classifier prompt hygiene. The transform is pure and
// deterministic: same input, same output.
package normalize

import (
	"strings"

	"golang.org/x/text/cases"
)

var folder = cases.Fold()

// punctuation stripped from names before tokenization.
const punctuation = `.,;:!?'"()-`

// stopTokens are corporate suffixes and articles removed as whole words.
// Order matters only for documentation; removal is set-based.
var stopTokens = map[string]struct{}{
	"llc": {}, "inc": {}, "corp": {}, "co": {}, "ltd": {}, "lp": {},
	"llp": {}, "corporation": {}, "incorporated": {}, "company": {},
	"limited": {}, "the": {}, "a": {}, "an": {},
}

// Name canonicalizes a raw payee name: Unicode casefold, trim, whitespace
// collapse, punctuation strip, corporate-suffix and article removal.
// Idempotent: Name(Name(x)) == Name(x).
func Name(raw string) string {
	s := folder.String(raw)
	s = strings.TrimSpace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(punctuation, r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}

	fields := strings.Fields(b.String())
	kept := fields[:0]
	for _, f := range fields {
		if _, drop := stopTokens[f]; drop {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// Tokens returns the whitespace-separated tokens of the normalized name.
func Tokens(raw string) []string {
	return strings.Fields(Name(raw))
}
