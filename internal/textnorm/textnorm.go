// Package textnorm folds free text into comparable keyword signatures.
//
// Descriptions arrive in Portuguese and English, with or without accents
// ("não respondeu" and "nao respondeu" must match the same rule), so every
// comparison in the rule base goes through Normalize and Tokens.
package textnorm

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize decomposes s, strips combining marks, recomposes and lower-cases.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		// Only reachable on invalid transformer state; fall back to the input.
		out = s
	}
	return strings.ToLower(out)
}

// Tokens splits normalized text on anything that is not a letter or digit.
func Tokens(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Signature returns the sorted, de-duplicated token set of s.
func Signature(s string) []string {
	toks := Tokens(s)
	slices.Sort(toks)
	return slices.Compact(toks)
}

// Set is a token membership set.
type Set map[string]bool

// NewSet builds a Set from the tokens of every input string.
func NewSet(parts ...string) Set {
	set := make(Set)
	for _, p := range parts {
		for _, tok := range Tokens(p) {
			set[tok] = true
		}
	}
	return set
}

// ContainsPhrase reports whether every token of phrase is in the set.
// An empty phrase never matches.
func (s Set) ContainsPhrase(phrase string) bool {
	toks := Tokens(phrase)
	if len(toks) == 0 {
		return false
	}
	for _, tok := range toks {
		if !s[tok] {
			return false
		}
	}
	return true
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for tok := range s {
		out = append(out, tok)
	}
	slices.Sort(out)
	return out
}
