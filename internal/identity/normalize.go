// Package identity turns listing text into canonical dedupe keys.
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds diacritics, lower-cases and collapses whitespace.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return CollapseSpace(strings.ToLower(folded))
}

// CollapseSpace trims s and replaces every whitespace run with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContainsAny reports whether the normalized text contains any normalized keyword.
// An empty keyword list matches everything.
func ContainsAny(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := Normalize(text)
	for _, kw := range keywords {
		needle := Normalize(kw)
		if needle != "" && strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
