// Package normalize strips markup from article text and tokenizes titles
// for similarity comparison.
package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strict = bluemonday.StrictPolicy()

	bracketed     = regexp.MustCompile(`\[[^\]]*\]`)
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// Clean removes markup tags, the common feed entities, and bracketed or
// parenthetical asides, then collapses whitespace. Applying Clean to already
// clean text is a no-op.
func Clean(raw string) string {
	s := strict.Sanitize(raw)
	// Stray angle-bracket entities are dropped outright; the rest decode.
	s = strings.ReplaceAll(s, "&lt;", "")
	s = strings.ReplaceAll(s, "&gt;", "")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#34;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	// The sanitizer decodes &nbsp; to U+00A0, which \s does not match.
	s = strings.ReplaceAll(s, " ", " ")
	s = bracketed.ReplaceAllString(s, "")
	s = parenthetical.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Tokens cleans text and splits it into whitespace-delimited tokens of at
// least two runes. Single-rune particles carry no similarity signal.
func Tokens(text string) []string {
	fields := strings.Fields(Clean(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TokenSet returns the deduplicated token set for text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokens(text) {
		set[tok] = struct{}{}
	}
	return set
}
