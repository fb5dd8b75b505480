package search

import (
	"strings"
	"unicode/utf8"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
)

// Filter rejects off-topic and spam-shaped articles after the recency filter.
// All rules are configuration driven; empty rule lists disable them.
type Filter struct {
	exclude  []string
	required []string
	titleMin int
	titleMax int
	ratio    float64
}

// NewFilter builds a Filter from configuration, lowercasing keyword lists once.
func NewFilter(cfg config.FilterConfig) Filter {
	return Filter{
		exclude:  lowerAll(cfg.ExcludeKeywords),
		required: lowerAll(cfg.RequiredKeywords),
		titleMin: cfg.TitleMinRunes,
		titleMax: cfg.TitleMaxRunes,
		ratio:    cfg.UniqueWordRatio,
	}
}

// Admit reports whether the article passes every rule; on rejection it names
// the rule that fired.
func (f Filter) Admit(a digest.Article) (string, bool) {
	content := strings.ToLower(a.Title + " " + a.Description)

	for _, kw := range f.exclude {
		if strings.Contains(content, kw) {
			return "excluded:" + kw, false
		}
	}

	if len(f.required) > 0 {
		found := false
		for _, kw := range f.required {
			if strings.Contains(content, kw) {
				found = true
				break
			}
		}
		if !found {
			return "no_required_keyword", false
		}
	}

	titleLen := utf8.RuneCountInString(a.Title)
	if f.titleMin > 0 && titleLen < f.titleMin {
		return "title_too_short", false
	}
	if f.titleMax > 0 && titleLen > f.titleMax {
		return "title_too_long", false
	}

	// A high share of repeated words marks keyword-stuffed spam titles.
	if f.ratio > 0 {
		words := make([]string, 0, 8)
		for _, w := range strings.Fields(a.Title) {
			if utf8.RuneCountInString(w) > 1 {
				words = append(words, w)
			}
		}
		if len(words) > 0 {
			unique := make(map[string]struct{}, len(words))
			for _, w := range words {
				unique[w] = struct{}{}
			}
			if float64(len(unique))/float64(len(words)) < f.ratio {
				return "repeated_words", false
			}
		}
	}

	return "", true
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
