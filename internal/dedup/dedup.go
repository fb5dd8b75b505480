// Package dedup folds raw search results into a unique, freshest article set.
package dedup

import (
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/normalize"
)

// Outcome describes what Fold did with a candidate.
type Outcome int

// Fold outcomes.
const (
	Accepted Outcome = iota
	DuplicateLink
	DuplicateTitle
	Replaced
)

// minSharedTokens is the title-overlap threshold: two titles sharing at least
// this many normalized tokens are considered the same story.
const minSharedTokens = 2

type entry struct {
	article digest.Article
	tokens  map[string]struct{}
}

// State accumulates accepted articles per category. The link set is global
// across categories and is mutated in lock-step with the accepted lists: a
// link is present in the set iff its article is currently accepted somewhere.
type State struct {
	seen     map[string]struct{}
	accepted map[string][]entry
}

// NewState creates an empty State.
func NewState() *State {
	return &State{
		seen:     make(map[string]struct{}),
		accepted: make(map[string][]entry),
	}
}

// Fold merges one candidate into the state. A URL-exact duplicate is dropped
// regardless of category. Title similarity is compared against the accepted
// articles of the candidate's own category; a strictly newer candidate evicts
// the incumbent, a tie keeps it.
func (s *State) Fold(category string, candidate digest.Article) Outcome {
	if _, dup := s.seen[candidate.Link]; dup {
		return DuplicateLink
	}

	tokens := normalize.TokenSet(candidate.Title)
	entries := s.accepted[category]
	for i, e := range entries {
		if sharedTokens(tokens, e.tokens) < minSharedTokens {
			continue
		}
		if !candidate.PublishedAt.After(e.article.PublishedAt) {
			return DuplicateTitle
		}
		delete(s.seen, e.article.Link)
		s.accepted[category] = append(entries[:i], entries[i+1:]...)
		s.accept(category, candidate, tokens)
		return Replaced
	}

	s.accept(category, candidate, tokens)
	return Accepted
}

func (s *State) accept(category string, a digest.Article, tokens map[string]struct{}) {
	s.seen[a.Link] = struct{}{}
	s.accepted[category] = append(s.accepted[category], entry{article: a, tokens: tokens})
}

// Articles returns the accepted articles of one category in fold order.
func (s *State) Articles(category string) []digest.Article {
	entries := s.accepted[category]
	out := make([]digest.Article, len(entries))
	for i, e := range entries {
		out[i] = e.article
	}
	return out
}

// Len reports the total number of accepted articles across all categories.
func (s *State) Len() int {
	n := 0
	for _, entries := range s.accepted {
		n += len(entries)
	}
	return n
}

// Seen reports whether a link is currently accepted.
func (s *State) Seen(link string) bool {
	_, ok := s.seen[link]
	return ok
}

func sharedTokens(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}
