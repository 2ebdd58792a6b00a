package engine

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/hotmem/internal/store"
)

// Rejection explains why a candidate was dropped. The zero value means the
// candidate passed.
type Rejection struct {
	Reason string
}

// Rejected reports whether the candidate was dropped.
func (r Rejection) Rejected() bool { return r.Reason != "" }

// Validator is the local quality gate run before anything reaches the
// store.
type Validator struct {
	MinChars  int     // shorter facts are rejected
	Threshold float64 // word overlap with an existing fact above this rejects
}

var entityStopWords = map[string]bool{"The": true, "This": true, "That": true, "User": true}

const (
	maxEnrichedEntities = 5
	minImportance       = 1
	maxImportance       = 10
)

// Check returns the possibly enriched candidate, or a Rejection.
func (v Validator) Check(c Candidate, existing []string) (Candidate, Rejection) {
	c.Fact = strings.TrimSpace(c.Fact)

	if n := utf8.RuneCountInString(c.Fact); n < v.MinChars {
		return c, Rejection{fmt.Sprintf("fact too short (%d chars < %d)", n, v.MinChars)}
	}
	if strings.HasSuffix(c.Fact, "?") {
		return c, Rejection{"fact is a question, not a statement"}
	}
	if c.badImportance != "" {
		return c, Rejection{fmt.Sprintf("importance %s is not a whole number", c.badImportance)}
	}
	if c.Importance < minImportance || c.Importance > maxImportance {
		return c, Rejection{fmt.Sprintf("importance %d outside %d-%d", c.Importance, minImportance, maxImportance)}
	}
	for _, e := range existing {
		if store.OverlapRatio(c.Fact, e) > v.Threshold {
			return c, Rejection{fmt.Sprintf("too similar to existing: %q", truncate(e, 60))}
		}
	}

	if len(c.Entities) == 0 {
		c.Entities = enrichEntities(c.Fact)
	}
	if len(c.Entities) == 0 {
		cat := c.Category
		if !cat.Valid() {
			cat = store.CategoryGeneral
		}
		c.Entities = []string{string(cat)}
	}
	return c, Rejection{}
}

// enrichEntities picks capitalized words as entity names.
func enrichEntities(fact string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(fact) {
		w = strings.TrimRightFunc(w, func(r rune) bool { return unicode.IsPunct(r) && r != '+' && r != '#' })
		first, _ := utf8.DecodeRuneInString(w)
		if utf8.RuneCountInString(w) < 2 || !unicode.IsUpper(first) || entityStopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxEnrichedEntities {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
