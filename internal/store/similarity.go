package store

import (
	"sort"
	"strings"
	"unicode"
)

// Words returns the set of lower-cased alphanumeric tokens in s.
func Words(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func intersect(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// OverlapRatio is |a∩b| divided by the size of the smaller set.
func OverlapRatio(a, b string) float64 {
	wa, wb := Words(a), Words(b)
	smaller := min(len(wa), len(wb))
	if smaller == 0 {
		return 0
	}
	return float64(intersect(wa, wb)) / float64(smaller)
}

// QueryCoverage is |q∩f| / |q|, capped at 1.
func QueryCoverage(query, fact string) float64 {
	wq := Words(query)
	if len(wq) == 0 {
		return 0
	}
	return min(1, float64(intersect(wq, Words(fact)))/float64(len(wq)))
}

// Match is a record found by SearchText.
type Match struct {
	Record Record
	Score  float64
}

// SearchText finds valid records that contain or are contained in query
// (score 1), or that cover at least threshold of the query's words.
func SearchText(records []Record, query string, threshold float64, limit int) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Match
	for _, r := range records {
		if !r.Valid() || strings.TrimSpace(r.Fact) == "" {
			continue
		}
		f := strings.ToLower(r.Fact)
		score := 1.0
		if !strings.Contains(f, q) && !strings.Contains(q, f) {
			score = QueryCoverage(q, f)
			if score == 0 || score < threshold {
				continue
			}
		}
		out = append(out, Match{Record: r, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
