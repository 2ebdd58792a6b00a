package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lazypower/hotmem/internal/llm"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/tidwall/gjson"
)

// SourceExtractor tags records created by the pipeline.
const SourceExtractor = "hot-path-extractor"

// Candidate is one fact proposed by the extraction call.
type Candidate struct {
	Fact       string         `json:"fact"`
	Category   store.Category `json:"category"`
	Importance int            `json:"importance"`
	Entities   []string       `json:"entities"`
	Temporal   string         `json:"temporal,omitempty"`

	// badImportance holds the raw value when the response carried an
	// importance that is not a whole number.
	badImportance string
}

// setImportance copies a JSON importance onto c. Anything but a whole
// number is remembered for the validator to reject.
func (c *Candidate) setImportance(v gjson.Result) {
	if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) {
		c.badImportance = v.Raw
		return
	}
	if v.Num < math.MinInt32 || v.Num > math.MaxInt32 {
		c.badImportance = v.Raw
		return
	}
	c.Importance = int(v.Num)
}

// parseCandidates reads {"facts": [...]} from an extraction response.
// A missing or non-array "facts" is an error; individual entries without
// fact text are skipped.
func parseCandidates(content string) ([]Candidate, error) {
	doc, err := llm.ParseObject(content)
	if err != nil {
		return nil, err
	}
	facts := doc.Get("facts")
	if !facts.IsArray() {
		return nil, fmt.Errorf("expected facts array, got %s", facts.Type)
	}

	var out []Candidate
	for _, f := range facts.Array() {
		c := Candidate{
			Fact:       strings.TrimSpace(f.Get("fact").String()),
			Category:   store.Category(strings.ToLower(strings.TrimSpace(f.Get("category").String()))),
			Importance: 5,
			Temporal:   strings.TrimSpace(f.Get("temporal").String()),
		}
		if c.Fact == "" {
			continue
		}
		if imp := f.Get("importance"); imp.Exists() {
			c.setImportance(imp)
		}
		if !c.Category.Valid() {
			c.Category = store.CategoryGeneral
		}
		f.Get("entities").ForEach(func(_, e gjson.Result) bool {
			if s := strings.TrimSpace(e.String()); s != "" && e.Type == gjson.String {
				c.Entities = append(c.Entities, s)
			}
			return true
		})
		out = append(out, c)
	}
	return out, nil
}

// knownFacts renders valid facts as "- fact" lines, stopping before the
// digest would reach maxChars.
func knownFacts(records []store.Record, maxChars int) string {
	var lines []string
	total := 0
	for _, r := range records {
		if !r.Valid() {
			continue
		}
		fact := strings.TrimSpace(r.Fact)
		if fact == "" || total+len(fact) >= maxChars {
			continue
		}
		lines = append(lines, "- "+fact)
		total += len(fact) + 3
	}
	return strings.Join(lines, "\n")
}

// validFacts returns the text of every valid record.
func validFacts(records []store.Record) []string {
	var out []string
	for _, r := range records {
		if r.Valid() {
			out = append(out, r.Fact)
		}
	}
	return out
}

// recentAdditions counts records created after since.
func recentAdditions(records []store.Record, since time.Time) int {
	n := 0
	for _, r := range records {
		if t, ok := store.ParseTime(r.Metadata.CreatedAt); ok && t.After(since) {
			n++
		}
	}
	return n
}

// NewFactMetadata builds metadata for a fact accepted by the pipeline.
func NewFactMetadata(c Candidate, now time.Time, ltmThreshold float64) store.Metadata {
	md := store.NewMetadata(c.Category, c.Importance, SourceExtractor, now)
	md.DecayLayer = store.LayerFor(md.ImportanceNormalized, ltmThreshold)
	if c.Temporal != "" {
		md.TValid = c.Temporal
	}
	if len(c.Entities) > 0 {
		md.Entities = c.Entities
	} else {
		md.Entities = []string{string(md.Category)}
	}
	return md
}
