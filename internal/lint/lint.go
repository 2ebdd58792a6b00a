// Package lint checks the quality of stored records and repairs what can be
// repaired without judgment.
//
// Checks read the raw record documents rather than the typed view, so a
// field that is present with the wrong type is reported as such instead of
// looking like a zero value.
package lint

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Check names, in report order.
const (
	CheckDuplicate            = "duplicate"
	CheckMetadataCompleteness = "metadata_completeness"
	CheckImportanceSanity     = "importance_sanity"
	CheckTemporalValidity     = "temporal_validity"
	CheckFactQuality          = "fact_quality"
	CheckStaleness            = "staleness"
	CheckCategoryValidity     = "category_validity"
)

// CheckNames lists every check in the order they run.
var CheckNames = []string{
	CheckDuplicate,
	CheckMetadataCompleteness,
	CheckImportanceSanity,
	CheckTemporalValidity,
	CheckFactQuality,
	CheckStaleness,
	CheckCategoryValidity,
}

// Exit codes for automation.
const (
	ExitClean    = 0
	ExitWarnings = 1
	ExitCritical = 2
)

// Issue is one finding.
type Issue struct {
	Check       string  `json:"check"`
	Index       int     `json:"index"`
	Indices     []int   `json:"indices,omitempty"`
	Field       string  `json:"field,omitempty"`
	Overlap     float64 `json:"overlap,omitempty"`
	Description string  `json:"description"`
}

// CheckResult is the pass/fail state of one check.
type CheckResult struct {
	Pass       bool `json:"pass"`
	IssueCount int  `json:"issue_count"`
}

// Summary totals a lint pass.
type Summary struct {
	TotalMemories int    `json:"total_memories"`
	TotalIssues   int    `json:"total_issues"`
	ChecksPassed  int    `json:"checks_passed"`
	ChecksTotal   int    `json:"checks_total"`
	CorruptLines  int    `json:"corrupt_lines,omitempty"`
	Critical      string `json:"critical,omitempty"`
	Overall       string `json:"overall"`
}

// Report is the full lint output.
type Report struct {
	Summary   Summary                `json:"summary"`
	Checks    map[string]CheckResult `json:"checks"`
	Issues    []Issue                `json:"issues"`
	AutoFix   []string               `json:"auto_fix,omitempty"`
	PostFix   *Summary               `json:"post_fix_summary,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ExitCode maps the report to 0 clean, 1 warnings, 2 critical. After a fix
// the post-fix summary decides.
func (r Report) ExitCode() int {
	if r.Summary.Critical != "" {
		return ExitCritical
	}
	s := r.Summary
	if r.PostFix != nil {
		s = *r.PostFix
	}
	if s.TotalIssues > 0 || s.CorruptLines > 0 {
		return ExitWarnings
	}
	return ExitClean
}

// Linter holds the check thresholds.
type Linter struct {
	DuplicateThreshold float64
	MinFactChars       int
	StaleAfter         time.Duration
	Now                func() time.Time
}

// New returns a Linter configured from cfg.
func New(cfg *config.Config) Linter {
	return Linter{
		DuplicateThreshold: cfg.Thresholds.Lint,
		MinFactChars:       cfg.Lint.MinFactChars,
		StaleAfter:         time.Duration(cfg.Lint.StaleDays) * 24 * time.Hour,
		Now:                time.Now,
	}
}

func (l Linter) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

type checkFunc func(l Linter, records []store.Record) []Issue

var checks = map[string]checkFunc{
	CheckDuplicate:            checkDuplicates,
	CheckMetadataCompleteness: checkMetadata,
	CheckImportanceSanity:     checkImportance,
	CheckTemporalValidity:     checkTemporal,
	CheckFactQuality:          checkFactQuality,
	CheckStaleness:            checkStaleness,
	CheckCategoryValidity:     checkCategory,
}

// Check runs every check over records.
func (l Linter) Check(records []store.Record) Report {
	rep := Report{
		Checks:    make(map[string]CheckResult, len(CheckNames)),
		Issues:    []Issue{},
		Timestamp: l.now().UTC(),
	}
	for _, name := range CheckNames {
		issues := checks[name](l, records)
		rep.Checks[name] = CheckResult{Pass: len(issues) == 0, IssueCount: len(issues)}
		rep.Issues = append(rep.Issues, issues...)
		if len(issues) == 0 {
			rep.Summary.ChecksPassed++
		}
	}
	rep.Summary.TotalMemories = len(records)
	rep.Summary.TotalIssues = len(rep.Issues)
	rep.Summary.ChecksTotal = len(CheckNames)
	rep.Summary.Overall = overall(rep.Summary)
	return rep
}

func overall(s Summary) string {
	switch {
	case s.Critical != "":
		return "critical"
	case s.TotalIssues > 0 || s.CorruptLines > 0:
		return "fail"
	}
	return "pass"
}

// Lint checks the store and, with fix, repairs it and re-checks. A store
// that is missing, oversized or unreadable yields a critical report, not an
// error; the error return is for a failed repair.
func (l Linter) Lint(ctx context.Context, st *store.Store, fix bool) (Report, error) {
	res, err := st.Scan()
	var critical string
	switch {
	case err != nil:
		critical = fmt.Sprintf("store unreadable: %v", err)
	case !res.Exists:
		critical = "store file not found: " + st.Path()
	case res.Oversized:
		critical = fmt.Sprintf("store file too large (%d bytes)", res.Size)
	}
	if critical != "" {
		rep := l.Check(nil)
		rep.Summary.Critical = critical
		rep.Summary.Overall = overall(rep.Summary)
		log.Error().Str("reason", critical).Msg("lint_critical")
		return rep, nil
	}

	rep := l.Check(res.Records)
	rep.Summary.CorruptLines = res.Corrupt
	rep.Summary.Overall = overall(rep.Summary)
	log.Info().Int("records", len(res.Records)).Int("issues", rep.Summary.TotalIssues).Msg("lint_complete")

	if !fix || rep.Summary.TotalIssues == 0 {
		return rep, nil
	}
	actions, fixed, err := l.Fix(ctx, st)
	if err != nil {
		return rep, err
	}
	rep.AutoFix = actions
	post := l.Check(fixed).Summary
	rep.PostFix = &post
	return rep, nil
}

func raw(r store.Record, path string) gjson.Result {
	return r.Raw().Get(path)
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= 60 {
		return s
	}
	return string([]rune(s)[:60]) + "..."
}

func checkDuplicates(l Linter, records []store.Record) []Issue {
	type active struct {
		index int
		fact  string
	}
	var facts []active
	for i, r := range records {
		if r.Valid() {
			facts = append(facts, active{i, r.Fact})
		}
	}
	var issues []Issue
	for a := 0; a < len(facts); a++ {
		for b := a + 1; b < len(facts); b++ {
			ratio := store.OverlapRatio(facts[a].fact, facts[b].fact)
			if ratio < l.DuplicateThreshold || ratio == 0 {
				continue
			}
			ia, ib := facts[a].index, facts[b].index
			issues = append(issues, Issue{
				Check:   CheckDuplicate,
				Index:   ia,
				Indices: []int{ia, ib},
				Overlap: math.Round(ratio*100) / 100,
				Description: fmt.Sprintf("Likely duplicate (overlap=%.0f%%): [%d] %q vs [%d] %q",
					ratio*100, ia, preview(facts[a].fact), ib, preview(facts[b].fact)),
			})
		}
	}
	return issues
}

type requirement struct {
	field string
	kind  string
	ok    func(gjson.Result) bool
}

func isInteger(v gjson.Result) bool {
	return v.Type == gjson.Number && v.Num == math.Trunc(v.Num) && !strings.ContainsAny(v.Raw, ".eE")
}

var required = []requirement{
	{"category", "string", func(v gjson.Result) bool { return v.Type == gjson.String }},
	{"importance", "integer", isInteger},
	{"created_at", "string", func(v gjson.Result) bool { return v.Type == gjson.String }},
	{"decay_strength", "number", func(v gjson.Result) bool { return v.Type == gjson.Number }},
	{"source", "string", func(v gjson.Result) bool { return v.Type == gjson.String }},
	{"entities", "array", func(v gjson.Result) bool { return v.IsArray() }},
}

func typeName(v gjson.Result) string {
	switch {
	case v.IsArray():
		return "array"
	case v.IsObject():
		return "object"
	}
	switch v.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "bool"
	}
	return "null"
}

func checkMetadata(_ Linter, records []store.Record) []Issue {
	var issues []Issue
	for i, r := range records {
		md := raw(r, "metadata")
		for _, req := range required {
			v := md.Get(req.field)
			switch {
			case !v.Exists():
				issues = append(issues, Issue{Check: CheckMetadataCompleteness, Index: i, Field: req.field,
					Description: fmt.Sprintf("[%d] Missing required metadata field: %s", i, req.field)})
			case !req.ok(v):
				issues = append(issues, Issue{Check: CheckMetadataCompleteness, Index: i, Field: req.field,
					Description: fmt.Sprintf("[%d] Field %q has wrong type: expected %s, got %s", i, req.field, req.kind, typeName(v))})
			}
		}
		if e := md.Get("entities"); e.IsArray() && len(e.Array()) == 0 {
			issues = append(issues, Issue{Check: CheckMetadataCompleteness, Index: i, Field: "entities",
				Description: fmt.Sprintf("[%d] entities list is empty", i)})
		}
	}
	return issues
}

func checkImportance(_ Linter, records []store.Record) []Issue {
	var issues []Issue
	for i, r := range records {
		imp := raw(r, "metadata.importance")
		if !imp.Exists() || imp.Type == gjson.Null {
			continue
		}
		if !isInteger(imp) || imp.Int() < 1 || imp.Int() > 10 {
			issues = append(issues, Issue{Check: CheckImportanceSanity, Index: i,
				Description: fmt.Sprintf("[%d] importance must be integer 1-10, got: %s", i, imp.Raw)})
			continue
		}
		want := store.NormalizeImportance(int(imp.Int()))
		norm := raw(r, "metadata.importance_normalized")
		if !norm.Exists() || norm.Type == gjson.Null {
			continue
		}
		if norm.Type != gjson.Number || norm.Num != want {
			issues = append(issues, Issue{Check: CheckImportanceSanity, Index: i,
				Description: fmt.Sprintf("[%d] importance_normalized mismatch: expected %v, got %s", i, want, norm.Raw)})
		}
	}
	return issues
}

func validTime(v gjson.Result) bool {
	if v.Type != gjson.String {
		return false
	}
	_, ok := store.ParseTime(v.String())
	return ok
}

func checkTemporal(_ Linter, records []store.Record) []Issue {
	var issues []Issue
	for i, r := range records {
		for _, key := range []string{"t_valid", "t_invalid"} {
			v := raw(r, "metadata."+key)
			if !v.Exists() || v.Type == gjson.Null || validTime(v) {
				continue
			}
			issues = append(issues, Issue{Check: CheckTemporalValidity, Index: i, Field: key,
				Description: fmt.Sprintf("[%d] %s is not null or a valid ISO datetime: %s", i, key, v.Raw)})
		}
	}
	return issues
}

func hasCapitalized(fact string) bool {
	for _, w := range strings.Fields(fact) {
		first, _ := utf8.DecodeRuneInString(w)
		if unicode.IsLetter(first) && unicode.IsUpper(first) {
			return true
		}
	}
	return false
}

func checkFactQuality(l Linter, records []store.Record) []Issue {
	var issues []Issue
	for i, r := range records {
		fact := raw(r, "fact").String()
		n := utf8.RuneCountInString(fact)
		if n < l.MinFactChars {
			issues = append(issues, Issue{Check: CheckFactQuality, Index: i,
				Description: fmt.Sprintf("[%d] Fact too short (%d chars, min %d): %q", i, n, l.MinFactChars, fact)})
		}
		if strings.HasSuffix(strings.TrimRightFunc(fact, unicode.IsSpace), "?") {
			issues = append(issues, Issue{Check: CheckFactQuality, Index: i,
				Description: fmt.Sprintf("[%d] Fact is a question: %q", i, preview(fact))})
		}
		if n >= l.MinFactChars && !hasCapitalized(fact) {
			issues = append(issues, Issue{Check: CheckFactQuality, Index: i,
				Description: fmt.Sprintf("[%d] Fact has no capitalized word (entity indicator): %q", i, preview(fact))})
		}
	}
	return issues
}

func checkStaleness(l Linter, records []store.Record) []Issue {
	now := l.now()
	var issues []Issue
	for i, r := range records {
		if !r.Valid() {
			continue
		}
		if ac := raw(r, "metadata.access_count"); ac.Exists() && (ac.Type != gjson.Number || ac.Num != 0) {
			continue
		}
		created, ok := store.ParseTime(raw(r, "metadata.created_at").String())
		if !ok || now.Sub(created) <= l.StaleAfter {
			continue
		}
		days := int(now.Sub(created).Hours() / 24)
		issues = append(issues, Issue{Check: CheckStaleness, Index: i,
			Description: fmt.Sprintf("[%d] Stale memory: %d days old, never accessed: %q", i, days, preview(r.Fact))})
	}
	return issues
}

func checkCategory(_ Linter, records []store.Record) []Issue {
	var issues []Issue
	for i, r := range records {
		c := raw(r, "metadata.category")
		if !c.Exists() || c.Type == gjson.Null {
			continue
		}
		if c.Type == gjson.String && store.Category(c.String()).Valid() {
			continue
		}
		issues = append(issues, Issue{Check: CheckCategoryValidity, Index: i, Field: "category",
			Description: fmt.Sprintf("[%d] Invalid category: %s", i, c.Raw)})
	}
	return issues
}
