package lint

import (
	"fmt"
	"io"
	"strings"
	"time"
)

func title(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// WriteText renders the report for a terminal.
func (r Report) WriteText(w io.Writer) error {
	var b strings.Builder
	s := r.Summary
	b.WriteString("Memory Quality Lint Report\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")
	fmt.Fprintf(&b, "Memories: %d  |  Issues: %d  |  Checks: %d/%d passed  |  Result: %s\n",
		s.TotalMemories, s.TotalIssues, s.ChecksPassed, s.ChecksTotal, strings.ToUpper(s.Overall))
	fmt.Fprintf(&b, "Timestamp: %s\n", r.Timestamp.Format(time.RFC3339))
	if s.Critical != "" {
		fmt.Fprintf(&b, "CRITICAL: %s\n", s.Critical)
	}
	if s.CorruptLines > 0 {
		fmt.Fprintf(&b, "Corrupt lines skipped: %d\n", s.CorruptLines)
	}
	b.WriteString("\n")

	for _, name := range CheckNames {
		res, ok := r.Checks[name]
		if !ok {
			continue
		}
		icon, count := "+", ""
		if !res.Pass {
			icon = "!"
			count = fmt.Sprintf(" (%d issues)", res.IssueCount)
		}
		fmt.Fprintf(&b, "  [%s] %s%s\n", icon, title(name), count)
	}

	if len(r.Issues) > 0 {
		b.WriteString("\nIssues:\n" + strings.Repeat("-", 40) + "\n")
		for _, is := range r.Issues {
			fmt.Fprintf(&b, "  %s\n", is.Description)
		}
	}

	if len(r.AutoFix) > 0 {
		fmt.Fprintf(&b, "\nAuto-fix actions (%d):\n", len(r.AutoFix))
		for _, a := range r.AutoFix {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}
	if r.PostFix != nil {
		fmt.Fprintf(&b, "\nPost-fix: %d issues remaining (%d/%d checks pass)\n",
			r.PostFix.TotalIssues, r.PostFix.ChecksPassed, r.PostFix.ChecksTotal)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
