package health

import (
	"bufio"
	"io"
	"strings"
	"time"
)

var statusIcon = map[Status]string{StatusOK: "+", StatusWarn: "~", StatusCritical: "!"}

func label(name string) string {
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
	bw := bufio.NewWriter(w)
	bw.WriteString("Memory System Health: " + strings.ToUpper(r.Overall) + "\n")
	bw.WriteString("Checked at: " + r.Timestamp.Format(time.RFC3339) + "\n")
	bw.WriteString(strings.Repeat("-", 50) + "\n")
	for _, ch := range r.Checks {
		icon, ok := statusIcon[ch.Status]
		if !ok {
			icon = "?"
		}
		bw.WriteString("  [" + icon + "] " + label(ch.Name) + ": " + ch.Message + "\n")
	}
	if len(r.AutoFix) > 0 {
		bw.WriteString("\nAuto-fix actions taken:\n")
		for _, a := range r.AutoFix {
			bw.WriteString("  - " + a + "\n")
		}
	}
	return bw.Flush()
}
