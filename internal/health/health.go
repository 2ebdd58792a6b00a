// Package health diagnoses the memory system and repairs what housekeeping
// can repair.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/notify"
	"github.com/lazypower/hotmem/internal/search"
	"github.com/lazypower/hotmem/internal/state"
	"github.com/lazypower/hotmem/internal/store"
	"github.com/rs/zerolog/log"
)

// Status of a single check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarn     Status = "warn"
	StatusCritical Status = "critical"
)

// Overall states.
const (
	Healthy  = "healthy"
	Degraded = "degraded"
	Critical = "critical"
)

// Check is the result of one health check.
type Check struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is a full health pass.
type Report struct {
	Overall   string    `json:"overall"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
	AutoFix   []string  `json:"auto_fix,omitempty"`
}

// Check returns the named check, or false.
func (r Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// ExitCode is 2 for critical, 1 for degraded and 0 for healthy.
func (r Report) ExitCode() int {
	switch r.Overall {
	case Critical:
		return 2
	case Degraded:
		return 1
	}
	return 0
}

// Ledger is the run state health reads.
type Ledger interface {
	Marker() (time.Time, bool, error)
	Failures() ([]state.Failure, error)
}

// Prober checks the capsule.
type Prober interface {
	Probe(ctx context.Context) (int64, error)
}

// Thresholds tune the checks.
type Thresholds struct {
	MarkerStale     time.Duration
	MaxInvalidated  int
	MaxPinned       int
	MaxArchiveLines int
	DiskCriticalMB  uint64
	DiskWarnMB      uint64
	FixPruneAge     time.Duration
	TempMaxAge      time.Duration
	FailureAlert    int
}

// ThresholdsFromConfig maps configuration.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	h := cfg.Health
	return Thresholds{
		MarkerStale:     time.Duration(h.MarkerStaleMinutes) * time.Minute,
		MaxInvalidated:  h.MaxInvalidated,
		MaxPinned:       h.MaxPinned,
		MaxArchiveLines: h.MaxArchiveLines,
		DiskCriticalMB:  uint64(h.DiskCriticalMB),
		DiskWarnMB:      uint64(h.DiskWarnMB),
		FixPruneAge:     time.Duration(h.FixPruneHours) * time.Hour,
		TempMaxAge:      time.Duration(cfg.Store.TempMaxAgeMinutes) * time.Minute,
		FailureAlert:    cfg.Pipeline.FailureAlertThreshold,
	}
}

// Checker runs the health checks.
type Checker struct {
	Store      *store.Store
	Ledger     Ledger
	Capsule    Prober
	Endpoint   string // reasoning service URL; empty skips the check
	Thresholds Thresholds
	Now        func() time.Time

	freeSpace func(dir string) (uint64, error)
	client    *http.Client
}

// New returns a Checker.
func New(st *store.Store, ledger Ledger, capsule Prober, endpoint string, th Thresholds) *Checker {
	return &Checker{
		Store:      st,
		Ledger:     ledger,
		Capsule:    capsule,
		Endpoint:   endpoint,
		Thresholds: th,
		Now:        time.Now,
		freeSpace:  store.FreeSpace,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// EndpointFor returns the URL the health check should reach for the
// configured provider.
func EndpointFor(cfg config.LLMConfig) string {
	switch cfg.Provider {
	case "anthropic":
		return cfg.AnthropicURL
	case "ollama":
		return cfg.OllamaURL
	}
	return ""
}

func (c *Checker) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Run executes every check.
func (c *Checker) Run(ctx context.Context) Report {
	checks := []Check{
		c.markerFreshness(),
		c.hotMemories(),
		c.archiveSize(),
		c.diskSpace(),
	}
	if c.Endpoint != "" {
		checks = append(checks, c.endpoint(ctx))
	}
	checks = append(checks,
		c.capsule(ctx),
		c.failureTracking(),
		c.tempFiles(),
	)

	rep := Report{Timestamp: c.now().UTC(), Checks: checks, Overall: Healthy}
	for _, ch := range checks {
		switch ch.Status {
		case StatusCritical:
			rep.Overall = Critical
		case StatusWarn:
			if rep.Overall == Healthy {
				rep.Overall = Degraded
			}
		}
	}
	log.Info().Str("overall", rep.Overall).Msg("health_checked")
	return rep
}

func (c *Checker) markerFreshness() Check {
	ch := Check{Name: "marker_freshness"}
	marker, ok, err := c.Ledger.Marker()
	switch {
	case err != nil:
		ch.Status, ch.Message = StatusCritical, fmt.Sprintf("Marker unreadable: %v", err)
	case !ok:
		ch.Status, ch.Message = StatusWarn, "No extractor marker found (never run?)"
	default:
		since := c.now().Sub(marker)
		ch.Details = map[string]any{"minutes_since": roundTo(since.Minutes(), 1)}
		if since > c.Thresholds.MarkerStale {
			ch.Status = StatusCritical
			ch.Message = fmt.Sprintf("Extractor hasn't run in %.0fm (threshold: %.0fm)", since.Minutes(), c.Thresholds.MarkerStale.Minutes())
		} else {
			ch.Status, ch.Message = StatusOK, fmt.Sprintf("Last extraction %.1fm ago", since.Minutes())
		}
	}
	return ch
}

func (c *Checker) hotMemories() Check {
	ch := Check{Name: "hot_memories"}
	res, err := c.Store.Scan()
	switch {
	case err != nil:
		ch.Status, ch.Message = StatusCritical, fmt.Sprintf("Cannot read hot memories: %v", err)
		return ch
	case !res.Exists:
		ch.Status, ch.Message = StatusWarn, "No hot memories file"
		return ch
	case res.Oversized:
		ch.Status, ch.Message = StatusCritical, fmt.Sprintf("Hot memories file too large (%d bytes)", res.Size)
		return ch
	}

	st := store.CountStats(res.Records)
	var issues []string
	if st.Invalidated > c.Thresholds.MaxInvalidated {
		issues = append(issues, fmt.Sprintf("%d invalidated entries (should prune)", st.Invalidated))
	}
	if st.Pinned > c.Thresholds.MaxPinned {
		issues = append(issues, fmt.Sprintf("%d pinned entries approaching cap", st.Pinned))
	}
	if res.Corrupt > 0 {
		issues = append(issues, fmt.Sprintf("%d corrupt lines", res.Corrupt))
	}
	ch.Status = StatusOK
	ch.Message = fmt.Sprintf("%d active, %d pinned, %d invalidated", st.Valid, st.Pinned, st.Invalidated)
	if len(issues) > 0 {
		ch.Status = StatusWarn
		ch.Message += " [" + strings.Join(issues, "; ") + "]"
	}
	ch.Details = map[string]any{
		"total":       st.Total,
		"active":      st.Valid,
		"pinned":      st.Pinned,
		"invalidated": st.Invalidated,
	}
	return ch
}

func (c *Checker) archiveSize() Check {
	ch := Check{Name: "archive_size"}
	a := c.Store.Archive()
	info, err := os.Stat(a.Path)
	if errors.Is(err, os.ErrNotExist) {
		ch.Status, ch.Message = StatusOK, "No archive file yet"
		ch.Details = map[string]any{"lines": 0}
		return ch
	}
	lines, lerr := a.Lines()
	if err != nil || lerr != nil {
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("Cannot read archive: %v", errors.Join(err, lerr))
		return ch
	}
	mb := float64(info.Size()) / (1 << 20)
	ch.Details = map[string]any{"lines": lines, "size_mb": roundTo(mb, 1)}
	if lines > c.Thresholds.MaxArchiveLines {
		ch.Status = StatusWarn
		ch.Message = fmt.Sprintf("Archive has %d lines (%.1fMB), approaching rotation limit", lines, mb)
	} else {
		ch.Status, ch.Message = StatusOK, fmt.Sprintf("Archive: %d lines (%.1fMB)", lines, mb)
	}
	return ch
}

func (c *Checker) diskSpace() Check {
	ch := Check{Name: "disk_space"}
	free, err := c.freeSpace(c.Store.Dir())
	if err != nil {
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("Cannot check disk: %v", err)
		return ch
	}
	mb := free / (1 << 20)
	ch.Details = map[string]any{"free_mb": mb}
	switch {
	case mb < c.Thresholds.DiskCriticalMB:
		ch.Status, ch.Message = StatusCritical, fmt.Sprintf("Disk critically low: %dMB free", mb)
	case mb < c.Thresholds.DiskWarnMB:
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("Disk getting low: %dMB free", mb)
	default:
		ch.Status, ch.Message = StatusOK, fmt.Sprintf("Disk: %dMB free", mb)
	}
	return ch
}

// endpoint treats any HTTP answer below 500 as reachable; the service is
// up even when it rejects an unauthenticated request.
func (c *Checker) endpoint(ctx context.Context) Check {
	ch := Check{Name: "llm_endpoint"}
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.Endpoint, nil)
	if err != nil {
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("Bad endpoint URL: %v", err)
		return ch
	}
	resp, err := c.client.Do(req)
	if err != nil {
		ch.Status, ch.Message = StatusCritical, fmt.Sprintf("Reasoning service unreachable: %v", err)
		return ch
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("Reasoning service returned HTTP %d", resp.StatusCode)
		return ch
	}
	ch.Status, ch.Message = StatusOK, fmt.Sprintf("Reasoning service reachable (HTTP %d)", resp.StatusCode)
	return ch
}

func (c *Checker) capsule(ctx context.Context) Check {
	ch := Check{Name: "capsule"}
	if c.Capsule == nil {
		ch.Status, ch.Message = StatusWarn, "No capsule configured"
		return ch
	}
	size, err := c.Capsule.Probe(ctx)
	mb := float64(size) / (1 << 20)
	switch {
	case errors.Is(err, search.ErrCapsuleMissing), errors.Is(err, search.ErrBinaryNotFound):
		ch.Status, ch.Message = StatusCritical, err.Error()
	case errors.Is(err, search.ErrTimeout):
		ch.Status, ch.Message = StatusWarn, "Capsule query timed out"
	case err != nil:
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("Capsule query failed: %v", err)
	default:
		ch.Status, ch.Message = StatusOK, fmt.Sprintf("Capsule queryable (%.1fMB)", mb)
	}
	if size > 0 {
		ch.Details = map[string]any{"size_mb": roundTo(mb, 1)}
	}
	return ch
}

func (c *Checker) failureTracking() Check {
	ch := Check{Name: "failure_tracking"}
	failures, err := c.Ledger.Failures()
	if err != nil {
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("Failure tracking unreadable: %v", err)
		return ch
	}
	if len(failures) == 0 {
		ch.Status, ch.Message = StatusOK, "No active failures"
		return ch
	}
	components := make(map[string]any, len(failures))
	var critical []string
	for _, f := range failures {
		components[f.Component] = map[string]any{"count": f.Count, "last_error": f.LastError, "last_at": f.LastAt}
		if c.Thresholds.FailureAlert > 0 && f.Count >= c.Thresholds.FailureAlert {
			critical = append(critical, fmt.Sprintf("%s: %d consecutive failures", f.Component, f.Count))
		}
	}
	ch.Details = map[string]any{"components": components}
	if len(critical) > 0 {
		ch.Status, ch.Message = StatusCritical, strings.Join(critical, "; ")
	} else {
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("%d component(s) with recent failures", len(failures))
	}
	return ch
}

func (c *Checker) tempFiles() Check {
	ch := Check{Name: "temp_files"}
	n := store.OrphanedTemp(c.Store.Dir(), c.Thresholds.TempMaxAge, c.now())
	ch.Details = map[string]any{"count": n}
	if n > 0 {
		ch.Status, ch.Message = StatusWarn, fmt.Sprintf("%d orphaned temp files in data dir", n)
	} else {
		ch.Status, ch.Message = StatusOK, "No orphaned temp files"
	}
	return ch
}

// Fix repairs what the report flags and re-runs the checks. Repairs are
// best effort; failures are logged and the re-check shows what is left.
// Under dry-run it lists the repairs and returns rep unchanged otherwise.
func (c *Checker) Fix(ctx context.Context, rep Report) Report {
	var actions []string
	now := c.now()

	if c.Store.DryRun() {
		if ch, ok := rep.Check("temp_files"); ok && ch.Status != StatusOK {
			actions = append(actions, "Would clean orphaned temp files")
		}
		if ch, ok := rep.Check("archive_size"); ok && ch.Status == StatusWarn {
			actions = append(actions, "Would rotate archive file")
		}
		if ch, ok := rep.Check("hot_memories"); ok && invalidated(ch) > c.Thresholds.MaxInvalidated/2 {
			actions = append(actions, fmt.Sprintf("Would prune invalidated memories older than %s", c.Thresholds.FixPruneAge))
		}
		rep.AutoFix = actions
		return rep
	}

	if ch, ok := rep.Check("temp_files"); ok && ch.Status != StatusOK {
		if n, err := store.CleanupTemp(c.Store.Dir(), c.Thresholds.TempMaxAge, now); err != nil {
			log.Warn().Err(err).Msg("temp_cleanup_failed")
		} else {
			actions = append(actions, fmt.Sprintf("Cleaned %d orphaned temp files", n))
		}
	}
	if ch, ok := rep.Check("archive_size"); ok && ch.Status == StatusWarn {
		if n, err := c.Store.Archive().Rotate(); err != nil {
			log.Warn().Err(err).Msg("archive_rotate_failed")
		} else {
			actions = append(actions, fmt.Sprintf("Rotated archive file (%d lines dropped)", n))
		}
	}
	if ch, ok := rep.Check("hot_memories"); ok && invalidated(ch) > c.Thresholds.MaxInvalidated/2 {
		if n, err := c.Store.Prune(ctx, c.Thresholds.FixPruneAge); err != nil {
			log.Warn().Err(err).Msg("prune_failed")
		} else {
			actions = append(actions, fmt.Sprintf("Pruned %d invalidated memories older than %s", n, c.Thresholds.FixPruneAge))
		}
	}

	out := c.Run(ctx)
	out.AutoFix = actions
	return out
}

func invalidated(ch Check) int {
	n, _ := ch.Details["invalidated"].(int)
	return n
}

// Alert sends one message listing critical checks. Nothing is sent when the
// report is not critical.
func Alert(ctx context.Context, n notify.Notifier, rep Report) bool {
	if rep.Overall != Critical {
		return false
	}
	var lines []string
	for _, ch := range rep.Checks {
		if ch.Status == StatusCritical {
			lines = append(lines, fmt.Sprintf("  - %s: %s", ch.Name, ch.Message))
		}
	}
	notify.Send(ctx, n, fmt.Sprintf("[HEALTH CRITICAL] Memory system has %d critical issues:\n%s",
		len(lines), strings.Join(lines, "\n")))
	return true
}

func roundTo(v float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}
