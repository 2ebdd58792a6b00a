// Package search talks to the capsule search engine through its CLI.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lazypower/hotmem/internal/config"
	"github.com/lazypower/hotmem/internal/retry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBinaryNotFound means the capsule CLI is not installed. Callers treat
	// it as a hard failure.
	ErrBinaryNotFound = errors.New("capsule binary not found")
	// ErrCapsuleMissing means the capsule file does not exist.
	ErrCapsuleMissing = errors.New("capsule file not found")
	// ErrTimeout is a soft failure: the query took longer than allowed.
	ErrTimeout = errors.New("capsule query timed out")
	// ErrLocked means another process holds the capsule.
	ErrLocked = errors.New("capsule locked")
)

// Query selects one collection.
type Query struct {
	Text       string
	Collection string
	Limit      int
}

// Searcher is what the pipeline and CLI need from the capsule.
type Searcher interface {
	Search(ctx context.Context, text string, collections []string, limit int) ([]string, error)
	RecentActivity(ctx context.Context, day time.Time, maxChars int) (string, error)
}

type runFunc func(ctx context.Context, bin string, args ...string) (stdout, stderr []byte, err error)

// Capsule runs `<bin> query` against a capsule file.
type Capsule struct {
	Bin                string
	Path               string
	Timeout            time.Duration
	ActivityTimeout    time.Duration
	ActivityCollection string
	ActivityLimit      int
	LockRetries        int
	LockBackoff        time.Duration

	run runFunc
}

// NewCapsule builds a Capsule from config.
func NewCapsule(cfg *config.Config) *Capsule {
	s := cfg.Search
	return &Capsule{
		Bin:                s.Bin,
		Path:               cfg.CapsulePath(),
		Timeout:            time.Duration(s.TimeoutSeconds) * time.Second,
		ActivityTimeout:    time.Duration(s.ActivityTimeoutSeconds) * time.Second,
		ActivityCollection: s.ActivityCollection,
		ActivityLimit:      s.ActivityLimit,
		LockRetries:        s.LockRetries,
		LockBackoff:        time.Duration(s.LockBackoffSeconds) * time.Second,
		run:                execRun,
	}
}

func execRun(ctx context.Context, bin string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// bin falls back to the PATH name when the configured path is absent.
func (c *Capsule) bin() string {
	if c.Bin == "" {
		return "aethervault"
	}
	if strings.ContainsRune(c.Bin, os.PathSeparator) {
		if _, err := os.Stat(c.Bin); err != nil {
			return "aethervault"
		}
	}
	return c.Bin
}

func lockContention(stderr string) bool {
	return strings.Contains(stderr, "Lock") ||
		strings.Contains(stderr, "exclusive access") ||
		strings.Contains(stderr, "in use")
}

// exec runs one query and returns trimmed stdout.
func (c *Capsule) exec(ctx context.Context, timeout time.Duration, q Query) (string, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := c.run
	if run == nil {
		run = execRun
	}
	stdout, stderr, err := run(ctx, c.bin(), "query",
		"--collection", q.Collection,
		"--limit", strconv.Itoa(q.Limit),
		c.Path, q.Text)
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, c.bin())
		case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
			return "", fmt.Errorf("%w: collection %s", ErrTimeout, q.Collection)
		}
		msg := strings.TrimSpace(string(stderr))
		if lockContention(msg) {
			return "", fmt.Errorf("%w: %s", ErrLocked, msg)
		}
		return "", fmt.Errorf("capsule query %s: %w (stderr: %s)", q.Collection, err, msg)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// Query runs one collection query and splits the output into snippets on
// blank lines.
func (c *Capsule) Query(ctx context.Context, q Query) ([]string, error) {
	out, err := c.exec(ctx, c.Timeout, q)
	if err != nil {
		return nil, err
	}
	return Snippets(out, q.Limit), nil
}

// Snippets splits capsule output on blank lines, keeping at most limit.
func Snippets(out string, limit int) []string {
	var chunks []string
	for _, c := range strings.Split(out, "\n\n") {
		if c = strings.TrimSpace(c); c != "" {
			chunks = append(chunks, c)
		}
	}
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

// Search queries each collection in turn. Timeouts and query errors skip
// the collection; a missing binary stops the search with an error.
func (c *Capsule) Search(ctx context.Context, text string, collections []string, limit int) ([]string, error) {
	var results []string
	for _, coll := range collections {
		chunks, err := c.Query(ctx, Query{Text: text, Collection: coll, Limit: limit})
		if err != nil {
			if errors.Is(err, ErrBinaryNotFound) {
				return results, err
			}
			log.Warn().Err(err).Str("collection", coll).Msg("capsule_search_skipped")
			continue
		}
		results = append(results, chunks...)
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// RecentActivity returns the activity log entries for day, keeping the last
// maxChars characters. Lock contention and timeouts are retried; contention
// that outlasts the retries yields an empty result rather than an error.
func (c *Capsule) RecentActivity(ctx context.Context, day time.Time, maxChars int) (string, error) {
	if _, err := os.Stat(c.Path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrCapsuleMissing, c.Path)
	}
	q := Query{Text: day.Format("2006-01-02"), Collection: c.ActivityCollection, Limit: c.ActivityLimit}

	policy := retry.Policy{
		MaxRetries: max(0, c.LockRetries-1),
		Initial:    c.LockBackoff,
		Retryable: func(err error) bool {
			return errors.Is(err, ErrLocked) || errors.Is(err, ErrTimeout)
		},
	}
	out, err := retry.Do(ctx, "capsule_activity", policy, func(ctx context.Context) (string, error) {
		return c.exec(ctx, c.ActivityTimeout, q)
	})
	if errors.Is(err, ErrLocked) {
		log.Info().Int("attempts", c.LockRetries).Msg("capsule_busy_skipping")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if out == "" {
		log.Info().Msg("no_recent_activity")
		return "", nil
	}
	if tail := Tail(out, maxChars); len(tail) < len(out) {
		log.Info().Int("chars", len(tail)).Int("dropped", len(out)-len(tail)).Msg("activity_truncated")
		return tail, nil
	}
	return out, nil
}

// Probe checks that the capsule file exists and answers a one-result
// query, returning the file size.
func (c *Capsule) Probe(ctx context.Context) (int64, error) {
	info, err := os.Stat(c.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrCapsuleMissing, c.Path)
	}
	_, err = c.exec(ctx, 10*time.Second, Query{Text: "test", Collection: c.ActivityCollection, Limit: 1})
	return info.Size(), err
}

// Tail keeps the last n bytes of s without splitting a rune.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
