// Package store persists the hot-memory record collection as JSONL.
//
// Every mutation is a locked read-modify-write that ends in an atomic file
// replace, so readers never need the lock. Capacity limits are enforced on
// every write; records pushed out are appended to the archive log once the
// new file is in place.
package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNoChange tells Mutate to skip the write.
	ErrNoChange = errors.New("no change")
	// ErrOversized is returned by mutations when the store file is over the
	// size ceiling; rewriting it from an empty read would lose data.
	ErrOversized = errors.New("store file exceeds size limit")
	// ErrEmptyMatch rejects an empty match text, which would match everything.
	ErrEmptyMatch = errors.New("empty match text")
	// ErrInvalidImportance rejects metadata whose importance is outside 1-10.
	ErrInvalidImportance = errors.New("importance must be an integer from 1 to 10")
)

// Options configures a Store. Zero values take the defaults below.
type Options struct {
	Path            string
	ArchivePath     string
	LockPath        string
	MaxTotal        int
	MaxPinned       int
	MaxArchiveLines int
	MaxFileBytes    int64
	MaxArchiveBytes int64
	LockTimeout     time.Duration
	DryRun          bool
	Now             func() time.Time
}

const (
	DefaultMaxTotal        = 200
	DefaultMaxPinned       = 50
	DefaultMaxArchiveLines = 10000
	DefaultMaxFileBytes    = 10 << 20
	DefaultLockTimeout     = 30 * time.Second
)

// Store is the hot-memory record collection.
type Store struct {
	opts    Options
	lock    *Lock
	archive *Archive
}

// New returns a Store for opts.Path.
func New(opts Options) *Store {
	if opts.MaxTotal == 0 {
		opts.MaxTotal = DefaultMaxTotal
	}
	if opts.MaxPinned == 0 {
		opts.MaxPinned = DefaultMaxPinned
	}
	if opts.MaxArchiveLines == 0 {
		opts.MaxArchiveLines = DefaultMaxArchiveLines
	}
	if opts.MaxFileBytes == 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.ArchivePath == "" {
		opts.ArchivePath = filepath.Join(filepath.Dir(opts.Path), "hot-memories-archive.jsonl")
	}
	if opts.LockPath == "" {
		opts.LockPath = opts.Path + ".lock"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts: opts,
		lock: NewLock(opts.LockPath, opts.LockTimeout),
		archive: &Archive{
			Path:     opts.ArchivePath,
			MaxLines: opts.MaxArchiveLines,
			MaxBytes: opts.MaxArchiveBytes,
		},
	}
}

// Path returns the live store file.
func (s *Store) Path() string { return s.opts.Path }

// Dir returns the directory holding the store, its lock and temp files.
func (s *Store) Dir() string { return filepath.Dir(s.opts.Path) }

// Archive returns the eviction archive.
func (s *Store) Archive() *Archive { return s.archive }

// DryRun reports whether mutations are computed but not written.
func (s *Store) DryRun() bool { return s.opts.DryRun }

// Now returns the store's clock.
func (s *Store) Now() time.Time { return s.opts.Now() }

// ScanResult is the outcome of a tolerant read.
type ScanResult struct {
	Records   []Record
	Exists    bool
	Size      int64
	Corrupt   int  // unparsable lines skipped
	Oversized bool // file refused for exceeding MaxFileBytes
}

// Scan reads the store without the lock. A missing file is empty; an
// oversized file is refused with an empty result; bad lines are counted
// and skipped.
func (s *Store) Scan() (ScanResult, error) {
	var res ScanResult
	info, err := os.Stat(s.opts.Path)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("stat store: %w", err)
	}
	res.Exists = true
	res.Size = info.Size()
	if res.Size > s.opts.MaxFileBytes {
		res.Oversized = true
		log.Error().Int64("bytes", res.Size).Int64("limit", s.opts.MaxFileBytes).
			Str("path", s.opts.Path).Msg("store_too_large")
		return res, nil
	}

	data, err := os.ReadFile(s.opts.Path)
	if err != nil {
		return res, fmt.Errorf("read store: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), int(s.opts.MaxFileBytes)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		r, err := ParseRecord(line)
		if err != nil {
			res.Corrupt++
			continue
		}
		res.Records = append(res.Records, r)
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("scan store: %w", err)
	}
	if res.Corrupt > 0 {
		log.Warn().Int("lines", res.Corrupt).Msg("corrupt_lines_skipped")
	}
	return res, nil
}

// ReadAll returns the records in store order.
func (s *Store) ReadAll() ([]Record, error) {
	res, err := s.Scan()
	return res.Records, err
}

// Mutate runs fn over the current records under the lock and persists what
// it returns. fn may return ErrNoChange to skip the write.
func (s *Store) Mutate(ctx context.Context, fn func([]Record) ([]Record, error)) error {
	return s.MutateRemoving(ctx, func(records []Record) ([]Record, []Record, error) {
		out, err := fn(records)
		return out, nil, err
	})
}

// MutateRemoving is Mutate for callers that drop records. The removed
// records are archived only after the new store file has been written.
func (s *Store) MutateRemoving(ctx context.Context, fn func([]Record) (kept, removed []Record, err error)) error {
	return s.lock.Do(ctx, func() error {
		res, err := s.Scan()
		if err != nil {
			return err
		}
		if res.Oversized {
			return ErrOversized
		}
		kept, removed, err := fn(res.Records)
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.writeAll(kept, removed)
	})
}

// WriteAll replaces the store contents, enforcing capacity.
func (s *Store) WriteAll(ctx context.Context, records []Record) error {
	return s.lock.Do(ctx, func() error { return s.writeAll(records, nil) })
}

// enforceCapacity returns the records to keep, in their original order, and
// those evicted. The oldest pinned records beyond MaxPinned go first; the
// unpinned budget is whatever MaxTotal leaves after pinned.
func (s *Store) enforceCapacity(records []Record) (kept, evicted []Record) {
	var pinned, unpinned []int
	for i, r := range records {
		if r.Metadata.Pinned {
			pinned = append(pinned, i)
		} else {
			unpinned = append(unpinned, i)
		}
	}

	drop := make(map[int]bool)
	if excess := len(pinned) - s.opts.MaxPinned; excess > 0 {
		for _, i := range pinned[:excess] {
			drop[i] = true
		}
		log.Warn().Int("cap", s.opts.MaxPinned).Int("archived", excess).Msg("pinned_cap_exceeded")
		pinned = pinned[excess:]
	}
	budget := max(0, s.opts.MaxTotal-len(pinned))
	if excess := len(unpinned) - budget; excess > 0 {
		for _, i := range unpinned[:excess] {
			drop[i] = true
		}
	}

	for i, r := range records {
		if drop[i] {
			evicted = append(evicted, r)
		} else {
			kept = append(kept, r)
		}
	}
	return kept, evicted
}

func (s *Store) writeAll(records, removed []Record) error {
	kept, evicted := s.enforceCapacity(records)

	var buf bytes.Buffer
	for _, r := range kept {
		doc, err := r.MarshalJSON()
		if err != nil {
			return err
		}
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	if s.opts.DryRun {
		log.Info().Int("records", len(kept)).Int("evicted", len(evicted)).Msg("dry_run_write_skipped")
		return nil
	}

	if err := writeFileAtomic(s.opts.Path, buf.Bytes()); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if gone := append(removed, evicted...); len(gone) > 0 {
		if err := s.archive.Append(gone, s.opts.Now()); err != nil {
			log.Warn().Err(err).Int("records", len(gone)).Msg("archive_failed")
		} else {
			log.Info().Int("records", len(gone)).Int("evicted", len(evicted)).Msg("archived")
		}
	}
	return nil
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= 60 {
		return s
	}
	return string([]rune(s)[:60]) + "..."
}

// checkMetadata is the last validation before a new record is stored.
// Importance must be 1-10; the normalized value is derived from it and an
// empty entity list falls back to the category name.
func checkMetadata(md *Metadata) error {
	if md.Importance < 1 || md.Importance > 10 {
		return fmt.Errorf("%w: got %d", ErrInvalidImportance, md.Importance)
	}
	md.ImportanceNormalized = NormalizeImportance(md.Importance)
	if !md.Category.Valid() {
		md.Category = CategoryGeneral
	}
	if len(md.Entities) == 0 {
		md.Entities = []string{string(md.Category)}
	}
	return nil
}

// Append adds a fact unless a valid record already has the same text
// (trimmed, case-insensitive). added is false when the guard blocked it.
func (s *Store) Append(ctx context.Context, fact string, md Metadata) (added bool, err error) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return false, errors.New("append: empty fact")
	}
	if err := checkMetadata(&md); err != nil {
		return false, err
	}
	err = s.Mutate(ctx, func(records []Record) ([]Record, error) {
		for _, r := range records {
			if r.Valid() && strings.EqualFold(strings.TrimSpace(r.Fact), fact) {
				log.Warn().Str("fact", preview(fact)).Msg("duplicate_blocked")
				return nil, ErrNoChange
			}
		}
		added = true
		return append(records, NewRecord(fact, md)), nil
	})
	return added, err
}

func (s *Store) invalidateMatches(records []Record, text string) int {
	needle := strings.ToLower(text)
	stamp := FormatTime(s.opts.Now())
	n := 0
	for i := range records {
		r := &records[i]
		if !r.Valid() || !strings.Contains(strings.ToLower(r.Fact), needle) {
			continue
		}
		ts := stamp
		r.Metadata.TInvalid = &ts
		log.Info().Str("fact", preview(r.Fact)).Msg("invalidated")
		n++
	}
	return n
}

// Invalidate sets t_invalid on every valid record whose fact contains text
// (case-insensitive). Zero matches is logged, not an error.
func (s *Store) Invalidate(ctx context.Context, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyMatch
	}
	var n int
	err := s.Mutate(ctx, func(records []Record) ([]Record, error) {
		n = s.invalidateMatches(records, text)
		if n == 0 {
			log.Warn().Str("match", preview(text)).Msg("invalidate_no_match")
			return nil, ErrNoChange
		}
		return records, nil
	})
	return n, err
}

// Update invalidates records matching oldText and appends newText with md.
// The append is skipped if a still-valid record already has newText.
func (s *Store) Update(ctx context.Context, oldText, newText string, md Metadata) (int, error) {
	oldText, newText = strings.TrimSpace(oldText), strings.TrimSpace(newText)
	if oldText == "" {
		return 0, ErrEmptyMatch
	}
	if newText == "" {
		return 0, errors.New("update: empty fact")
	}
	if err := checkMetadata(&md); err != nil {
		return 0, err
	}
	var n int
	err := s.Mutate(ctx, func(records []Record) ([]Record, error) {
		n = s.invalidateMatches(records, oldText)
		if n == 0 {
			log.Warn().Str("match", preview(oldText)).Msg("update_no_match")
		}
		for _, r := range records {
			if r.Valid() && strings.EqualFold(strings.TrimSpace(r.Fact), newText) {
				log.Warn().Str("fact", preview(newText)).Msg("duplicate_blocked")
				if n == 0 {
					return nil, ErrNoChange
				}
				return records, nil
			}
		}
		rec := NewRecord(newText, md)
		if err := rec.Set("metadata.updated_from", oldText); err != nil {
			return nil, err
		}
		return append(records, rec), nil
	})
	return n, err
}

// Prune permanently removes records invalidated more than maxAge ago.
// Records whose t_invalid cannot be parsed are kept.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.opts.Now()
	var pruned int
	err := s.Mutate(ctx, func(records []Record) ([]Record, error) {
		kept := records[:0:0]
		for _, r := range records {
			if r.Metadata.TInvalid != nil {
				if t, ok := ParseTime(*r.Metadata.TInvalid); ok && now.Sub(t) > maxAge {
					pruned++
					continue
				}
			}
			kept = append(kept, r)
		}
		if pruned == 0 {
			return nil, ErrNoChange
		}
		log.Info().Int("pruned", pruned).Dur("max_age", maxAge).Msg("pruned_invalidated")
		return kept, nil
	})
	return pruned, err
}

// Dedup removes valid records whose fact text repeats another valid
// record's exactly (case-insensitive), keeping the most recently created.
// Removed records go to the archive.
func (s *Store) Dedup(ctx context.Context) (int, error) {
	var removed []Record
	err := s.MutateRemoving(ctx, func(records []Record) ([]Record, []Record, error) {
		removed = nil
		newest := make(map[string]int)
		for i, r := range records {
			if !r.Valid() {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(r.Fact))
			j, seen := newest[key]
			if !seen || createdAt(r).After(createdAt(records[j])) || createdAt(r).Equal(createdAt(records[j])) {
				newest[key] = i
			}
		}
		kept := records[:0:0]
		for i, r := range records {
			if r.Valid() && newest[strings.ToLower(strings.TrimSpace(r.Fact))] != i {
				removed = append(removed, r)
				continue
			}
			kept = append(kept, r)
		}
		if len(removed) == 0 {
			return nil, nil, ErrNoChange
		}
		return kept, removed, nil
	})
	return len(removed), err
}

func createdAt(r Record) time.Time {
	t, _ := ParseTime(r.Metadata.CreatedAt)
	return t
}

// Search returns valid records textually similar to query.
func (s *Store) Search(query string, threshold float64, limit int) ([]Match, error) {
	records, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	return SearchText(records, query, threshold, limit), nil
}

// Stats summarizes the store for health reporting.
type Stats struct {
	Total, Valid, Invalidated, Pinned int
}

// CountStats tallies records.
func CountStats(records []Record) Stats {
	var st Stats
	st.Total = len(records)
	for _, r := range records {
		if r.Valid() {
			st.Valid++
		} else {
			st.Invalidated++
		}
		if r.Metadata.Pinned {
			st.Pinned++
		}
	}
	return st
}
