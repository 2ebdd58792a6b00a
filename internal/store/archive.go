package store

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"
)

// Archive is the append-only log of evicted records.
type Archive struct {
	Path     string
	MaxLines int
	MaxBytes int64 // rotation is skipped above this size
}

// Append writes records to the archive, stamping metadata.evicted_at.
func (a *Archive) Append(records []Record, now time.Time) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	stamp := FormatTime(now)
	for _, r := range records {
		doc, err := r.MarshalJSON()
		if err != nil {
			return err
		}
		if doc, err = sjson.SetBytes(doc, "metadata.evicted_at", stamp); err != nil {
			return fmt.Errorf("stamp evicted_at: %w", err)
		}
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.OpenFile(a.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append archive: %w", err)
	}
	return nil
}

// Lines counts archive entries. A missing archive has zero lines.
func (a *Archive) Lines() (int, error) {
	f, err := os.Open(a.Path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

// Rotate keeps the newest MaxLines entries.
func (a *Archive) Rotate() (dropped int, err error) {
	info, err := os.Stat(a.Path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if a.MaxBytes > 0 && info.Size() > a.MaxBytes {
		log.Warn().Int64("bytes", info.Size()).Str("path", a.Path).Msg("archive_too_large_to_rotate")
		return 0, nil
	}

	data, err := os.ReadFile(a.Path)
	if err != nil {
		return 0, fmt.Errorf("read archive: %w", err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if len(lines) <= a.MaxLines {
		return 0, nil
	}

	dropped = len(lines) - a.MaxLines
	kept := strings.Join(lines[dropped:], "")
	if err := writeFileAtomic(a.Path, []byte(kept)); err != nil {
		return 0, fmt.Errorf("rotate archive: %w", err)
	}
	log.Info().Int("dropped", dropped).Int("kept", a.MaxLines).Msg("archive_rotated")
	return dropped, nil
}
