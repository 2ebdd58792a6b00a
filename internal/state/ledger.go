package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MaxFailureHistory bounds failure_history.
const MaxFailureHistory = 100

const maxErrorText = 200

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Marker returns the extraction marker. ok is false before the first
// successful run.
func (db *DB) Marker() (t time.Time, ok bool, err error) {
	var v int64
	err = db.QueryRow("SELECT processed FROM marker WHERE id = 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read marker: %w", err)
	}
	return fromMS(v), true, nil
}

// SetMarker advances the extraction marker.
func (db *DB) SetMarker(t time.Time) error {
	_, err := db.Exec(`
		INSERT INTO marker (id, processed, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET processed = excluded.processed, updated_at = excluded.updated_at`,
		ms(t), ms(time.Now()))
	if err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

// Failure is a component's current consecutive-failure state.
type Failure struct {
	Component string
	Count     int
	LastError string
	FirstAt   time.Time
	LastAt    time.Time
}

// RecordFailure increments the component's consecutive failure count and
// returns the new count.
func (db *DB) RecordFailure(component, errText string, now time.Time) (int, error) {
	if len(errText) > maxErrorText {
		errText = errText[:maxErrorText]
	}
	_, err := db.Exec(`
		INSERT INTO failures (component, count, last_error, first_at, last_at) VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET
			count = count + 1, last_error = excluded.last_error, last_at = excluded.last_at`,
		component, errText, ms(now), ms(now))
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	var count int
	if err := db.QueryRow("SELECT count FROM failures WHERE component = ?", component).Scan(&count); err != nil {
		return 0, fmt.Errorf("read failure count: %w", err)
	}
	return count, nil
}

// RecordSuccess resets the component's counter, moving any open streak into
// the bounded history. It returns the streak length that was cleared.
func (db *DB) RecordSuccess(component string, now time.Time) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var f Failure
	var firstAt, lastAt int64
	err = tx.QueryRow("SELECT count, last_error, first_at, last_at FROM failures WHERE component = ?", component).
		Scan(&f.Count, &f.LastError, &firstAt, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read failure: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO failure_history (component, count, last_error, first_at, last_at, recovered_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		component, f.Count, f.LastError, firstAt, lastAt, ms(now)); err != nil {
		return 0, fmt.Errorf("archive failure: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM failure_history WHERE id NOT IN (
			SELECT id FROM failure_history ORDER BY id DESC LIMIT ?)`, MaxFailureHistory); err != nil {
		return 0, fmt.Errorf("trim failure history: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM failures WHERE component = ?", component); err != nil {
		return 0, fmt.Errorf("reset failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return f.Count, nil
}

// Failures lists components with an open failure streak.
func (db *DB) Failures() ([]Failure, error) {
	rows, err := db.Query("SELECT component, count, last_error, first_at, last_at FROM failures ORDER BY component")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var firstAt, lastAt int64
		if err := rows.Scan(&f.Component, &f.Count, &f.LastError, &firstAt, &lastAt); err != nil {
			return nil, err
		}
		f.FirstAt, f.LastAt = fromMS(firstAt), fromMS(lastAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// FailureHistoryLen returns the number of archived failure streaks.
func (db *DB) FailureHistoryLen() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM failure_history").Scan(&n)
	return n, err
}

// Run is one pipeline invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Stage      string
	Outcome    string
	Extracted  int
	Validated  int
	Added      int
	Updated    int
	Deleted    int
	Noop       int
	Deferred   int
	Errors     int
	Advanced   bool
}

// SaveRun records a finished run and folds it into the daily digest.
func (db *DB) SaveRun(r Run) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO runs (id, started_at, finished_at, stage, outcome,
			extracted, validated, added, updated, deleted, noop, deferred, errors, advanced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, ms(r.StartedAt), ms(r.FinishedAt), r.Stage, r.Outcome,
		r.Extracted, r.Validated, r.Added, r.Updated, r.Deleted, r.Noop, r.Deferred, r.Errors, r.Advanced,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	day := r.StartedAt.UTC().Format("2006-01-02")
	if _, err := tx.Exec(`
		INSERT INTO digest (day, runs, extracted, added, updated, deleted, errors)
		VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			runs = runs + 1,
			extracted = extracted + excluded.extracted,
			added = added + excluded.added,
			updated = updated + excluded.updated,
			deleted = deleted + excluded.deleted,
			errors = errors + excluded.errors`,
		day, r.Extracted, r.Added, r.Updated, r.Deleted, r.Errors,
	); err != nil {
		return fmt.Errorf("update digest: %w", err)
	}
	return tx.Commit()
}

// RecentRuns returns the newest runs first.
func (db *DB) RecentRuns(limit int) ([]Run, error) {
	rows, err := db.Query(`
		SELECT id, started_at, finished_at, stage, outcome,
			extracted, validated, added, updated, deleted, noop, deferred, errors, advanced
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Stage, &r.Outcome,
			&r.Extracted, &r.Validated, &r.Added, &r.Updated, &r.Deleted, &r.Noop, &r.Deferred, &r.Errors, &r.Advanced); err != nil {
			return nil, err
		}
		r.StartedAt, r.FinishedAt = fromMS(started), fromMS(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Digest is one day's pipeline totals.
type Digest struct {
	Day       string `json:"day"`
	Runs      int    `json:"runs"`
	Extracted int    `json:"extracted"`
	Added     int    `json:"added"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	Errors    int    `json:"errors"`
}

// DigestFor returns the totals for day (YYYY-MM-DD). A day without runs is
// all zeros.
func (db *DB) DigestFor(day string) (Digest, error) {
	d := Digest{Day: day}
	err := db.QueryRow(`SELECT runs, extracted, added, updated, deleted, errors FROM digest WHERE day = ?`, day).
		Scan(&d.Runs, &d.Extracted, &d.Added, &d.Updated, &d.Deleted, &d.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return d, nil
	}
	return d, err
}
