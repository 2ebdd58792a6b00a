package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// ErrLockTimeout is returned when the store lock could not be acquired
// within the configured wait. Callers may retry.
var ErrLockTimeout = errors.New("store lock timeout")

const lockPollInterval = 100 * time.Millisecond

// Lock is an advisory exclusive file lock shared by every process that
// writes the store.
type Lock struct {
	path    string
	timeout time.Duration
}

// NewLock returns a lock on path with a bounded wait.
func NewLock(path string, timeout time.Duration) *Lock {
	return &Lock{path: path, timeout: timeout}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func (l *Lock) file() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return flock.New(l.path), nil
}

func release(fl *flock.Flock) func() {
	return func() {
		if err := fl.Unlock(); err != nil {
			log.Warn().Err(err).Str("lock", fl.Path()).Msg("unlock_failed")
		}
	}
}

// Acquire waits up to the lock timeout. The returned func releases the lock.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	fl, err := l.file()
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ok, err := fl.TryLockContext(waitCtx, lockPollInterval)
	if ok {
		return release(fl), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return nil, fmt.Errorf("%w: %s not acquired within %s", ErrLockTimeout, l.path, l.timeout)
}

// TryAcquire takes the lock without waiting. ok is false when another
// holder has it.
func (l *Lock) TryAcquire() (unlock func(), ok bool, err error) {
	fl, err := l.file()
	if err != nil {
		return nil, false, err
	}
	ok, err = fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return release(fl), true, nil
}

// Do runs fn while holding the lock and releases it on every return path.
func (l *Lock) Do(ctx context.Context, fn func() error) error {
	unlock, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
