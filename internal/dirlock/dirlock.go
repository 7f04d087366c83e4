// Package dirlock guards a history directory against concurrent engines.
//
// The lock is an advisory flock(2) on a well-known file inside the
// directory. The kernel releases it when the holding process exits, so no
// stale-lock cleanup or heartbeat is needed.
package dirlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/nervehq/nerve/internal/backoff"
)

var (
	// ErrLockConflict is returned when another process holds the lock.
	ErrLockConflict = errors.New("directory is locked by another process")
)

// lockFileName is created inside the guarded directory.
const lockFileName = ".nerve.lock"

// Lock represents a directory lock
type Lock interface {
	// TryLock attempts to acquire the lock without blocking
	TryLock() error
	// Lock acquires the lock, blocking until it is available or the
	// context is done
	Lock(ctx context.Context) error
	// Unlock releases the lock; it is a no-op when not held
	Unlock() error
	// IsLocked checks if any process holds the lock
	IsLocked() bool
	// IsHeldByMe checks if this instance holds the lock
	IsHeldByMe() bool
}

// LockOptions configures lock behavior
type LockOptions struct {
	// RetryInterval is the polling interval used by Lock (default 50ms)
	RetryInterval time.Duration
}

type dirLock struct {
	dir   string
	opts  *LockOptions
	mu    sync.Mutex
	flock *flock.Flock
	held  bool
}

// New creates a new directory lock for the given directory.
func New(dir string, opts *LockOptions) Lock {
	if opts == nil {
		opts = &LockOptions{}
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	return &dirLock{
		dir:   dir,
		opts:  opts,
		flock: flock.New(filepath.Join(dir, lockFileName)),
	}
}

// TryLock implements Lock.
func (l *dirLock) TryLock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return ErrLockConflict
	}
	l.held = true
	return nil
}

// Lock implements Lock.
func (l *dirLock) Lock(ctx context.Context) error {
	retrier := backoff.NewRetrier(backoff.NewConstantBackoffPolicy(l.opts.RetryInterval))
	for {
		err := l.TryLock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockConflict) {
			return err
		}
		interval, _ := retrier.Next(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Unlock implements Lock.
func (l *dirLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	l.held = false
	return nil
}

// IsHeldByMe implements Lock.
func (l *dirLock) IsHeldByMe() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// IsLocked implements Lock.
func (l *dirLock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true
	}
	path := filepath.Join(l.dir, lockFileName)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	// Probe with a second descriptor; an exclusive holder elsewhere makes
	// the probe fail.
	probe := flock.New(path)
	locked, err := probe.TryLock()
	if err != nil || !locked {
		return true
	}
	_ = probe.Unlock()
	return false
}
