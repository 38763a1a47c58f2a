package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 10 * time.Millisecond

// WriteLock serializes frame writes across every process sharing the lock
// file. Each acquisition opens its own descriptor, so goroutines of one
// process exclude each other as well.
type WriteLock struct {
	Path    string
	Timeout time.Duration
}

// Do runs fn while holding the lock. It fails with ErrLockTimeout when the
// lock is not acquired within Timeout, or with the context error when ctx
// ends first.
func (l WriteLock) Do(ctx context.Context, fn func() error) error {
	if l.Path == "" {
		return fn()
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fileLock := flock.New(l.Path)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s (%s)", ErrLockTimeout, timeout, l.Path)
		}
		return fmt.Errorf("acquire channel lock %s: %w", l.Path, err)
	}
	defer fileLock.Unlock() //nolint:errcheck
	return fn()
}

// InstanceLock is the single-owner lock a running daemon holds for its lifetime.
type InstanceLock struct {
	lock *flock.Flock
}

// AcquireInstance takes the daemon instance lock without waiting. A lock held
// elsewhere yields ErrAlreadyRunning.
func AcquireInstance(path string) (*InstanceLock, error) {
	fileLock := flock.New(path)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return &InstanceLock{lock: fileLock}, nil
}

// Release gives up ownership.
func (l *InstanceLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}

// DaemonPresent reports whether some process currently holds the instance lock.
func DaemonPresent(path string) (bool, error) {
	fileLock := flock.New(path)
	locked, err := fileLock.TryLock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if locked {
		_ = fileLock.Unlock()
		return false, nil
	}
	return true, nil
}
