// SPDX-License-Identifier: MIT

//go:build linux

// Package lock guards the daemon against a second instance contending for
// the same control socket: an flock(2)-held lock file carrying the owner's
// PID, with stale-lock takeover when that process is gone.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// retryInterval is how often Acquire re-attempts a contended flock.
const retryInterval = 100 * time.Millisecond

// FileLock is an exclusive, PID-tracking lock on a single filesystem path.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// New prepares a lock at path, creating the parent directory if needed.
// The lock is not held until Acquire succeeds.
func New(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock: path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lock: create directory: %w", err)
	}
	return &FileLock{path: path}, nil
}

// Acquire takes the exclusive lock, retrying a contended flock until
// timeout elapses or ctx is cancelled. A lock file whose recorded owner is
// no longer running is removed and taken over. On success the caller's PID
// is written to the lock file for the next instance's staleness check.
func (fl *FileLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ownerDead(fl.path) {
		_ = os.Remove(fl.path)
	}

	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("lock: open %s: %w", fl.path, err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = file.Close()
				return fmt.Errorf("lock: %s still held after %v: %w", fl.path, timeout, err)
			}
		}
	}

	if err := recordPID(file); err != nil {
		_ = file.Close()
		return err
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// Release drops the lock. It fails if the lock is not held.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock: not held")
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("lock: unlock: %w", err)
	}
	err := fl.file.Close()
	fl.file = nil
	if err != nil {
		return fmt.Errorf("lock: close: %w", err)
	}
	return nil
}

// Close releases the lock if held; releasing an unheld lock is not an
// error here, so it is safe to defer unconditionally.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()

	if held {
		return fl.Release()
	}
	return nil
}

// recordPID replaces the lock file's contents with the current PID.
func recordPID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("lock: truncate: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("lock: seek: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("lock: write pid: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("lock: sync: %w", err)
	}
	return nil
}

// ownerDead reports whether the lock file exists but its recorded owner
// process does not. An unreadable or malformed lock file counts as dead.
// Age is deliberately not considered: a daemon that has been up for days
// holds a lock file far older than any reasonable threshold, and an mtime
// check would let a second instance steal it from a healthy process.
func ownerDead(lockPath string) bool {
	if _, err := os.Stat(lockPath); err != nil {
		return false // absent (or unstattable): nothing to take over
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// FindProcess always succeeds on Unix; signal 0 is the liveness probe.
	return proc.Signal(syscall.Signal(0)) != nil
}
