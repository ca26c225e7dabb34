// SPDX-License-Identifier: MIT

//go:build linux

package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLock(t *testing.T, path string) *FileLock {
	t.Helper()
	fl, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fl.Close() })
	return fl
}

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playerd.lock")
	fl := newLock(t, path)

	require.NoError(t, fl.Acquire(context.Background(), time.Second))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid, "lock file should record the owner PID")

	require.NoError(t, fl.Release())
	require.Error(t, fl.Release(), "double release should fail")
}

func TestSecondInstanceBlockedUntilRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playerd.lock")
	first := newLock(t, path)
	require.NoError(t, first.Acquire(context.Background(), time.Second))

	second := newLock(t, path)
	start := time.Now()
	err := second.Acquire(context.Background(), 300*time.Millisecond)
	require.Error(t, err, "second instance must not acquire a held lock")
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire(context.Background(), time.Second))
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playerd.lock")
	holder := newLock(t, path)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	waiter := newLock(t, path)
	done := make(chan error, 1)
	go func() { done <- waiter.Acquire(ctx, time.Minute) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}
}

func TestDeadOwnerLockIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playerd.lock")

	// A PID from a process that certainly exited: spawn-free approach is to
	// use a PID beyond the default pid_max range.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o640))

	fl := newLock(t, path)
	require.NoError(t, fl.Acquire(context.Background(), time.Second),
		"a lock file from a dead process should be taken over")
}

func TestMalformedLockFileIsTakenOver(t *testing.T) {
	for _, contents := range []string{"", "not-a-pid", "-4\n"} {
		t.Run(fmt.Sprintf("%q", contents), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "playerd.lock")
			require.NoError(t, os.WriteFile(path, []byte(contents), 0o640))

			fl := newLock(t, path)
			require.NoError(t, fl.Acquire(context.Background(), time.Second))
		})
	}
}

func TestLiveOwnerLockIsNotStolen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playerd.lock")
	holder := newLock(t, path)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))

	// Backdate the lock file: age alone must never mark a live owner dead.
	old := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	require.False(t, ownerDead(path))
}

func TestCloseWithoutAcquireIsNoop(t *testing.T) {
	fl := newLock(t, filepath.Join(t.TempDir(), "playerd.lock"))
	require.NoError(t, fl.Close())
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "playerd", "playerd.lock")
	fl := newLock(t, path)
	require.NoError(t, fl.Acquire(context.Background(), time.Second))
	require.DirExists(t, filepath.Dir(path))
}
