// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tomtom215/playerd-go/internal/wire"
)

// TestMain re-execs this test binary as a fake player worker subprocess
// when WORKER_TEST_HELPER_PROCESS is set, the same trick os/exec's own
// tests use to get a real child process without shipping a second binary.
func TestMain(m *testing.M) {
	if os.Getenv("WORKER_TEST_HELPER_PROCESS") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperWorker speaks the worker channel protocol on inherited fd 3,
// behaving according to WORKER_TEST_HELPER_BEHAVIOR.
func runHelperWorker() {
	conn, err := net.FileConn(os.NewFile(3, "worker-channel-child"))
	if err != nil {
		os.Exit(1)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		os.Exit(1)
	}
	ch, err := wire.NewChannel(uconn, 0)
	if err != nil {
		os.Exit(1)
	}
	behavior := os.Getenv("WORKER_TEST_HELPER_BEHAVIOR")
	if behavior == "crash" {
		os.Exit(7)
	}

	for {
		_, err := ch.ReadAvailable()
		if err != nil {
			if err == wire.ErrWouldBlock {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			return
		}
		for {
			msg, err := ch.NextMessage()
			if err != nil || msg == nil {
				break
			}
			if msg.HasFD() {
				_ = unix.Close(msg.FD)
			}
			switch msg.Type {
			case wire.TypeWorkerResume:
				_ = ch.Compose(wire.TypeWorkerPosition, 0, -1,
					wire.EventPayload{Kind: wire.TypeWorkerPosition, Position: 1.5, Duration: 10}.Encode())
				_ = ch.Flush()
				_ = ch.Compose(wire.TypeWorkerEndOfTrack, 0, -1, nil)
				_ = ch.Flush()
			case wire.TypeWorkerSeek:
				sp, derr := wire.DecodeSeekPayload(msg.Payload)
				if derr != nil {
					continue
				}
				_ = ch.Compose(wire.TypeWorkerError, 0, -1,
					[]byte(fmt.Sprintf("seek:%d:%v", sp.Mode, sp.Seconds)))
				_ = ch.Flush()
			}
		}
	}
}

func waitRunning(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if w.Running() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("worker did not report running in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func recvEvent(t *testing.T, w *Worker) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker event")
		return Event{}
	}
}

func TestWorkerLoadPlayEmitsPositionAndEndOfTrack(t *testing.T) {
	t.Setenv("WORKER_TEST_HELPER_PROCESS", "1")

	musicDir := t.TempDir()
	w := New(os.Args[0], musicDir, NewBackoff(10*time.Millisecond, 100*time.Millisecond, 100), nil)

	track := musicDir + "/track.flac"
	require.NoError(t, os.WriteFile(track, []byte("fake audio"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	waitRunning(t, w)

	require.NoError(t, w.Load(track))
	require.NoError(t, w.Play())

	pos := recvEvent(t, w)
	require.Equal(t, EventPosition, pos.Kind)
	require.InDelta(t, 1.5, pos.Position, 0.001)
	require.InDelta(t, 10, pos.Duration, 0.001)

	eot := recvEvent(t, w)
	require.Equal(t, EventEndOfTrack, eot.Kind)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestWorkerSeekForwardsRelativeFlag(t *testing.T) {
	t.Setenv("WORKER_TEST_HELPER_PROCESS", "1")

	w := New(os.Args[0], t.TempDir(), NewBackoff(10*time.Millisecond, 100*time.Millisecond, 100), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	waitRunning(t, w)

	require.NoError(t, w.Seek(true, 5))

	ev := recvEvent(t, w)
	require.Equal(t, EventError, ev.Kind)
	require.Contains(t, ev.Err.Error(), fmt.Sprintf("seek:%d:5", wire.SeekRelative))
}

func TestWorkerProcessExitRecordsFailureAndReturnsAfterBackoff(t *testing.T) {
	t.Setenv("WORKER_TEST_HELPER_PROCESS", "1")
	t.Setenv("WORKER_TEST_HELPER_BEHAVIOR", "crash")

	b := NewBackoff(10*time.Millisecond, 20*time.Millisecond, 100)
	w := New(os.Args[0], t.TempDir(), b, nil)

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Contains(t, err.Error(), "process exited")
		require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
		require.Equal(t, 1, b.ConsecutiveFailures())
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the crashed worker's backoff delay")
	}
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	t.Setenv("WORKER_TEST_HELPER_PROCESS", "1")
	t.Setenv("WORKER_TEST_HELPER_BEHAVIOR", "crash")

	b := NewBackoff(time.Millisecond, time.Millisecond, 1)
	b.RecordFailure() // pre-exhaust the single allotted attempt
	w := New(os.Args[0], t.TempDir(), b, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "giving up")
}

func TestWorkerRunning(t *testing.T) {
	t.Setenv("WORKER_TEST_HELPER_PROCESS", "1")

	w := New(os.Args[0], t.TempDir(), NewBackoff(time.Second, time.Second, 100), nil)
	require.False(t, w.Running())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	waitRunning(t, w)
	require.True(t, w.Running())

	cancel()
	deadline := time.After(2 * time.Second)
	for w.Running() {
		select {
		case <-deadline:
			t.Fatal("worker still reports running after cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
