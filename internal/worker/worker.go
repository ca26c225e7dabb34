// SPDX-License-Identifier: MIT

// Package worker implements the player worker channel: the daemon's link to
// an out-of-process subprocess that does the actual decoding and audio
// output. The worker never opens a music file itself — the daemon opens it
// read-only and passes the already-open file descriptor down the channel,
// the same privilege-separation split a hardened player daemon draws between its
// control process and its player child.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/playerd-go/internal/wire"
)

// EventKind distinguishes the three notifications the worker subprocess can
// emit back up the channel.
type EventKind int

const (
	EventPosition EventKind = iota
	EventEndOfTrack
	EventError
)

// Event is one notification read off the worker channel.
type Event struct {
	Kind     EventKind
	Position float64
	Duration float64
	Err      error
}

// Worker is a process-backed playback.Link: it execs the configured player
// worker binary, frames commands and events over the resulting socket pair
// via internal/wire, and is itself a supervisor.Service so a crashed worker
// is restarted under backoff rather than taking the daemon down with it.
type Worker struct {
	binaryPath string
	musicDir   string
	backoff    *Backoff
	logger     *slog.Logger

	events chan Event

	mu      sync.Mutex // guards channel/cmd/running across Run and the Link methods
	channel *wire.Channel
	cmd     *exec.Cmd
	running bool

	writeMu sync.Mutex // serializes Compose+Flush against concurrent Link calls
}

// New creates a Worker. events should be buffered enough that a slow
// consumer doesn't stall the read loop; the dispatcher is expected to drain
// it promptly.
func New(binaryPath, musicDir string, backoff *Backoff, logger *slog.Logger) *Worker {
	return &Worker{
		binaryPath: binaryPath,
		musicDir:   musicDir,
		backoff:    backoff,
		logger:     logger,
		events:     make(chan Event, 32),
	}
}

// Name identifies this service to the supervisor.
func (w *Worker) Name() string { return "player-worker" }

// Events returns the channel of position/end-of-track/error notifications
// the worker subprocess reports.
func (w *Worker) Events() <-chan Event { return w.events }

// Running reports whether a worker subprocess is currently attached, for
// health reporting.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Run execs the worker subprocess, serves its channel until it exits or ctx
// is cancelled, and records the outcome in the backoff policy. It returns
// nil on a clean, context-cancelled shutdown so the supervisor adapter
// treats it as intentional and does not restart it.
func (w *Worker) Run(ctx context.Context) error {
	start := time.Now()

	ours, theirs, err := socketpair()
	if err != nil {
		w.backoff.RecordFailure()
		return fmt.Errorf("worker: socketpair: %w", err)
	}

	ch, err := wire.NewChannel(ours, 0)
	if err != nil {
		_ = ours.Close()
		_ = theirs.Close()
		w.backoff.RecordFailure()
		return fmt.Errorf("worker: channel: %w", err)
	}

	cmd := exec.CommandContext(ctx, w.binaryPath)
	cmd.ExtraFiles = []*os.File{theirs}
	cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }

	if err := cmd.Start(); err != nil {
		_ = ch.Close()
		_ = theirs.Close()
		w.backoff.RecordFailure()
		return fmt.Errorf("worker: start %s: %w", w.binaryPath, err)
	}
	_ = theirs.Close() // the child holds its own copy via ExtraFiles

	w.mu.Lock()
	w.channel = ch
	w.cmd = cmd
	w.running = true
	w.mu.Unlock()

	w.logf("started", "binary", w.binaryPath, "pid", cmd.Process.Pid)

	defer func() {
		w.mu.Lock()
		w.channel = nil
		w.cmd = nil
		w.running = false
		w.mu.Unlock()
		_ = ch.Close()
	}()

	// EOF on the channel means the child is exiting; its exit status, not
	// the read error, then decides the outcome below.
	readErr := make(chan error, 1)
	go func() {
		if err := w.readLoop(ctx, ch); !errors.Is(err, io.EOF) {
			readErr <- err
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		<-waitErr
		return nil
	case err := <-waitErr:
		runTime := time.Since(start)
		if err != nil {
			w.backoff.RecordFailure()
			w.logError("exited", "err", err)
		} else {
			w.backoff.RecordSuccess(runTime)
		}
		if w.backoff.ShouldStop() {
			return fmt.Errorf("worker: giving up after %d attempts: %w", w.backoff.Attempts(), err)
		}
		if werr := w.backoff.WaitContext(ctx); werr != nil {
			return nil
		}
		if err == nil {
			return errors.New("worker: process exited unexpectedly")
		}
		return fmt.Errorf("worker: process exited: %w", err)
	case err := <-readErr:
		_ = cmd.Process.Kill()
		<-waitErr
		w.backoff.RecordFailure()
		return err
	}
}

// readLoop parses frames off ch until it closes or ctx is cancelled,
// translating worker events into Event values and dropping them onto the
// events channel without blocking the read path.
func (w *Worker) readLoop(ctx context.Context, ch *wire.Channel) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := ch.ReadAvailable()
		if err != nil {
			if errors.Is(err, wire.ErrWouldBlock) {
				if perr := waitReadable(ctx, ch.FD()); perr != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("worker: channel closed: %w", err)
		}
		for {
			msg, err := ch.NextMessage()
			if err != nil {
				return fmt.Errorf("worker: framing error: %w", err)
			}
			if msg == nil {
				break
			}
			w.handleMessage(*msg)
		}
	}
}

func (w *Worker) handleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeWorkerPosition:
		ev, err := wire.DecodeEventPayload(msg.Payload)
		if err != nil {
			w.logError("malformed position event", "err", err)
			return
		}
		w.emit(Event{Kind: EventPosition, Position: ev.Position, Duration: ev.Duration})
	case wire.TypeWorkerEndOfTrack:
		w.emit(Event{Kind: EventEndOfTrack})
	case wire.TypeWorkerError:
		w.emit(Event{Kind: EventError, Err: fmt.Errorf("worker: %s", string(msg.Payload))})
	default:
		w.logError("unexpected message from worker", "type", msg.Type)
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logError("event channel full, dropping", "kind", ev.Kind)
	}
}

// waitReadable blocks until fd is readable, ctx is cancelled, or an error
// occurs, polling in short slices so cancellation is noticed promptly.
func waitReadable(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.Poll(fds, 200)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// sendCommand composes and flushes one command frame, blocking (via poll)
// until the write completes or ctx-independent I/O fails.
func (w *Worker) sendCommand(typ wire.Type, fd int, payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	ch := w.channel
	w.mu.Unlock()
	if ch == nil {
		return errors.New("worker: not running")
	}

	if err := ch.Compose(typ, 0, fd, payload); err != nil {
		return err
	}
	for {
		err := ch.Flush()
		if err == nil {
			return nil
		}
		if !errors.Is(err, wire.ErrWouldBlock) {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(ch.FD()), Events: unix.POLLOUT}}
		if _, perr := unix.Poll(fds, -1); perr != nil && !errors.Is(perr, unix.EINTR) {
			return perr
		}
	}
}

// Load opens path read-only and hands the fd to the worker: the daemon
// does the opening, the worker only ever reads from an fd it's handed. path
// must resolve under the configured music directory; the worker process is
// never trusted to enforce that boundary itself.
func (w *Worker) Load(path string) error {
	if err := w.checkUnderMusicDir(path); err != nil {
		return err
	}
	f, err := wire.OpenForPassing(path)
	if err != nil {
		return fmt.Errorf("worker: open %s: %w", path, err)
	}
	defer f.Close()
	return w.sendCommand(wire.TypeWorkerLoad, int(f.Fd()), []byte(path))
}

func (w *Worker) checkUnderMusicDir(path string) error {
	if w.musicDir == "" {
		return nil
	}
	root := filepath.Clean(w.musicDir)
	resolved := filepath.Clean(path)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("worker: %s escapes music directory %s", path, w.musicDir)
	}
	return nil
}

// Play resumes or starts playback of the most recently loaded track.
func (w *Worker) Play() error { return w.sendCommand(wire.TypeWorkerResume, -1, nil) }

// Pause pauses playback of the current track.
func (w *Worker) Pause() error { return w.sendCommand(wire.TypeWorkerPause, -1, nil) }

// Stop halts playback and releases the worker's handle on the track.
func (w *Worker) Stop() error { return w.sendCommand(wire.TypeWorkerStop, -1, nil) }

// Seek asks the worker to seek the current track, relative to its current
// position or to an absolute offset.
func (w *Worker) Seek(relative bool, seconds float64) error {
	mode := wire.SeekAbsolute
	if relative {
		mode = wire.SeekRelative
	}
	payload := wire.SeekPayload{Mode: mode, Seconds: seconds}.Encode()
	return w.sendCommand(wire.TypeWorkerSeek, -1, payload)
}

// socketpair creates a connected AF_UNIX SOCK_STREAM pair: ours is wrapped
// as a *net.UnixConn for the daemon side's wire.Channel, theirs as a raw
// *os.File for the child process's inherited fd 3 (ExtraFiles[0]).
func socketpair() (ours *net.UnixConn, theirs *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	oursFile := os.NewFile(uintptr(fds[0]), "worker-channel")
	oursConn, err := net.FileConn(oursFile)
	_ = oursFile.Close() // FileConn dup'd the fd; release our copy of the original
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	unixConn, ok := oursConn.(*net.UnixConn)
	if !ok {
		_ = oursConn.Close()
		_ = unix.Close(fds[1])
		return nil, nil, errors.New("worker: socketpair: unexpected conn type")
	}
	return unixConn, os.NewFile(uintptr(fds[1]), "worker-channel-child"), nil
}

func (w *Worker) logf(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Info(msg, args...)
	}
}

func (w *Worker) logError(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Error(msg, args...)
	}
}
