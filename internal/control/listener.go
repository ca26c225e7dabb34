// SPDX-License-Identifier: MIT

// Package control implements the AF_UNIX control socket: accepting client
// connections, dispatching their framed commands against the playback
// state machine and playlist, and relaying player worker events back to
// monitoring clients.
package control

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/playerd-go/internal/eventloop"
	"github.com/tomtom215/playerd-go/internal/wire"
)

// Listener owns the control socket's listening fd and every accepted
// client connection.
type Listener struct {
	loop   *eventloop.Loop
	logger *slog.Logger

	path          string
	listenFD      int
	acceptBackoff time.Duration
	maxPayload    int

	dispatcher *Dispatcher
	conns      map[int]*Conn

	pauseTimer      eventloop.TimerToken
	pauseTimerArmed bool
}

// NewListener creates the control socket at path, binds and listens on
// it, and registers the accept handler with loop. path is unlinked first
// if it already exists (a stale socket from a prior run).
func NewListener(loop *eventloop.Loop, path string, backlog int, acceptBackoff time.Duration, maxPayload int, dispatcher *Dispatcher, logger *slog.Logger) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("control: socket: %w", err)
	}

	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		unix.Close(fd)
		return nil, fmt.Errorf("control: unlink %s: %w", path, err)
	}

	oldUmask := unix.Umask(0o177)
	sa := &unix.SockaddrUnix{Name: path}
	bindErr := unix.Bind(fd, sa)
	unix.Umask(oldUmask)
	if bindErr != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("control: bind %s: %w", path, bindErr)
	}

	if err := os.Chmod(path, 0o660); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("control: chmod %s: %w", path, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("control: listen: %w", err)
	}

	l := &Listener{
		loop:          loop,
		logger:        logger,
		path:          path,
		listenFD:      fd,
		acceptBackoff: acceptBackoff,
		maxPayload:    maxPayload,
		dispatcher:    dispatcher,
		conns:         make(map[int]*Conn),
	}
	dispatcher.listener = l

	if err := l.enableAccept(); err != nil {
		unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, err
	}
	return l, nil
}

func (l *Listener) enableAccept() error {
	return l.loop.Register(l.listenFD, eventloop.Readable, l.onAcceptReady)
}

func (l *Listener) onAcceptReady(fd int, ready eventloop.Interest) {
	for {
		connFD, _, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
				return
			case unix.ENFILE, unix.EMFILE:
				// Out of file descriptors: pause accept and retry once
				// the backoff timer fires.
				_ = l.loop.Unregister(l.listenFD)
				l.pauseTimer = l.loop.ScheduleTimer(l.acceptBackoff, func() {
					l.pauseTimerArmed = false
					if rerr := l.enableAccept(); rerr != nil && l.logger != nil {
						l.logger.Error("failed to re-arm control listener", "err", rerr)
					}
				})
				l.pauseTimerArmed = true
				return
			default:
				if l.logger != nil {
					l.logger.Warn("accept4 failed", "err", err)
				}
				return
			}
		}

		uc, err := fileConnFromFD(connFD)
		if err != nil {
			unix.Close(connFD)
			continue
		}
		ch, err := wire.NewChannel(uc, l.maxPayload)
		if err != nil {
			uc.Close()
			continue
		}

		pid, _ := wire.PeerCredentials(uc)
		c := newConn(l, ch, pid)
		l.conns[ch.FD()] = c

		if err := l.loop.Register(ch.FD(), eventloop.Readable, c.onReady); err != nil {
			if l.logger != nil {
				l.logger.Error("failed to register client connection", "err", err)
			}
			delete(l.conns, ch.FD())
			ch.Close()
			continue
		}
	}
}

// fileConnFromFD wraps a raw, already-accepted socket fd as a *net.UnixConn.
func fileConnFromFD(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "control-conn")
	conn, err := net.FileConn(f)
	_ = f.Close() // FileConn dup'd the descriptor
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("control: accepted fd is not a unix socket")
	}
	return uc, nil
}

// byFD returns the connection owning fd, if still open.
func (l *Listener) byFD(fd int) *Conn { return l.conns[fd] }

// byPID returns the first connection whose peer reported this pid, used
// to relay worker events back to whichever client issued the matching
// command.
func (l *Listener) byPID(pid int32) *Conn {
	for _, c := range l.conns {
		if c.peerPID == pid {
			return c
		}
	}
	return nil
}

// relayToPID delivers a frame to the single connection whose peer reported
// pid, used to route an asynchronous player worker event back to whichever
// client originally requested it, in addition to the usual monitor
// broadcast. A connection that is already a monitor is skipped here since
// broadcastToMonitors already delivered it the same notification. Reports
// whether the frame was actually delivered.
func (l *Listener) relayToPID(pid int32, typ wire.Type, payload []byte) bool {
	c := l.byPID(pid)
	if c == nil || c.monitor {
		return false
	}
	c.send(typ, payload, -1)
	return true
}

// close tears down a client connection: cancels any pending timers,
// aborts an in-flight transaction it owns, unregisters it from the loop,
// and closes its socket.
func (l *Listener) close(c *Conn) {
	if _, ok := l.conns[c.channel.FD()]; !ok {
		return
	}
	delete(l.conns, c.channel.FD())

	l.dispatcher.abortTransactionOwnedBy(c)

	_ = l.loop.Unregister(c.channel.FD())
	_ = c.channel.Close()

	// File descriptors are available again: cancel the pending backoff
	// timer (if any) and re-arm accept immediately, rather than leaving
	// it to fire on its own and attempt to re-register an fd that is
	// already registered.
	if l.pauseTimerArmed && !l.loop.Registered(l.listenFD) {
		l.loop.Cancel(l.pauseTimer)
		l.pauseTimerArmed = false
		_ = l.enableAccept()
	}
}

// broadcastToMonitors sends a frame of type kind (an encoded EventPayload
// notification, or a textual worker error) to every connection that
// issued MONITOR.
func (l *Listener) broadcastToMonitors(kind wire.Type, payload []byte) {
	for _, c := range l.conns {
		if !c.monitor {
			continue
		}
		c.send(kind, payload, -1)
	}
}

// Close shuts down the listener and every client connection.
func (l *Listener) Close() error {
	for _, c := range l.conns {
		_ = l.loop.Unregister(c.channel.FD())
		_ = c.channel.Close()
	}
	l.conns = make(map[int]*Conn)
	_ = l.loop.Unregister(l.listenFD)
	err := unix.Close(l.listenFD)
	_ = unix.Unlink(l.path)
	return err
}
