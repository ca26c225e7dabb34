// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// headerSize is the on-wire frame header: type tag, payload length, sender
// PID, and a flag for whether an fd rides along in the ancillary data.
const headerSize = 4 + 4 + 4 + 1

// Message is one fully-parsed frame.
type Message struct {
	Type    Type
	PID     int32 // 0 if the sender did not supply one
	FD      int   // -1 if no file descriptor was passed
	Payload []byte
}

// HasFD reports whether the message carried a passed file descriptor. The
// caller owns FD and must close it.
func (m Message) HasFD() bool { return m.FD >= 0 }

// ErrWouldBlock is returned by ReadAvailable/Flush when the underlying
// socket has no more data to read, or write, without blocking. It is not a
// fatal condition.
var ErrWouldBlock = errors.New("wire: would block")

// Channel is a bidirectional framed-message transport over one AF_UNIX
// stream socket, with buffered reads and writes and optional ancillary fd
// passing.
type Channel struct {
	conn *net.UnixConn
	raw  int // underlying fd, used for non-blocking syscalls

	in  []byte // accumulated inbound bytes not yet parsed into messages
	out []byte // accumulated outbound bytes not yet flushed

	pendingFD    int // an fd read via SCM_RIGHTS but not yet attached to a message
	pendingOutFD int // an fd queued via Compose but not yet sent

	maxPayload int
}

// NewChannel wraps an already-connected, non-blocking AF_UNIX socket.
func NewChannel(conn *net.UnixConn, maxPayload int) (*Channel, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("wire: channel: %w", err)
	}
	var fd int
	ctrlErr := raw.Control(func(fdv uintptr) { fd = int(fdv) })
	if ctrlErr != nil {
		return nil, fmt.Errorf("wire: channel: %w", ctrlErr)
	}
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}
	return &Channel{conn: conn, raw: fd, pendingFD: -1, pendingOutFD: -1, maxPayload: maxPayload}, nil
}

// FD returns the underlying socket descriptor, for registering with the
// event loop.
func (c *Channel) FD() int { return c.raw }

// Close releases the socket and any fd received but never claimed by a
// caller of NextMessage.
func (c *Channel) Close() error {
	if c.pendingFD >= 0 {
		_ = unix.Close(c.pendingFD)
		c.pendingFD = -1
	}
	return c.conn.Close()
}

// ReadAvailable drains as much as the socket currently offers into the
// internal inbound buffer. It returns (0, io.EOF) on orderly close (bytes
// read before the close in the same call are returned with a nil error),
// (0, ErrWouldBlock) if nothing was available, or (n, err) on a fatal error.
func (c *Channel) ReadAvailable() (int, error) {
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(4))
	total := 0

	for {
		n, oobn, _, _, err := unix.Recvmsg(c.raw, buf, oob, unix.MSG_DONTWAIT)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				if total == 0 {
					return 0, ErrWouldBlock
				}
				return total, nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, fmt.Errorf("wire: recvmsg: %w", err)
		}
		if n == 0 && oobn == 0 {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}

		c.in = append(c.in, buf[:n]...)
		total += n

		if oobn > 0 {
			if fd, ok := parseSCMRights(oob[:oobn]); ok {
				if c.pendingFD >= 0 {
					_ = unix.Close(c.pendingFD) // a prior fd was never claimed; drop it rather than leak
				}
				c.pendingFD = fd
			}
		}

		if n < len(buf) {
			return total, nil
		}
	}
}

func parseSCMRights(oob []byte) (int, bool) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err == nil && len(fds) > 0 {
			return fds[0], true
		}
	}
	return 0, false
}

// NextMessage returns the next complete frame buffered so far, or (nil,
// nil) if no full frame is available yet. A malformed header (bad length)
// is a fatal framing error.
func (c *Channel) NextMessage() (*Message, error) {
	if len(c.in) < headerSize {
		return nil, nil
	}

	typ := binary.BigEndian.Uint32(c.in[0:4])
	length := binary.BigEndian.Uint32(c.in[4:8])
	pid := int32(binary.BigEndian.Uint32(c.in[8:12]))
	hasFD := c.in[12] != 0

	if int(length) > c.maxPayload {
		return nil, fmt.Errorf("wire: frame payload %d exceeds max %d", length, c.maxPayload)
	}

	total := headerSize + int(length)
	if len(c.in) < total {
		return nil, nil
	}

	payload := make([]byte, length)
	copy(payload, c.in[headerSize:total])

	fd := -1
	if hasFD {
		if c.pendingFD < 0 {
			return nil, errors.New("wire: frame claims a passed fd but none arrived")
		}
		fd = c.pendingFD
		c.pendingFD = -1
	}

	// Slide the consumed frame out of the inbound buffer.
	rest := make([]byte, len(c.in)-total)
	copy(rest, c.in[total:])
	c.in = rest

	return &Message{Type: Type(typ), PID: pid, FD: fd, Payload: payload}, nil
}

// Compose appends a frame to the outgoing buffer. It refuses payloads
// larger than the channel's configured maximum. fd may be -1.
func (c *Channel) Compose(typ Type, pid int32, fd int, payload []byte) error {
	if len(payload) > c.maxPayload {
		return fmt.Errorf("wire: compose: payload %d exceeds max %d", len(payload), c.maxPayload)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(typ))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[8:12], uint32(pid))
	if fd >= 0 {
		header[12] = 1
	}

	c.out = append(c.out, header...)
	c.out = append(c.out, payload...)
	if fd >= 0 {
		c.pendingOutFD = fd
	}
	return nil
}

// Flush writes as much of the outgoing buffer as possible without
// blocking. ErrWouldBlock is non-fatal: the caller should register for
// writable events and retry.
func (c *Channel) Flush() error {
	for len(c.out) > 0 {
		var oob []byte
		if c.pendingOutFD >= 0 {
			oob = unix.UnixRights(c.pendingOutFD)
		}

		n, err := unix.SendmsgN(c.raw, c.out, oob, nil, unix.MSG_DONTWAIT)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return ErrWouldBlock
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("wire: sendmsg: %w", err)
		}
		if n > 0 && c.pendingOutFD >= 0 {
			c.pendingOutFD = -1 // the fd rides with the first byte written; never resend it
		}
		c.out = c.out[n:]
	}
	return nil
}

// Pending reports whether any composed bytes are still waiting to be
// flushed.
func (c *Channel) Pending() bool { return len(c.out) > 0 }

// PeerCredentials returns the PID of the process on the other end of the
// socket, via SO_PEERCRED, at connection-accept time.
func PeerCredentials(conn *net.UnixConn) (pid int32, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var ucred *unix.Ucred
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		ucred, ctrlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return ucred.Pid, nil
}

// OpenForPassing opens path read-only for handing to the player worker as a
// passed fd: the worker never opens music files itself, only the daemon
// that already validated the playlist entry does.
func OpenForPassing(path string) (*os.File, error) {
	return os.Open(path)
}
