// SPDX-License-Identifier: MIT

package control

import (
	"errors"

	"github.com/tomtom215/playerd-go/internal/eventloop"
	"github.com/tomtom215/playerd-go/internal/wire"
)

// Conn is one accepted client connection on the control socket.
type Conn struct {
	listener *Listener
	channel  *wire.Channel
	peerPID  int32
	monitor  bool // true once MONITOR has been issued
}

func newConn(l *Listener, ch *wire.Channel, peerPID int32) *Conn {
	return &Conn{listener: l, channel: ch, peerPID: peerPID}
}

// onReady is the event loop handler for this connection's socket: drains
// readable bytes, dispatches every complete frame, and flushes any queued
// replies.
func (c *Conn) onReady(fd int, ready eventloop.Interest) {
	if ready&eventloop.Readable != 0 {
		if _, err := c.channel.ReadAvailable(); err != nil && !errors.Is(err, wire.ErrWouldBlock) {
			c.listener.close(c)
			return
		}

		for {
			msg, err := c.channel.NextMessage()
			if err != nil {
				c.listener.close(c)
				return
			}
			if msg == nil {
				break
			}
			c.listener.dispatcher.dispatch(c, msg)
		}
	}

	if ready&eventloop.Writable != 0 {
		c.flush()
	}

	c.syncWriteInterest()
}

// send queues a reply frame and flushes what it can immediately.
func (c *Conn) send(typ wire.Type, payload []byte, fd int) {
	_ = c.channel.Compose(typ, 0, fd, payload)
	c.flush()
	c.syncWriteInterest()
}

func (c *Conn) flush() {
	if err := c.channel.Flush(); err != nil && err != wire.ErrWouldBlock {
		c.listener.close(c)
	}
}

// syncWriteInterest registers or unregisters writable interest depending
// on whether bytes are still queued, so the loop only wakes this
// connection for write-readiness when there is something to send.
func (c *Conn) syncWriteInterest() {
	if !c.listener.loop.Registered(c.channel.FD()) {
		return
	}
	want := eventloop.Readable
	if c.channel.Pending() {
		want |= eventloop.Writable
	}
	_ = c.listener.loop.Modify(c.channel.FD(), want)
}
