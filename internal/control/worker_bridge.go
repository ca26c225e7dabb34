// SPDX-License-Identifier: MIT

package control

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tomtom215/playerd-go/internal/eventloop"
	"github.com/tomtom215/playerd-go/internal/worker"
)

// WorkerBridge delivers the player worker's asynchronous events (position
// ticks, end-of-track, decode errors) onto the single-threaded event loop.
// The worker's Run method is driven by the supervisor on its own
// goroutine, so its events arrive outside loop re-entry; a self-pipe
// (registered with the loop as an ordinary readable fd) is the handoff
// point, preserving the "no two handlers run concurrently" invariant for
// everything HandleWorkerEvent touches.
type WorkerBridge struct {
	loop       *eventloop.Loop
	dispatcher *Dispatcher
	readFD     int
	writeFD    int

	mu    sync.Mutex
	queue []worker.Event
}

// NewWorkerBridge arms the self-pipe, registers its read end with loop,
// and starts draining events into the queue. Close unregisters and
// releases both pipe ends. events is typically a worker.Worker's Events()
// channel; it is accepted directly (rather than the *worker.Worker) so
// tests can drive the bridge from a plain chan worker.Event.
func NewWorkerBridge(loop *eventloop.Loop, dispatcher *Dispatcher, events <-chan worker.Event) (*WorkerBridge, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("control: worker bridge pipe2: %w", err)
	}

	b := &WorkerBridge{
		loop:       loop,
		dispatcher: dispatcher,
		readFD:     fds[0],
		writeFD:    fds[1],
	}

	if err := loop.Register(b.readFD, eventloop.Readable, b.onReadable); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("control: register worker bridge: %w", err)
	}

	go b.pump(events)
	return b, nil
}

// pump runs on its own goroutine, started by NewWorkerBridge: it has no access to the loop's
// single-threaded state and only ever appends to the queue and pokes the
// pipe, never touches Playlist/Machine/Transaction directly.
func (b *WorkerBridge) pump(events <-chan worker.Event) {
	for ev := range events {
		b.mu.Lock()
		b.queue = append(b.queue, ev)
		b.mu.Unlock()
		_, _ = unix.Write(b.writeFD, []byte{0})
	}
}

// onReadable drains the wakeup byte(s) and every queued event, dispatching
// each to completion on the loop's thread before returning.
func (b *WorkerBridge) onReadable(fd int, ready eventloop.Interest) {
	var buf [64]byte
	for {
		if _, err := unix.Read(b.readFD, buf[:]); err != nil {
			break
		}
	}

	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, ev := range pending {
		b.dispatcher.HandleWorkerEvent(ev)
	}
}

// Close unregisters the bridge's read end from the loop and closes both
// pipe ends. The pump goroutine exits once the events channel is closed or
// the process exits; it is not explicitly joined here.
func (b *WorkerBridge) Close() error {
	_ = b.loop.Unregister(b.readFD)
	_ = unix.Close(b.readFD)
	return unix.Close(b.writeFD)
}
