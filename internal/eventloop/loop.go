// SPDX-License-Identifier: MIT

// Package eventloop implements the single-threaded, level-triggered,
// readiness-driven dispatcher the rest of the daemon is built on:
// register/modify/unregister file descriptors for readable and
// writable interest, schedule one-shot timers, and run handlers to
// completion one at a time so nothing else in the daemon needs a lock.
package eventloop

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is a subset of {readable, writable}.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Handler is invoked when a registered fd becomes ready. ready is the
// subset of the fd's registered interest that fired.
type Handler func(fd int, ready Interest)

// TimerHandler is invoked once when a scheduled timer fires.
type TimerHandler func()

// Loop is a single-threaded epoll-backed event loop. It is not safe for
// concurrent use from multiple goroutines — handlers never run
// concurrently with each other.
type Loop struct {
	epfd     int
	handlers map[int]registration
	timers   timerHeap
	nextID   uint64
	closed   bool
}

type registration struct {
	interest Interest
	handler  Handler
}

// New creates an event loop backed by a fresh epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:     epfd,
		handlers: make(map[int]registration),
	}, nil
}

// Close releases the epoll instance.
func (l *Loop) Close() error {
	l.closed = true
	return unix.Close(l.epfd)
}

// Register adds fd to the loop with the given interest and handler.
func (l *Loop) Register(fd int, interest Interest, handler Handler) error {
	if _, exists := l.handlers[fd]; exists {
		return fmt.Errorf("eventloop: fd %d already registered", fd)
	}
	event := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	l.handlers[fd] = registration{interest: interest, handler: handler}
	return nil
}

// Modify changes the interest set for an already-registered fd.
func (l *Loop) Modify(fd int, interest Interest) error {
	reg, exists := l.handlers[fd]
	if !exists {
		return fmt.Errorf("eventloop: fd %d not registered", fd)
	}
	event := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod fd %d: %w", fd, err)
	}
	reg.interest = interest
	l.handlers[fd] = reg
	return nil
}

// Unregister removes fd from the loop. It is not an error to unregister an
// fd that is about to be closed by the caller.
func (l *Loop) Unregister(fd int) error {
	if _, exists := l.handlers[fd]; !exists {
		return nil
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Registered reports whether fd currently holds a registration.
func (l *Loop) Registered(fd int) bool {
	_, exists := l.handlers[fd]
	return exists
}

// ScheduleTimer arms a one-shot timer that fires handler after d, unless
// cancelled first. It returns a token that Cancel accepts.
func (l *Loop) ScheduleTimer(d time.Duration, handler TimerHandler) TimerToken {
	l.nextID++
	t := &timer{id: l.nextID, deadline: time.Now().Add(d), handler: handler}
	heap.Push(&l.timers, t)
	return TimerToken{id: t.id}
}

// TimerToken identifies a scheduled timer for cancellation.
type TimerToken struct{ id uint64 }

// Cancel prevents a pending timer from firing. It is a no-op if the timer
// already fired or was already cancelled.
func (l *Loop) Cancel(tok TimerToken) {
	for i, t := range l.timers {
		if t.id == tok.id {
			heap.Remove(&l.timers, i)
			return
		}
	}
}

// TimerPending reports whether any timer is armed and has not yet fired.
func (l *Loop) TimerPending() bool {
	return len(l.timers) > 0
}

// RunOnce waits for at most one round of readiness or the next timer
// deadline, whichever comes first, dispatching every handler that fires to
// completion before returning. maxWait bounds how long to block when no
// timer is pending (use -1 to block indefinitely).
func (l *Loop) RunOnce(maxWait time.Duration) error {
	timeoutMS := -1
	if maxWait >= 0 {
		timeoutMS = int(maxWait / time.Millisecond)
	}
	if len(l.timers) > 0 {
		until := time.Until(l.timers[0].deadline)
		if until < 0 {
			until = 0
		}
		untilMS := int(until / time.Millisecond)
		if maxWait < 0 || untilMS < timeoutMS {
			timeoutMS = untilMS
		}
	}

	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(l.epfd, events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			n = 0
		} else {
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		reg, exists := l.handlers[fd]
		if !exists {
			continue // unregistered between epoll_wait returning and dispatch
		}
		ready := readyInterest(events[i].Events)
		reg.handler(fd, ready)
	}

	l.fireDueTimers()
	return nil
}

func (l *Loop) fireDueTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		t.handler()
	}
}

func epollEvents(i Interest) uint32 {
	var e uint32
	if i&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func readyInterest(e uint32) Interest {
	var i Interest
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		i |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		i |= Writable
	}
	return i
}
