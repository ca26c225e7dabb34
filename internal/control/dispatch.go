// SPDX-License-Identifier: MIT

package control

import (
	"log/slog"
	"strings"

	"github.com/tomtom215/playerd-go/internal/playback"
	"github.com/tomtom215/playerd-go/internal/playlist"
	"github.com/tomtom215/playerd-go/internal/wire"
	"github.com/tomtom215/playerd-go/internal/worker"
)

// Dispatcher interprets every inbound command frame against the live
// playlist and playback state machine, replies to the issuing connection,
// and broadcasts notifications to monitor clients.
type Dispatcher struct {
	listener *Listener // back-reference, set by NewListener
	live     *playlist.Playlist
	machine  *playback.Machine
	tx       *transaction
	logger   *slog.Logger

	// lastWorkerRequestPID is the peer PID of the connection whose command
	// most recently drove the player worker (PLAY/PAUSE/STOP/NEXT/PREV/
	// JUMP/SEEK). It lets an asynchronous worker error be relayed straight
	// back to the connection that caused it, in addition to the usual
	// monitor broadcast.
	lastWorkerRequestPID int32
}

// NewDispatcher builds a Dispatcher over the daemon's single live playlist
// and playback state machine.
func NewDispatcher(live *playlist.Playlist, machine *playback.Machine, txCapHint int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		live:    live,
		machine: machine,
		tx:      newTransaction(txCapHint),
		logger:  logger,
	}
}

// abortTransactionOwnedBy discards the in-flight transaction if it was
// owned by a now-closing connection.
func (d *Dispatcher) abortTransactionOwnedBy(c *Conn) {
	d.tx.abortIfOwnedBy(c)
}

func (d *Dispatcher) dispatch(c *Conn, msg *wire.Message) {
	switch msg.Type {
	case wire.TypePlay:
		d.rememberRequestor(c)
		d.reply(c, d.machine.Play())
		d.notify(wire.TypePlay)

	case wire.TypeTogglePlay:
		d.rememberRequestor(c)
		wasStopped := d.machine.State() == playback.StateStopped
		d.reply(c, d.machine.TogglePlay())
		if wasStopped {
			d.notify(wire.TypePlay)
		} else if d.machine.State() == playback.StatePaused {
			d.notify(wire.TypePause)
		} else {
			d.notify(wire.TypePlay)
		}

	case wire.TypePause:
		d.rememberRequestor(c)
		wasPlaying := d.machine.State() == playback.StatePlaying
		d.reply(c, d.machine.Pause())
		if wasPlaying {
			d.notify(wire.TypePause)
		}

	case wire.TypeStop:
		d.rememberRequestor(c)
		wasStopped := d.machine.State() == playback.StateStopped
		d.reply(c, d.machine.Stop())
		if !wasStopped {
			d.notify(wire.TypeStop)
		}

	case wire.TypeFlush:
		// While stopped there is no current track to preserve, so the
		// whole playlist goes.
		if d.machine.State() == playback.StateStopped {
			d.live.Reset()
		} else {
			d.live.Truncate()
		}
		d.notify(wire.TypeCommit)

	case wire.TypeShow:
		d.handleShow(c)

	case wire.TypeStatus:
		d.handleStatus(c)

	case wire.TypeNext:
		d.rememberRequestor(c)
		d.notify(wire.TypeNext)
		d.reply(c, d.machine.Next())

	case wire.TypePrev:
		d.rememberRequestor(c)
		d.notify(wire.TypePrev)
		d.reply(c, d.machine.Previous())

	case wire.TypeJump:
		d.rememberRequestor(c)
		d.handleJump(c, msg.Payload)

	case wire.TypeMode:
		d.handleMode(c, msg.Payload)

	case wire.TypeBegin:
		if err := d.tx.begin(c); err != nil {
			c.send(wire.TypeError, []byte(err.Error()), -1)
			return
		}
		c.send(wire.TypeOK, nil, -1)

	case wire.TypeAdd:
		d.handleAdd(c, msg.Payload)

	case wire.TypeCommit:
		d.handleCommit(c, msg.Payload)

	case wire.TypeMonitor:
		c.monitor = true

	case wire.TypeSeek:
		d.rememberRequestor(c)
		d.handleSeek(c, msg.Payload)

	default:
		if d.logger != nil {
			d.logger.Debug("ignoring unknown message type", "type", msg.Type)
		}
	}
}

// rememberRequestor records c's peer PID as the one whose command most
// recently drove the player worker, so a later asynchronous worker error
// can be relayed directly back to it via relayToPID.
func (d *Dispatcher) rememberRequestor(c *Conn) {
	d.lastWorkerRequestPID = c.peerPID
}

// reply sends an OK or an error frame depending on err.
func (d *Dispatcher) reply(c *Conn, err error) {
	if err != nil {
		c.send(wire.TypeError, []byte(err.Error()), -1)
		return
	}
	c.send(wire.TypeOK, nil, -1)
}

// notify broadcasts an EventPayload snapshot of current playback state to
// every monitor connection.
func (d *Dispatcher) notify(kind wire.Type) {
	mode := d.machine.Mode()
	position, duration := d.machine.Position()
	payload := wire.EventPayload{
		Kind:      kind,
		Position:  position,
		Duration:  duration,
		RepeatOne: mode.RepeatOne,
		RepeatAll: mode.RepeatAll,
		Consume:   mode.Consume,
	}.Encode()
	if d.listener != nil {
		d.listener.broadcastToMonitors(wire.TypeNotify, payload)
	}
}

func (d *Dispatcher) handleShow(c *Conn) {
	for _, t := range d.live.Tracks() {
		c.send(wire.TypePlaylistEntry, []byte(t.Path), -1)
	}
	c.send(wire.TypePlaylistEnd, nil, -1)
}

func (d *Dispatcher) handleStatus(c *Conn) {
	track, hasCursor := d.live.Current()
	mode := d.machine.Mode()
	position, duration := d.machine.Position()
	payload := wire.StatusPayload{
		State:        uint8(d.machine.State()),
		HasCursor:    hasCursor,
		Cursor:       int64(d.live.Cursor()),
		CurrentTrack: track.Path,
		Position:     position,
		Duration:     duration,
		RepeatOne:    mode.RepeatOne,
		RepeatAll:    mode.RepeatAll,
		Consume:      mode.Consume,
	}.Encode()
	c.send(wire.TypeStatusReply, payload, -1)
}

func (d *Dispatcher) handleJump(c *Conn, raw []byte) {
	jp, err := wire.DecodeJumpPayload(raw)
	if err != nil {
		c.send(wire.TypeError, []byte("wrong size"), -1)
		return
	}
	matcher := func(path string) bool {
		if jp.Exact {
			return path == jp.Target
		}
		return strings.Contains(path, jp.Target)
	}
	found, err := d.machine.Jump(matcher)
	if err != nil {
		c.send(wire.TypeError, []byte(err.Error()), -1)
		return
	}
	if !found {
		c.send(wire.TypeError, []byte("no match"), -1)
		return
	}
	d.notify(wire.TypeJump)
	c.send(wire.TypeOK, nil, -1)
}

func (d *Dispatcher) handleMode(c *Conn, raw []byte) {
	mp, err := wire.DecodeModePayload(raw)
	if err != nil {
		c.send(wire.TypeError, []byte("wrong size"), -1)
		return
	}
	d.machine.ApplyModeDirectives(
		directiveFromWire(mp.RepeatOne),
		directiveFromWire(mp.RepeatAll),
		directiveFromWire(mp.Consume),
	)
	d.notify(wire.TypeMode)
}

func directiveFromWire(wd wire.ModeDirective) playback.Directive {
	switch wd {
	case wire.ModeToggle:
		return playback.Toggle
	case wire.ModeSetTrue:
		return playback.SetTrue
	case wire.ModeSetFalse:
		return playback.SetFalse
	default:
		return playback.Unchanged
	}
}

func (d *Dispatcher) handleAdd(c *Conn, raw []byte) {
	track := playlist.Track{Path: string(raw)}
	wasActive := d.tx.active()
	if err := d.tx.enqueue(c, d.live, track); err != nil {
		c.send(wire.TypeError, []byte(err.Error()), -1)
		return
	}
	if !wasActive {
		d.notify(wire.TypeAdd)
	}
}

func (d *Dispatcher) handleCommit(c *Conn, raw []byte) {
	cp, err := wire.DecodeCommitPayload(raw)
	if err != nil {
		c.send(wire.TypeError, []byte("wrong size"), -1)
		return
	}
	if err := d.tx.commit(c, d.live, cp.Offset); err != nil {
		c.send(wire.TypeError, []byte(err.Error()), -1)
		return
	}
	c.send(wire.TypeOK, nil, -1)
	d.notify(wire.TypeCommit)
}

// HandleWorkerEvent is invoked by the WorkerBridge, on the event loop's
// own goroutine, for every event the player worker subprocess reports.
// This is the single-threaded loop's only entry point for worker-driven
// state changes, so it mutates the Machine the same way a dispatched
// client command would.
func (d *Dispatcher) HandleWorkerEvent(ev worker.Event) {
	switch ev.Kind {
	case worker.EventPosition:
		d.machine.RecordPosition(ev.Position, ev.Duration)
		d.notify(wire.TypeWorkerPosition)

	case worker.EventEndOfTrack:
		if err := d.machine.OnTrackEnded(); err != nil && d.logger != nil {
			d.logger.Error("OnTrackEnded failed", "err", err)
		}
		d.notify(wire.TypeNext)

	case worker.EventError:
		if d.logger != nil {
			d.logger.Error("player worker reported error", "err", ev.Err)
		}
		d.broadcastWorkerError(ev.Err)
		d.relayWorkerErrorToRequestor(ev.Err)
		if err := d.machine.Stop(); err != nil && d.logger != nil {
			d.logger.Error("stop after worker error failed", "err", err)
		}
		d.notify(wire.TypeStop)
	}
}

// broadcastWorkerError relays a decode/IO failure report from the worker
// to every monitor client as a textual frame, distinct from the
// EventPayload notifications other commands produce.
func (d *Dispatcher) broadcastWorkerError(err error) {
	if d.listener == nil || err == nil {
		return
	}
	d.listener.broadcastToMonitors(wire.TypeWorkerError, []byte(err.Error()))
}

// relayWorkerErrorToRequestor delivers a worker error directly to the
// connection whose command most recently drove the worker, found by its
// peer PID. A connection that is already a monitor skips the relay since
// it already received the broadcast.
func (d *Dispatcher) relayWorkerErrorToRequestor(err error) {
	if d.listener == nil || err == nil || d.lastWorkerRequestPID == 0 {
		return
	}
	d.listener.relayToPID(d.lastWorkerRequestPID, wire.TypeWorkerError, []byte(err.Error()))
}

func (d *Dispatcher) handleSeek(c *Conn, raw []byte) {
	sp, err := wire.DecodeSeekPayload(raw)
	if err != nil {
		c.send(wire.TypeError, []byte("wrong size"), -1)
		return
	}
	relative := sp.Mode == wire.SeekRelative
	if err := d.machine.Seek(relative, sp.Seconds); err != nil {
		c.send(wire.TypeError, []byte(err.Error()), -1)
	}
}
