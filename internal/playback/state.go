// SPDX-License-Identifier: MIT

// Package playback implements the single playback state machine that sits
// between the control dispatcher and the player worker channel: Stopped,
// Playing, and Paused, plus the mode-flag interaction (repeat_one,
// repeat_all, consume) that governs what happens when a track ends.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tomtom215/playerd-go/internal/playlist"
)

// State is the playback state machine's current state.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Mode holds the three independent playback mode flags.
type Mode struct {
	RepeatOne bool
	RepeatAll bool
	Consume   bool
}

// Link is whatever the Machine uses to tell the player worker to start,
// stop or pause playback of a track. internal/worker's process-backed
// implementation satisfies this.
type Link interface {
	Load(path string) error
	Play() error
	Pause() error
	Stop() error
	Seek(relative bool, seconds float64) error
}

// Machine is the daemon's single playback state machine, tied to the
// playlist cursor: advancing the cursor and loading the resulting track
// into the worker link happen together.
type Machine struct {
	list   *playlist.Playlist
	link   Link
	logger *slog.Logger

	state atomic.Int32 // State
	mode  Mode

	mu               sync.Mutex // guards position/duration, updated from worker position ticks
	position         float64
	duration         float64
}

// New creates a Machine in StateStopped over the given playlist and
// worker link.
func New(list *playlist.Playlist, link Link, logger *slog.Logger) *Machine {
	m := &Machine{list: list, link: link, logger: logger}
	m.state.Store(int32(StateStopped))
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// Mode returns a copy of the current mode flags.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Position returns the most recently reported playback position and
// duration (seconds), as last delivered by a worker position tick.
func (m *Machine) Position() (position, duration float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, m.duration
}

// RecordPosition is invoked by the worker bridge whenever the player
// worker reports a position tick for the track currently loaded.
func (m *Machine) RecordPosition(position, duration float64) {
	m.mu.Lock()
	m.position, m.duration = position, duration
	m.mu.Unlock()
}

// resetPosition clears the last-known position/duration, called whenever a
// new track is loaded or playback stops, so a stale tick from the previous
// track never leaks into STATUS/notifications for the new one.
func (m *Machine) resetPosition() {
	m.mu.Lock()
	m.position, m.duration = 0, 0
	m.mu.Unlock()
}

// ApplyModeDirectives updates repeat_one, repeat_all and consume
// independently. Each directive is Unchanged/Toggle/Set-true/Set-false,
// matching the tri-valued MODE wire payload.
func (m *Machine) ApplyModeDirectives(repeatOne, repeatAll, consume Directive) {
	repeatOne.apply(&m.mode.RepeatOne)
	repeatAll.apply(&m.mode.RepeatAll)
	consume.apply(&m.mode.Consume)
}

// Directive is a tri-valued instruction for a single boolean mode flag.
type Directive uint8

const (
	Unchanged Directive = iota
	Toggle
	SetTrue
	SetFalse
)

func (d Directive) apply(flag *bool) {
	switch d {
	case Toggle:
		*flag = !*flag
	case SetTrue:
		*flag = true
	case SetFalse:
		*flag = false
	}
}

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
	m.logf("state transition", "state", s.String())
}

func (m *Machine) logf(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Info(msg, args...)
	}
}

func (m *Machine) logError(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Error(msg, args...)
	}
}

// Play starts or resumes playback of the current track. Starting from
// Stopped with no current track picks the first queued one; with an empty
// playlist it is a no-op that leaves the state Stopped. From Playing it
// is idempotent.
func (m *Machine) Play() error {
	track, ok := m.list.Current()
	if !ok {
		if track, ok = m.list.WrapToStart(); !ok {
			return nil
		}
	}
	switch m.State() {
	case StatePlaying:
		return nil
	case StatePaused:
		if err := m.link.Play(); err != nil {
			m.logError("resume failed", "err", err)
			return err
		}
		m.setState(StatePlaying)
		return nil
	default:
		return m.startCurrent(track)
	}
}

// startCurrent loads and plays track, unconditionally: the cursor has
// already been positioned and whatever the worker was doing has been
// cancelled, so unlike Play there is no idempotence check.
func (m *Machine) startCurrent(track playlist.Track) error {
	if err := m.link.Load(track.Path); err != nil {
		m.logError("load failed", "path", track.Path, "err", err)
		return err
	}
	m.resetPosition()
	if err := m.link.Play(); err != nil {
		m.logError("play failed", "path", track.Path, "err", err)
		return err
	}
	m.setState(StatePlaying)
	return nil
}

// TogglePlay pauses if playing, resumes if paused, and otherwise behaves
// like Play.
func (m *Machine) TogglePlay() error {
	switch m.State() {
	case StatePlaying:
		return m.Pause()
	default:
		return m.Play()
	}
}

// Pause pauses a playing track. It is a no-op outside StatePlaying.
func (m *Machine) Pause() error {
	if m.State() != StatePlaying {
		return nil
	}
	if err := m.link.Pause(); err != nil {
		m.logError("pause failed", "err", err)
		return err
	}
	m.setState(StatePaused)
	return nil
}

// Stop halts playback. The cursor is left where it was, so a later PLAY
// resumes from the same track.
func (m *Machine) Stop() error {
	if m.State() == StateStopped {
		return nil
	}
	if err := m.link.Stop(); err != nil {
		m.logError("stop failed", "err", err)
		return err
	}
	m.setState(StateStopped)
	m.resetPosition()
	return nil
}

// Seek asks the worker to seek within the current track. It is only valid
// while Playing or Paused.
func (m *Machine) Seek(relative bool, seconds float64) error {
	if m.State() == StateStopped {
		return fmt.Errorf("playback: cannot seek while stopped")
	}
	return m.link.Seek(relative, seconds)
}

// restartAtCursor cancels the current track and starts the one the
// cursor now points at, the shared tail of NEXT/PREV/JUMP/end-of-track.
func (m *Machine) restartAtCursor() error {
	track, ok := m.list.Current()
	if !ok {
		return m.Stop()
	}
	m.stopWorker()
	return m.startCurrent(track)
}

// stopWorker tells the player worker to cancel whatever it is doing
// before the cursor moves on to a different track. Its error is logged,
// not propagated: the worker may already be idle, and a failed cancel
// shouldn't block the cursor from moving on regardless.
func (m *Machine) stopWorker() {
	if err := m.link.Stop(); err != nil {
		m.logError("stop before track change failed", "err", err)
	}
}

// Next advances the cursor according to the mode flags and loads the
// resulting track, mirroring the behavior the worker's end-of-track event
// also drives through Advance.
func (m *Machine) Next() error {
	if _, ok := m.list.Advance(); !ok {
		if m.mode.RepeatAll {
			if _, ok := m.list.WrapToStart(); !ok {
				return m.Stop()
			}
		} else {
			return m.Stop()
		}
	}
	if m.State() == StateStopped {
		return nil
	}
	return m.restartAtCursor()
}

// Previous moves the cursor back one track and loads it, if currently
// playing or paused.
func (m *Machine) Previous() error {
	if _, ok := m.list.Previous(); !ok {
		return nil
	}
	if m.State() == StateStopped {
		return nil
	}
	return m.restartAtCursor()
}

// Jump moves the cursor to the first track matching matches and, if
// currently playing or paused, loads it.
func (m *Machine) Jump(matches func(path string) bool) (bool, error) {
	if _, ok := m.list.Jump(matches); !ok {
		return false, nil
	}
	if m.State() == StateStopped {
		return true, nil
	}
	return true, m.restartAtCursor()
}

// OnTrackEnded is invoked by the dispatcher when the player worker reports
// a track finished playing naturally (not via STOP or FLUSH). It applies
// repeat_one first (the track never advances at all), otherwise advances
// the cursor exactly as Next does — including the repeat_all wrap — and
// only then, if consume is set and the advance succeeded, removes the
// track that was just played. Consume is a modifier on a successful
// advance, not a replacement for the repeat_all wrap logic.
func (m *Machine) OnTrackEnded() error {
	if m.mode.RepeatOne {
		track, ok := m.list.Current()
		if !ok {
			return m.Stop()
		}
		return m.startCurrent(track)
	}

	playedIndex := -1
	if m.mode.Consume {
		playedIndex = m.list.Cursor()
	}

	advanced := true
	if _, ok := m.list.Advance(); !ok {
		if m.mode.RepeatAll {
			if _, ok := m.list.WrapToStart(); !ok {
				advanced = false
			}
		} else {
			advanced = false
		}
	}

	if advanced && playedIndex >= 0 {
		m.list.RemoveAt(playedIndex)
	}

	if !advanced || !m.list.HasCursor() {
		return m.Stop()
	}
	return m.restartAtCursor()
}
