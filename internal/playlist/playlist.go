// SPDX-License-Identifier: MIT

// Package playlist implements the ordered sequence of tracks and the
// active-index cursor: enqueue, advance, previous,
// jump, truncate, reset, and in-place swap for transactional replace.
package playlist

import "fmt"

// Track is an immutable file path.
type Track struct {
	Path string
}

// NoCursor is the cursor sentinel meaning "no current track" (legal only
// while playback is stopped).
const NoCursor = -1

// Playlist is an ordered sequence of tracks with a cursor into it.
//
// The zero value is not usable; construct with New. The capacity hint is
// a real preallocation, doubled on growth past capacity.
type Playlist struct {
	tracks []Track
	cursor int
}

// New creates an empty playlist preallocated to capHint tracks.
func New(capHint int) *Playlist {
	if capHint <= 0 {
		capHint = 16
	}
	return &Playlist{
		tracks: make([]Track, 0, capHint),
		cursor: NoCursor,
	}
}

// Len returns the number of tracks currently in the playlist.
func (p *Playlist) Len() int { return len(p.tracks) }

// Cursor returns the current index, or NoCursor.
func (p *Playlist) Cursor() int { return p.cursor }

// HasCursor reports whether the cursor points at a real track.
func (p *Playlist) HasCursor() bool { return p.cursor != NoCursor }

// Current returns the track at the cursor. ok is false if there is no
// current track.
func (p *Playlist) Current() (Track, bool) {
	if p.cursor < 0 || p.cursor >= len(p.tracks) {
		return Track{}, false
	}
	return p.tracks[p.cursor], true
}

// Tracks returns a read-only snapshot of the playlist's tracks, in order.
func (p *Playlist) Tracks() []Track {
	out := make([]Track, len(p.tracks))
	copy(out, p.tracks)
	return out
}

// Enqueue appends a track, doubling the backing capacity when full, so
// callers that pre-size via capHint see the same amortized behavior
// either way.
func (p *Playlist) Enqueue(t Track) {
	if len(p.tracks) == cap(p.tracks) {
		grown := make([]Track, len(p.tracks), cap(p.tracks)*2)
		copy(grown, p.tracks)
		p.tracks = grown
	}
	p.tracks = append(p.tracks, t)
}

// SetCursor forces the cursor to an explicit value, clamping to
// [0,len) ∪ {NoCursor}. Used by transaction commit (via Swap).
func (p *Playlist) SetCursor(idx int) {
	if idx < 0 || len(p.tracks) == 0 {
		p.cursor = NoCursor
		return
	}
	if idx >= len(p.tracks) {
		idx = len(p.tracks) - 1
	}
	p.cursor = idx
}

// Advance moves the cursor to the next track. ok is false if there is no
// next track (the caller decides, per mode flags, whether that means wrap
// to 0 or go to NoCursor).
func (p *Playlist) Advance() (Track, bool) {
	if len(p.tracks) == 0 {
		p.cursor = NoCursor
		return Track{}, false
	}
	next := p.cursor + 1
	if next >= len(p.tracks) {
		return Track{}, false
	}
	p.cursor = next
	return p.tracks[next], true
}

// Previous moves the cursor to the prior track, clamping at 0.
func (p *Playlist) Previous() (Track, bool) {
	if len(p.tracks) == 0 {
		p.cursor = NoCursor
		return Track{}, false
	}
	prev := p.cursor - 1
	if prev < 0 {
		prev = 0
	}
	p.cursor = prev
	return p.tracks[prev], true
}

// WrapToStart sets the cursor to 0, used on end-of-playlist with
// repeat_all mode.
func (p *Playlist) WrapToStart() (Track, bool) {
	if len(p.tracks) == 0 {
		p.cursor = NoCursor
		return Track{}, false
	}
	p.cursor = 0
	return p.tracks[0], true
}

// Jump finds the first track whose path matches (exact or substring, per
// the caller's matcher) and sets the cursor to it.
func (p *Playlist) Jump(matches func(path string) bool) (Track, bool) {
	for i, t := range p.tracks {
		if matches(t.Path) {
			p.cursor = i
			return t, true
		}
	}
	return Track{}, false
}

// RemoveCurrent deletes the track at the cursor. The cursor is left
// pointing at whatever track slid into the removed slot, or NoCursor if
// the playlist is now empty or the cursor was past the end.
func (p *Playlist) RemoveCurrent() {
	p.RemoveAt(p.cursor)
}

// RemoveAt deletes the track at idx, wherever the cursor currently sits.
// Used by consume mode, which removes the just-played track only after the
// cursor has already advanced (and possibly wrapped) past it: the cursor is
// shifted down by one if it was past idx, left alone if it was before idx,
// and cleared to NoCursor if it pointed at idx itself and nothing slid into
// the removed slot.
func (p *Playlist) RemoveAt(idx int) {
	if idx < 0 || idx >= len(p.tracks) {
		return
	}
	p.tracks = append(p.tracks[:idx], p.tracks[idx+1:]...)
	switch {
	case p.cursor == idx:
		if p.cursor >= len(p.tracks) {
			p.cursor = NoCursor
		}
	case p.cursor > idx:
		p.cursor--
	}
}

// Truncate keeps the current track and everything before it, discarding
// the rest — or discards everything if there is no current track.
func (p *Playlist) Truncate() {
	if p.cursor < 0 {
		p.tracks = p.tracks[:0]
		return
	}
	keep := p.cursor + 1
	if keep > len(p.tracks) {
		keep = len(p.tracks)
	}
	p.tracks = p.tracks[:keep]
}

// Reset empties the playlist and clears the cursor.
func (p *Playlist) Reset() {
	p.tracks = p.tracks[:0]
	p.cursor = NoCursor
}

// Swap replaces this playlist's contents in place with other's, setting
// the cursor to offset (clamped to the last track of the new playlist, or
// NoCursor if offset is negative or the new playlist is empty) — the
// Transaction Coordinator's atomic COMMIT.
func (p *Playlist) Swap(other *Playlist, offset int64) {
	p.tracks = other.tracks
	p.SetCursor(int(offset))
}

// String aids debugging and test failure output.
func (p *Playlist) String() string {
	return fmt.Sprintf("Playlist{len=%d, cursor=%d}", len(p.tracks), p.cursor)
}
