// SPDX-License-Identifier: MIT

package control

import (
	"errors"

	"github.com/tomtom215/playerd-go/internal/playlist"
)

// ErrLocked is returned when a command touches the transaction but
// another connection already owns the in-flight one.
var ErrLocked = errors.New("control: locked")

// transaction is the daemon's single at-most-one in-flight
// playlist-replace transaction. It is owned by the Dispatcher as a plain
// field rather than a package-level global, so tests can construct
// independent dispatchers.
type transaction struct {
	owner   *Conn
	pending *playlist.Playlist
	capHint int
}

func newTransaction(capHint int) *transaction {
	return &transaction{capHint: capHint}
}

func (t *transaction) active() bool { return t.owner != nil }

// begin starts a new transaction owned by c. It fails if one is already
// in flight, even for the same connection.
func (t *transaction) begin(c *Conn) error {
	if t.active() {
		return ErrLocked
	}
	t.owner = c
	t.pending = playlist.New(t.capHint)
	return nil
}

// enqueue adds a track either to the in-flight transaction's pending
// playlist (if c owns it) or directly to the live playlist (if no
// transaction is in flight). It fails if another connection owns the
// in-flight transaction.
func (t *transaction) enqueue(c *Conn, live *playlist.Playlist, track playlist.Track) error {
	if t.active() {
		if t.owner != c {
			return ErrLocked
		}
		t.pending.Enqueue(track)
		return nil
	}
	live.Enqueue(track)
	return nil
}

// commit atomically swaps the pending playlist into live at the given
// cursor offset, ending the transaction. It fails if c does not own the
// in-flight transaction.
func (t *transaction) commit(c *Conn, live *playlist.Playlist, offset int64) error {
	if t.owner != c {
		return ErrLocked
	}
	live.Swap(t.pending, offset)
	t.owner = nil
	t.pending = nil
	return nil
}

// abortIfOwnedBy discards the in-flight transaction if c owns it, so a
// disconnect never leaves a stale owner holding the lock.
func (t *transaction) abortIfOwnedBy(c *Conn) {
	if t.owner == c {
		t.owner = nil
		t.pending = nil
	}
}
