// SPDX-License-Identifier: MIT

package playback

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tomtom215/playerd-go/internal/playlist"
)

type fakeLink struct {
	loaded  []string
	played  int
	paused  int
	stopped int
	seeks   []float64
	err     error
}

func (f *fakeLink) Load(path string) error { f.loaded = append(f.loaded, path); return f.err }
func (f *fakeLink) Play() error             { f.played++; return f.err }
func (f *fakeLink) Pause() error            { f.paused++; return f.err }
func (f *fakeLink) Stop() error             { f.stopped++; return f.err }
func (f *fakeLink) Seek(relative bool, s float64) error { f.seeks = append(f.seeks, s); return f.err }

func newTestMachine() (*Machine, *playlist.Playlist, *fakeLink) {
	list := playlist.New(4)
	list.Enqueue(playlist.Track{Path: "a"})
	list.Enqueue(playlist.Track{Path: "b"})
	list.Enqueue(playlist.Track{Path: "c"})
	list.SetCursor(0)
	link := &fakeLink{}
	m := New(list, link, nil)
	return m, list, link
}

func TestPlayPauseToggleResume(t *testing.T) {
	m, _, link := newTestMachine()

	require.NoError(t, m.Play())
	require.Equal(t, StatePlaying, m.State())
	require.Equal(t, []string{"a"}, link.loaded)

	require.NoError(t, m.TogglePlay())
	require.Equal(t, StatePaused, m.State())
	require.Equal(t, 1, link.paused)

	require.NoError(t, m.TogglePlay())
	require.Equal(t, StatePlaying, m.State())
	require.Equal(t, 2, link.played, "resume calls Play again without a second Load")
	require.Equal(t, []string{"a"}, link.loaded)
}

func TestStopClearsState(t *testing.T) {
	m, _, link := newTestMachine()
	require.NoError(t, m.Play())
	require.NoError(t, m.Stop())
	require.Equal(t, StateStopped, m.State())
	require.Equal(t, 1, link.stopped)
}

func TestSeekRequiresNotStopped(t *testing.T) {
	m, _, _ := newTestMachine()
	err := m.Seek(false, 10)
	require.Error(t, err)

	require.NoError(t, m.Play())
	require.NoError(t, m.Seek(false, 10))
}

func TestNextAdvancesAndLoads(t *testing.T) {
	m, _, link := newTestMachine()
	require.NoError(t, m.Play())
	require.NoError(t, m.Next())
	require.Equal(t, []string{"a", "b"}, link.loaded)
}

func TestNextAtEndStopsWithoutRepeatAll(t *testing.T) {
	m, list, link := newTestMachine()
	list.SetCursor(2)
	require.NoError(t, m.Play())
	require.NoError(t, m.Next())
	require.Equal(t, StateStopped, m.State())
	require.Equal(t, 1, link.stopped)
}

func TestNextAtEndWrapsWithRepeatAll(t *testing.T) {
	m, list, link := newTestMachine()
	list.SetCursor(2)
	m.ApplyModeDirectives(Unchanged, SetTrue, Unchanged)
	require.NoError(t, m.Play())
	require.NoError(t, m.Next())
	require.Equal(t, StatePlaying, m.State())
	require.Equal(t, "a", link.loaded[len(link.loaded)-1])
}

func TestOnTrackEndedRepeatOneReloadsSameTrack(t *testing.T) {
	m, _, link := newTestMachine()
	m.ApplyModeDirectives(SetTrue, Unchanged, Unchanged)
	require.NoError(t, m.Play())
	require.NoError(t, m.OnTrackEnded())
	require.Equal(t, []string{"a", "a"}, link.loaded)
}

func TestOnTrackEndedConsumeRemovesAndAdvances(t *testing.T) {
	m, list, link := newTestMachine()
	m.ApplyModeDirectives(Unchanged, Unchanged, SetTrue)
	require.NoError(t, m.Play())
	require.NoError(t, m.OnTrackEnded())
	require.Equal(t, 2, list.Len(), "consumed track should be removed")
	require.Equal(t, []string{"a", "b"}, link.loaded)
}

func TestApplyModeDirectivesToggle(t *testing.T) {
	m, _, _ := newTestMachine()
	m.ApplyModeDirectives(Toggle, Unchanged, Unchanged)
	require.True(t, m.Mode().RepeatOne)
	m.ApplyModeDirectives(Toggle, Unchanged, Unchanged)
	require.False(t, m.Mode().RepeatOne)
}

func TestJumpMovesCursorAndLoadsWhenPlaying(t *testing.T) {
	m, _, link := newTestMachine()
	require.NoError(t, m.Play())

	found, err := m.Jump(func(path string) bool { return path == "c" })
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "c", link.loaded[len(link.loaded)-1])
}

func TestPlayWhilePlayingIsIdempotent(t *testing.T) {
	m, _, link := newTestMachine()
	require.NoError(t, m.Play())
	require.NoError(t, m.Play())
	require.Equal(t, StatePlaying, m.State())
	require.Equal(t, []string{"a"}, link.loaded, "second PLAY must not reload the track")
	require.Equal(t, 1, link.played)
}

func TestPlayWithoutCursorPicksFirstTrack(t *testing.T) {
	list := playlist.New(4)
	list.Enqueue(playlist.Track{Path: "a"})
	list.Enqueue(playlist.Track{Path: "b"})
	link := &fakeLink{}
	m := New(list, link, nil)

	require.False(t, list.HasCursor())
	require.NoError(t, m.Play())
	require.Equal(t, StatePlaying, m.State())
	require.Equal(t, 0, list.Cursor())
	require.Equal(t, []string{"a"}, link.loaded)
}

func TestPlayOnEmptyPlaylistStaysStopped(t *testing.T) {
	list := playlist.New(4)
	link := &fakeLink{}
	m := New(list, link, nil)
	require.NoError(t, m.Play())
	require.Equal(t, StateStopped, m.State())
	require.Empty(t, link.loaded)
}

func TestPauseWhenNotPlayingIsNoop(t *testing.T) {
	m, _, link := newTestMachine()
	require.NoError(t, m.Pause())
	require.Equal(t, StateStopped, m.State())
	require.Zero(t, link.paused)

	require.NoError(t, m.Play())
	require.NoError(t, m.Pause())
	require.NoError(t, m.Pause())
	require.Equal(t, StatePaused, m.State())
	require.Equal(t, 1, link.paused)
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	m, _, link := newTestMachine()
	require.NoError(t, m.Stop())
	require.Zero(t, link.stopped)
}
