// SPDX-License-Identifier: MIT

package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomtom215/playerd-go/internal/eventloop"
	"github.com/tomtom215/playerd-go/internal/playback"
	"github.com/tomtom215/playerd-go/internal/playlist"
	"github.com/tomtom215/playerd-go/internal/worker"
)

func TestWorkerBridgeDeliversPositionEvent(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	list := playlist.New(4)
	list.Enqueue(playlist.Track{Path: "a"})
	list.SetCursor(0)
	machine := playback.New(list, &fakeLink{}, nil)
	dispatcher := NewDispatcher(list, machine, 4, nil)

	events := make(chan worker.Event, 1)
	bridge, err := NewWorkerBridge(loop, dispatcher, events)
	require.NoError(t, err)
	defer bridge.Close()

	events <- worker.Event{Kind: worker.EventPosition, Position: 12.5, Duration: 200}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, loop.RunOnce(20*time.Millisecond))
		pos, dur := machine.Position()
		if pos != 0 || dur != 0 {
			require.Equal(t, 12.5, pos)
			require.Equal(t, 200.0, dur)
			return
		}
	}
	t.Fatal("timed out waiting for position event to propagate")
}

func TestWorkerBridgeEndOfTrackAdvances(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	list := playlist.New(4)
	list.Enqueue(playlist.Track{Path: "a"})
	list.Enqueue(playlist.Track{Path: "b"})
	list.SetCursor(0)
	link := &fakeLink{}
	machine := playback.New(list, link, nil)
	require.NoError(t, machine.Play())
	dispatcher := NewDispatcher(list, machine, 4, nil)

	events := make(chan worker.Event, 1)
	bridge, err := NewWorkerBridge(loop, dispatcher, events)
	require.NoError(t, err)
	defer bridge.Close()

	events <- worker.Event{Kind: worker.EventEndOfTrack}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, loop.RunOnce(20*time.Millisecond))
		if list.Cursor() == 1 {
			return
		}
	}
	t.Fatal("timed out waiting for end-of-track to advance the cursor")
}
