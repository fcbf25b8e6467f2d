package lavakit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavakit/lavakit/pkg/protocol"
	"github.com/lavakit/lavakit/pkg/track"
)

func TestVoiceCredentialOrdering(t *testing.T) {
	t.Run("server then state", func(t *testing.T) {
		f := newFakeNode(t)
		p := newTestPool(t)
		_, err := p.CreateNode(context.Background(), f.config("main"))
		require.NoError(t, err)

		pl := p.CreatePlayer("g1")
		require.NoError(t, pl.OnVoiceServerUpdate(context.Background(), "tok", "rotterdam1.discord.media"))
		assert.Zero(t, f.voiceUpdateCount("g1"), "half a credential pair must not be sent")
		assert.Nil(t, pl.Node())

		require.NoError(t, pl.OnVoiceStateUpdate(context.Background(), "vsess", "chan"))
		assert.Equal(t, 1, f.voiceUpdateCount("g1"))
		require.NotNil(t, pl.Node())
	})

	t.Run("state then server", func(t *testing.T) {
		f := newFakeNode(t)
		p := newTestPool(t)
		_, err := p.CreateNode(context.Background(), f.config("main"))
		require.NoError(t, err)

		pl := p.CreatePlayer("g1")
		require.NoError(t, pl.OnVoiceStateUpdate(context.Background(), "vsess", "chan"))
		assert.Zero(t, f.voiceUpdateCount("g1"))

		require.NoError(t, pl.OnVoiceServerUpdate(context.Background(), "tok", "rotterdam1.discord.media"))
		assert.Equal(t, 1, f.voiceUpdateCount("g1"))
	})
}

func TestVoiceServerMoveRepushes(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	pl := connectTestPlayer(t, p, "g1")
	require.Equal(t, 1, f.voiceUpdateCount("g1"))

	// A repeated state update with the same session is a no-op...
	require.NoError(t, pl.OnVoiceStateUpdate(context.Background(), "voice-sess", "chan-1"))
	assert.Equal(t, 1, f.voiceUpdateCount("g1"))

	// ...but a region move hands out a new voice server and must be
	// pushed again.
	require.NoError(t, pl.OnVoiceServerUpdate(context.Background(), "tok2", "us-east4.discord.media"))
	assert.Equal(t, 2, f.voiceUpdateCount("g1"))
}

func TestVoiceStateLeaveDropsCredentials(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	pl := p.CreatePlayer("g1")
	require.NoError(t, pl.OnVoiceServerUpdate(context.Background(), "tok", "rotterdam1.discord.media"))
	// Leaving voice before the pair completes drops it entirely.
	require.NoError(t, pl.OnVoiceStateUpdate(context.Background(), "vsess", ""))
	assert.Zero(t, f.voiceUpdateCount("g1"))
	assert.False(t, pl.Connected())
}

func TestPlayerPlayStop(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	pl := connectTestPlayer(t, p, "g1")
	require.NoError(t, pl.Play(context.Background(), track.Track{Encoded: "QAAA", Length: 60000}, PlayOptions{}))

	cur := pl.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "QAAA", cur.Encoded)
	assert.True(t, pl.Connected())

	require.NoError(t, pl.Stop(context.Background()))
	assert.Nil(t, pl.Current())

	// Stop must be an explicit null, not an omitted field.
	calls := f.playerCalls("g1")
	last := calls[len(calls)-1]
	raw, ok := last.Body["encodedTrack"]
	require.True(t, ok)
	assert.Equal(t, "null", string(raw))
}

func TestPlayerUnboundRejectsCommands(t *testing.T) {
	p := newTestPool(t)
	pl := p.CreatePlayer("g1")
	err := pl.Play(context.Background(), track.Track{Encoded: "QAAA"}, PlayOptions{})
	assert.ErrorIs(t, err, ErrPlayerNotConnected)
	assert.ErrorIs(t, pl.Pause(context.Background(), true), ErrPlayerNotConnected)
}

func TestPlayerPauseAndVolume(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	pl := connectTestPlayer(t, p, "g1")
	require.NoError(t, pl.Play(context.Background(), track.Track{Encoded: "QAAA", Length: 60000}, PlayOptions{}))

	require.NoError(t, pl.Pause(context.Background(), true))
	assert.True(t, pl.Paused())
	require.NoError(t, pl.Resume(context.Background()))
	assert.False(t, pl.Paused())

	require.NoError(t, pl.SetVolume(context.Background(), 42))
	assert.Equal(t, 42, pl.Volume())
}

func TestPlayerPositionFrozenWhilePaused(t *testing.T) {
	p := newTestPool(t)
	pl := p.CreatePlayer("g1")
	tr := track.Track{Encoded: "QAAA", Length: 60000}
	pl.current = &tr
	pl.connected = true
	pl.applyState(protocol.PlayerState{Position: 1000, Connected: true, Ping: 2})

	pl.paused = true
	first := pl.Position()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, first, pl.Position())

	pl.paused = false
	require.Eventually(t, func() bool { return pl.Position() > first }, time.Second, 5*time.Millisecond)
}

func TestPlayerPositionClampedToLength(t *testing.T) {
	p := newTestPool(t)
	pl := p.CreatePlayer("g1")
	tr := track.Track{Encoded: "QAAA", Length: 1500}
	pl.current = &tr
	pl.connected = true
	pl.applyState(protocol.PlayerState{Position: 1499, Connected: true})

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(1500), pl.Position())
}

func TestPlayerFilters(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	pl := connectTestPlayer(t, p, "g1")

	vol := 0.5
	speed := 1.25
	require.NoError(t, pl.AddFilter(context.Background(), "nightcore", protocol.Filters{
		Timescale: &protocol.Timescale{Speed: &speed},
	}))
	require.NoError(t, pl.AddFilter(context.Background(), "quiet", protocol.Filters{Volume: &vol}))
	assert.True(t, pl.HasFilter("nightcore"))

	// Every change resends the whole merged set.
	calls := f.playerCalls("g1")
	last := calls[len(calls)-1]
	var sent protocol.Filters
	require.NoError(t, json.Unmarshal(last.Body["filters"], &sent))
	require.NotNil(t, sent.Timescale)
	assert.Equal(t, speed, *sent.Timescale.Speed)
	require.NotNil(t, sent.Volume)
	assert.Equal(t, vol, *sent.Volume)

	require.NoError(t, pl.RemoveFilter(context.Background(), "nightcore"))
	assert.False(t, pl.HasFilter("nightcore"))
	calls = f.playerCalls("g1")
	last = calls[len(calls)-1]
	sent = protocol.Filters{}
	require.NoError(t, json.Unmarshal(last.Body["filters"], &sent))
	assert.Nil(t, sent.Timescale)

	require.NoError(t, pl.ClearFilters(context.Background()))
	assert.False(t, pl.HasFilter("quiet"))
}

func TestPlayerDestroy(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	n, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	pl := connectTestPlayer(t, p, "g1")
	require.NoError(t, pl.Destroy(context.Background()))

	_, ok := p.Player("g1")
	assert.False(t, ok)
	assert.Zero(t, n.PlayerCount())

	calls := f.playerCalls("g1")
	last := calls[len(calls)-1]
	assert.Equal(t, "DELETE", last.Method)

	// Destroy is idempotent and later commands fail cleanly.
	require.NoError(t, pl.Destroy(context.Background()))
	assert.ErrorIs(t, pl.Pause(context.Background(), true), ErrPlayerNotConnected)
}

func TestPlayerTransfer(t *testing.T) {
	f1 := newFakeNode(t)
	f2 := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f1.config("a"))
	require.NoError(t, err)
	n2, err := p.CreateNode(context.Background(), f2.config("b"))
	require.NoError(t, err)

	pl := p.CreatePlayer("g1")
	require.NoError(t, pl.OnVoiceServerUpdate(context.Background(), "tok", "rotterdam1.discord.media"))
	require.NoError(t, pl.OnVoiceStateUpdate(context.Background(), "vsess", "chan"))
	old := pl.Node()
	require.NotNil(t, old)
	require.NoError(t, pl.Play(context.Background(), track.Track{Encoded: "QAAA", Length: 60000}, PlayOptions{}))

	target := n2
	if old == n2 {
		target, _ = p.Node("a")
	}
	require.NoError(t, pl.TransferTo(context.Background(), target))
	assert.Same(t, target, pl.Node())
	assert.Equal(t, 1, target.PlayerCount())
	assert.Zero(t, old.PlayerCount())

	// The new node got the full session in one update.
	var ff *fakeNode
	if target.Label() == "a" {
		ff = f1
	} else {
		ff = f2
	}
	calls := ff.playerCalls("g1")
	last := calls[len(calls)-1]
	_, hasVoice := last.Body["voice"]
	_, hasTrack := last.Body["encodedTrack"]
	assert.True(t, hasVoice)
	assert.True(t, hasTrack)
}

func TestPlayerTrackLifecycleEvents(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	events := make(chan Event, 8)
	p.Subscribe(EventTrackStart, func(e Event) { events <- e })
	p.Subscribe(EventTrackEnd, func(e Event) { events <- e })

	pl := connectTestPlayer(t, p, "g1")
	td := track.Track{Encoded: "QAAA", Title: "song", Length: 60000}.Data()

	f.send(protocol.Event{Op: protocol.OpEvent, Type: protocol.EventTrackStart, GuildID: "g1", Track: &td})
	select {
	case e := <-events:
		ev, ok := e.(TrackStartEvent)
		require.True(t, ok)
		assert.Equal(t, "song", ev.Track.Title)
	case <-time.After(time.Second):
		t.Fatal("no track start event")
	}
	require.Eventually(t, func() bool { return pl.Current() != nil }, time.Second, 5*time.Millisecond)

	f.send(protocol.Event{Op: protocol.OpEvent, Type: protocol.EventTrackEnd, GuildID: "g1", Track: &td, Reason: "finished"})
	select {
	case e := <-events:
		ev, ok := e.(TrackEndEvent)
		require.True(t, ok)
		assert.Equal(t, EndReasonFinished, ev.Reason)
		assert.True(t, ev.Reason.MayStartNext())
	case <-time.After(time.Second):
		t.Fatal("no track end event")
	}
	require.Eventually(t, func() bool { return pl.Current() == nil }, time.Second, 5*time.Millisecond)
}

func TestPlayerWebSocketClosedEvent(t *testing.T) {
	f := newFakeNode(t)
	p := newTestPool(t)
	_, err := p.CreateNode(context.Background(), f.config("main"))
	require.NoError(t, err)

	events := make(chan Event, 1)
	p.Subscribe(EventWebSocketClosed, func(e Event) { events <- e })

	pl := connectTestPlayer(t, p, "g1")
	f.send(protocol.Event{Op: protocol.OpEvent, Type: protocol.EventWebSocketClosed, GuildID: "g1",
		Code: 4006, Reason: "session invalid", ByRemote: true})

	select {
	case e := <-events:
		ev, ok := e.(WebSocketClosedEvent)
		require.True(t, ok)
		assert.Equal(t, 4006, ev.Code)
		assert.True(t, ev.ByRemote)
	case <-time.After(time.Second):
		t.Fatal("no websocket closed event")
	}
	assert.False(t, pl.Connected())
}

func TestEndReasonMayStartNext(t *testing.T) {
	assert.True(t, EndReasonFinished.MayStartNext())
	assert.True(t, EndReasonLoadFailed.MayStartNext())
	assert.False(t, EndReasonStopped.MayStartNext())
	assert.False(t, EndReasonReplaced.MayStartNext())
	assert.False(t, EndReasonCleanup.MayStartNext())
}
