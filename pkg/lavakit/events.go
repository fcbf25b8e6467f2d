package lavakit

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lavakit/lavakit/pkg/protocol"
	"github.com/lavakit/lavakit/pkg/track"
)

// EventType identifies a kind of domain event for subscription.
type EventType string

const (
	EventNodeReady       EventType = "node_ready"
	EventNodeStats       EventType = "node_stats"
	EventTrackStart      EventType = "track_start"
	EventTrackEnd        EventType = "track_end"
	EventTrackException  EventType = "track_exception"
	EventTrackStuck      EventType = "track_stuck"
	EventWebSocketClosed EventType = "websocket_closed"
)

// Event is any domain event delivered to subscribed handlers.
type Event interface {
	EventType() EventType
}

// NodeReadyEvent fires after a node's handshake completes. Resumed
// tells whether the server reattached the previous session.
type NodeReadyEvent struct {
	Node    *Node
	Resumed bool
}

func (NodeReadyEvent) EventType() EventType { return EventNodeReady }

// NodeStatsEvent carries each periodic stats snapshot.
type NodeStatsEvent struct {
	Node  *Node
	Stats protocol.Stats
}

func (NodeStatsEvent) EventType() EventType { return EventNodeStats }

type TrackStartEvent struct {
	Player *Player
	Track  track.Track
}

func (TrackStartEvent) EventType() EventType { return EventTrackStart }

type TrackEndEvent struct {
	Player *Player
	Track  track.Track
	Reason EndReason
}

func (TrackEndEvent) EventType() EventType { return EventTrackEnd }

type TrackExceptionEvent struct {
	Player    *Player
	Track     track.Track
	Exception protocol.Exception
}

func (TrackExceptionEvent) EventType() EventType { return EventTrackException }

type TrackStuckEvent struct {
	Player      *Player
	Track       track.Track
	ThresholdMS int64
}

func (TrackStuckEvent) EventType() EventType { return EventTrackStuck }

// WebSocketClosedEvent reports the node's voice connection to the
// platform gateway closing, not this library's own WebSocket.
type WebSocketClosedEvent struct {
	Player   *Player
	GuildID  string
	Code     int
	Reason   string
	ByRemote bool
}

func (WebSocketClosedEvent) EventType() EventType { return EventWebSocketClosed }

// EndReason is why a track stopped playing.
type EndReason string

const (
	EndReasonFinished   EndReason = "finished"
	EndReasonLoadFailed EndReason = "loadFailed"
	EndReasonStopped    EndReason = "stopped"
	EndReasonReplaced   EndReason = "replaced"
	EndReasonCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether a queue should advance after this
// reason; stop/replace/cleanup mean the host already decided.
func (r EndReason) MayStartNext() bool {
	return r == EndReasonFinished || r == EndReasonLoadFailed
}

// Handler receives events for the types it was subscribed to.
type Handler func(Event)

// Bus fans events out to subscribed handlers. Every delivery runs in
// its own goroutine so a slow handler never stalls a node's read loop;
// handlers needing ordering must serialize themselves.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func newBus() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *Bus) publish(e Event) {
	b.mu.RLock()
	hs := b.handlers[e.EventType()]
	b.mu.RUnlock()
	if len(hs) == 0 {
		log.Debug().Str("module", "lavakit.bus").Str("event", string(e.EventType())).Msg("no subscribers")
		return
	}
	for _, h := range hs {
		go h(e)
	}
}
