// Package protocol contains the wire types spoken over a Lavalink v4
// node's WebSocket and REST API. Everything here is plain data; the
// stateful handling lives in pkg/lavakit.
package protocol

// WebSocket opcodes sent by the node.
const (
	OpReady        = "ready"
	OpPlayerUpdate = "playerUpdate"
	OpStats        = "stats"
	OpEvent        = "event"
)

// Envelope is the minimal frame header used to route an incoming
// message before the full payload is decoded.
type Envelope struct {
	Op string `json:"op"`
}

// Ready is sent once per connection after the handshake.
type Ready struct {
	Op        string `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// PlayerState is the authoritative position snapshot inside a
// playerUpdate frame. Time is unix millis on the node's clock.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// PlayerUpdate carries the periodic state snapshot for one guild.
type PlayerUpdate struct {
	Op      string      `json:"op"`
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// Event names inside op "event" frames.
const (
	EventTrackStart      = "TrackStartEvent"
	EventTrackEnd        = "TrackEndEvent"
	EventTrackException  = "TrackExceptionEvent"
	EventTrackStuck      = "TrackStuckEvent"
	EventWebSocketClosed = "WebSocketClosedEvent"
)

// Event is the union of all op "event" frames. Type selects which of
// the optional fields are populated.
type Event struct {
	Op      string `json:"op"`
	Type    string `json:"type"`
	GuildID string `json:"guildId"`

	// TrackStart / TrackEnd / TrackException / TrackStuck
	Track *TrackData `json:"track,omitempty"`

	// TrackEnd end reason, or the close reason for WebSocketClosed.
	Reason string `json:"reason,omitempty"`

	// TrackException
	Exception *Exception `json:"exception,omitempty"`

	// TrackStuck
	ThresholdMS int64 `json:"thresholdMs,omitempty"`

	// WebSocketClosed
	Code     int  `json:"code,omitempty"`
	ByRemote bool `json:"byRemote,omitempty"`
}

// Exception is the node's structured error payload.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause,omitempty"`
}

// Exception severities.
const (
	SeverityCommon     = "common"
	SeveritySuspicious = "suspicious"
	SeverityFault      = "fault"
)
