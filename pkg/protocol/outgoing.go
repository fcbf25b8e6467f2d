package protocol

import "encoding/json"

// VoiceState is the combined voice credential payload. SessionID comes
// from the host gateway's voice-state update, Token and Endpoint from
// its voice-server update.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// PlayerUpdateRequest is the partial-update body for
// PATCH /v4/sessions/{id}/players/{guildId}. Nil fields are omitted
// and left unchanged by the node.
type PlayerUpdateRequest struct {
	// ClearTrack forces an explicit "encodedTrack": null, which stops
	// the current track. Ignored when EncodedTrack is set.
	ClearTrack bool `json:"-"`

	EncodedTrack *string     `json:"encodedTrack,omitempty"`
	Identifier   *string     `json:"identifier,omitempty"`
	Position     *int64      `json:"position,omitempty"`
	EndTime      *int64      `json:"endTime,omitempty"`
	Volume       *int        `json:"volume,omitempty"`
	Paused       *bool       `json:"paused,omitempty"`
	Filters      *Filters    `json:"filters,omitempty"`
	Voice        *VoiceState `json:"voice,omitempty"`
}

// MarshalJSON keeps the "clear the current track" case distinct from
// "leave the track alone": an explicit null must survive omitempty.
func (r PlayerUpdateRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 8)
	if r.EncodedTrack != nil {
		m["encodedTrack"] = *r.EncodedTrack
	} else if r.Identifier == nil && r.ClearTrack {
		m["encodedTrack"] = nil
	}
	if r.Identifier != nil {
		m["identifier"] = *r.Identifier
	}
	if r.Position != nil {
		m["position"] = *r.Position
	}
	if r.EndTime != nil {
		m["endTime"] = *r.EndTime
	}
	if r.Volume != nil {
		m["volume"] = *r.Volume
	}
	if r.Paused != nil {
		m["paused"] = *r.Paused
	}
	if r.Filters != nil {
		m["filters"] = r.Filters
	}
	if r.Voice != nil {
		m["voice"] = r.Voice
	}
	return json.Marshal(m)
}

// SessionUpdateRequest configures resuming for the WebSocket session.
type SessionUpdateRequest struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// UnmarkAddressRequest frees one failed route planner address.
type UnmarkAddressRequest struct {
	Address string `json:"address"`
}
