package protocol

// PlayerInfo is the node's authoritative view of one player, returned
// by the player REST endpoints.
type PlayerInfo struct {
	GuildID string      `json:"guildId"`
	Track   *TrackData  `json:"track"`
	Volume  int         `json:"volume"`
	Paused  bool        `json:"paused"`
	State   PlayerState `json:"state"`
	Voice   VoiceState  `json:"voice"`
	Filters Filters     `json:"filters"`
}
