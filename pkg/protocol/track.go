package protocol

import "encoding/json"

// TrackInfo is the decoded metadata half of a track.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	ISRC       string `json:"isrc,omitempty"`
	SourceName string `json:"sourceName"`
}

// TrackData bundles the opaque encoded handle with its metadata, as
// returned by loadtracks, decodetrack(s) and carried in event frames.
type TrackData struct {
	Encoded    string          `json:"encoded"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	UserData   json.RawMessage `json:"userData,omitempty"`
}

// PlaylistInfo describes a loaded playlist.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// PlaylistData is the playlist variant of a load result.
type PlaylistData struct {
	Info       PlaylistInfo    `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	Tracks     []TrackData     `json:"tracks"`
}
