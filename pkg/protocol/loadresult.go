package protocol

import "encoding/json"

// Load result types returned by GET /v4/loadtracks.
const (
	LoadTypeTrack    = "track"
	LoadTypePlaylist = "playlist"
	LoadTypeSearch   = "search"
	LoadTypeEmpty    = "empty"
	LoadTypeError    = "error"
)

// LoadResult is the tagged response of loadtracks. Data's shape
// depends on LoadType: a single TrackData, a PlaylistData, a list of
// TrackData, nothing, or an Exception.
type LoadResult struct {
	LoadType string          `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// Search type prefixes applied to non-URL queries.
const (
	SearchYouTube      = "ytsearch"
	SearchYouTubeMusic = "ytmsearch"
	SearchSoundCloud   = "scsearch"
)
