// Package track holds the immutable track and playlist values and the
// binary codec for the opaque encoded track handle.
package track

import (
	"encoding/json"

	"github.com/lavakit/lavakit/pkg/protocol"
)

// Track is an encoded handle plus its decoded metadata. Values are
// never mutated after construction; durations are in milliseconds to
// match the wire format.
type Track struct {
	Encoded    string
	Title      string
	Author     string
	Length     int64
	Identifier string
	Stream     bool
	Seekable   bool
	URI        string
	ArtworkURL string
	ISRC       string
	Source     string
	Position   int64
	PluginInfo json.RawMessage
}

// FromData builds a Track from the wire representation.
func FromData(d protocol.TrackData) Track {
	return Track{
		Encoded:    d.Encoded,
		Title:      d.Info.Title,
		Author:     d.Info.Author,
		Length:     d.Info.Length,
		Identifier: d.Info.Identifier,
		Stream:     d.Info.IsStream,
		Seekable:   d.Info.IsSeekable,
		URI:        d.Info.URI,
		ArtworkURL: d.Info.ArtworkURL,
		ISRC:       d.Info.ISRC,
		Source:     d.Info.SourceName,
		Position:   d.Info.Position,
		PluginInfo: d.PluginInfo,
	}
}

// Data converts back to the wire representation.
func (t Track) Data() protocol.TrackData {
	return protocol.TrackData{
		Encoded: t.Encoded,
		Info: protocol.TrackInfo{
			Title:      t.Title,
			Author:     t.Author,
			Length:     t.Length,
			Identifier: t.Identifier,
			IsStream:   t.Stream,
			IsSeekable: t.Seekable,
			URI:        t.URI,
			ArtworkURL: t.ArtworkURL,
			ISRC:       t.ISRC,
			SourceName: t.Source,
			Position:   t.Position,
		},
		PluginInfo: t.PluginInfo,
	}
}

// Playlist is an ordered, immutable set of tracks with its metadata.
// SelectedTrack is -1 when the source did not mark one.
type Playlist struct {
	Name          string
	SelectedTrack int
	Tracks        []Track
	PluginInfo    json.RawMessage
}

// PlaylistFromData builds a Playlist from the wire representation.
func PlaylistFromData(d protocol.PlaylistData) Playlist {
	tracks := make([]Track, len(d.Tracks))
	for i, td := range d.Tracks {
		tracks[i] = FromData(td)
	}
	return Playlist{
		Name:          d.Info.Name,
		SelectedTrack: d.Info.SelectedTrack,
		Tracks:        tracks,
		PluginInfo:    d.PluginInfo,
	}
}
