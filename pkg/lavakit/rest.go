package lavakit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/lavakit/lavakit/pkg/protocol"
	"github.com/lavakit/lavakit/pkg/track"
)

func unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// request performs one REST call against the node. Non-2xx statuses
// map to *HTTPError; the library never retries REST calls itself.
func (n *Node) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := n.restURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", n.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Debug().Str("module", "lavakit.rest").Str("label", n.cfg.Label).
		Str("method", method).Str("path", path).Msg("request")
	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("node %s: %s %s: %w", n.cfg.Label, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("node %s: read response: %w", n.cfg.Label, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Label: n.cfg.Label, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (n *Node) sessionPath() (string, error) {
	sid := n.SessionID()
	if sid == "" {
		return "", fmt.Errorf("node %s: no session yet", n.cfg.Label)
	}
	return "/v4/sessions/" + sid, nil
}

// UpdatePlayer issues the partial player update for one guild. Fields
// left nil in upd are untouched on the node. noReplace keeps an
// already-playing track instead of replacing it.
func (n *Node) UpdatePlayer(ctx context.Context, guildID string, upd protocol.PlayerUpdateRequest, noReplace bool) (*protocol.PlayerInfo, error) {
	base, err := n.sessionPath()
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	if noReplace {
		query.Set("noReplace", "true")
	}
	var out protocol.PlayerInfo
	if err := n.request(ctx, http.MethodPatch, base+"/players/"+guildID, query, upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DestroyPlayer removes the player from the node. Missing players are
// not an error; destroy is best effort by design.
func (n *Node) DestroyPlayer(ctx context.Context, guildID string) error {
	base, err := n.sessionPath()
	if err != nil {
		return err
	}
	err = n.request(ctx, http.MethodDelete, base+"/players/"+guildID, nil, nil, nil)
	var herr *HTTPError
	if errors.As(err, &herr) && herr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (n *Node) configureResuming(ctx context.Context) error {
	base, err := n.sessionPath()
	if err != nil {
		return err
	}
	body := protocol.SessionUpdateRequest{Resuming: true, Timeout: n.cfg.ResumeTimeout}
	return n.request(ctx, http.MethodPatch, base, nil, body, nil)
}

var urlRe = regexp.MustCompile(`^https?://`)

// SearchResult is the outcome of FetchTracks: loaded tracks, a whole
// playlist, or neither when the query matched nothing.
type SearchResult struct {
	Tracks   []track.Track
	Playlist *track.Playlist
}

// FetchTracks resolves a query into tracks. Non-URL queries are
// prefixed with the search type (protocol.SearchYouTube etc.). A load
// failure on the node side comes back as *TrackLoadError.
func (n *Node) FetchTracks(ctx context.Context, query, searchType string) (*SearchResult, error) {
	if !urlRe.MatchString(query) {
		query = searchType + ":" + query
	}
	q := url.Values{"identifier": {query}}
	var res protocol.LoadResult
	if err := n.request(ctx, http.MethodGet, "/v4/loadtracks", q, nil, &res); err != nil {
		return nil, err
	}

	switch res.LoadType {
	case protocol.LoadTypeEmpty:
		return &SearchResult{}, nil
	case protocol.LoadTypeTrack:
		var td protocol.TrackData
		if err := json.Unmarshal(res.Data, &td); err != nil {
			return nil, err
		}
		return &SearchResult{Tracks: []track.Track{track.FromData(td)}}, nil
	case protocol.LoadTypeSearch:
		var tds []protocol.TrackData
		if err := json.Unmarshal(res.Data, &tds); err != nil {
			return nil, err
		}
		tracks := make([]track.Track, len(tds))
		for i, td := range tds {
			tracks[i] = track.FromData(td)
		}
		return &SearchResult{Tracks: tracks}, nil
	case protocol.LoadTypePlaylist:
		var pd protocol.PlaylistData
		if err := json.Unmarshal(res.Data, &pd); err != nil {
			return nil, err
		}
		pl := track.PlaylistFromData(pd)
		return &SearchResult{Playlist: &pl}, nil
	case protocol.LoadTypeError:
		var exc protocol.Exception
		if err := json.Unmarshal(res.Data, &exc); err != nil {
			return nil, err
		}
		return nil, &TrackLoadError{Message: exc.Message, Severity: exc.Severity, Cause: exc.Cause}
	default:
		log.Warn().Str("module", "lavakit.rest").Str("label", n.cfg.Label).
			Str("loadType", res.LoadType).Msg("unknown load type")
		return &SearchResult{}, nil
	}
}

// DecodeTrack asks the node to decode a handle. This is the
// authoritative path; track.Decode is the local shortcut.
func (n *Node) DecodeTrack(ctx context.Context, encoded string) (track.Track, error) {
	q := url.Values{"encodedTrack": {encoded}}
	var td protocol.TrackData
	if err := n.request(ctx, http.MethodGet, "/v4/decodetrack", q, nil, &td); err != nil {
		return track.Track{}, err
	}
	if td.Encoded == "" {
		td.Encoded = encoded
	}
	return track.FromData(td), nil
}

// DecodeTracks batch-decodes handles in one round trip.
func (n *Node) DecodeTracks(ctx context.Context, encoded []string) ([]track.Track, error) {
	var tds []protocol.TrackData
	if err := n.request(ctx, http.MethodPost, "/v4/decodetracks", nil, encoded, &tds); err != nil {
		return nil, err
	}
	tracks := make([]track.Track, len(tds))
	for i, td := range tds {
		tracks[i] = track.FromData(td)
	}
	return tracks, nil
}

// RoutePlannerStatus reports the node's IP route planner, nil Class
// meaning none is configured.
func (n *Node) RoutePlannerStatus(ctx context.Context) (*protocol.RoutePlannerStatus, error) {
	var out protocol.RoutePlannerStatus
	if err := n.request(ctx, http.MethodGet, "/v4/routeplanner/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UnmarkFailedAddress frees one banned address on the route planner.
func (n *Node) UnmarkFailedAddress(ctx context.Context, address string) error {
	body := protocol.UnmarkAddressRequest{Address: address}
	return n.request(ctx, http.MethodPost, "/v4/routeplanner/free/address", nil, body, nil)
}

// UnmarkAllAddresses frees every banned address on the route planner.
func (n *Node) UnmarkAllAddresses(ctx context.Context) error {
	return n.request(ctx, http.MethodPost, "/v4/routeplanner/free/all", nil, nil, nil)
}

// FetchPlayer reads the node's authoritative state for one guild.
func (n *Node) FetchPlayer(ctx context.Context, guildID string) (*protocol.PlayerInfo, error) {
	base, err := n.sessionPath()
	if err != nil {
		return nil, err
	}
	var out protocol.PlayerInfo
	if err := n.request(ctx, http.MethodGet, base+"/players/"+guildID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
