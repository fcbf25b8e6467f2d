package lavakit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lavakit/lavakit/pkg/protocol"
)

const testPassword = "youshallnotpass"

// recordedCall is one REST request the fake node saw.
type recordedCall struct {
	Method string
	Path   string
	Body   map[string]json.RawMessage
}

// fakeNode is an in-process stand-in for a remote audio node: the
// /version probe, the WebSocket endpoint and the session/player REST
// surface, with every call recorded for assertions.
type fakeNode struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	upgrader    websocket.Upgrader
	conns       []*websocket.Conn
	calls       []recordedCall
	sessions    int
	allowResume bool
	players     map[string]*fakePlayerState
	loadResult  *protocol.LoadResult
	identifiers []string
	patchGate   chan struct{}
}

type fakePlayerState struct {
	track  *protocol.TrackData
	volume int
	paused bool
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	f := &fakeNode{t: t, players: make(map[string]*fakePlayerState)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeNode) config(label string) NodeConfig {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(f.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(f.t, err)
	return NodeConfig{
		Label:          label,
		Host:           host,
		Port:           port,
		Password:       testPassword,
		RequestTimeout: 5 * time.Second,
		ReconnectBase:  10 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
	}
}

func (f *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/version":
		fmt.Fprint(w, "4.0.8")
	case r.URL.Path == "/v4/websocket":
		f.handleWS(w, r)
	case r.URL.Path == "/v4/loadtracks":
		f.mu.Lock()
		f.identifiers = append(f.identifiers, r.URL.Query().Get("identifier"))
		res := f.loadResult
		f.mu.Unlock()
		if res == nil {
			res = &protocol.LoadResult{LoadType: protocol.LoadTypeEmpty}
		}
		_ = json.NewEncoder(w).Encode(res)
	case strings.HasPrefix(r.URL.Path, "/v4/sessions/"):
		f.handleSession(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeNode) handleWS(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	resumed := f.allowResume && r.Header.Get("Session-Id") == f.sessionID()
	if !resumed {
		f.sessions++
	}
	sid := f.sessionID()
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	ready := protocol.Ready{Op: protocol.OpReady, Resumed: resumed, SessionID: sid}
	if err := conn.WriteJSON(ready); err != nil {
		return
	}
	// Drain so pings get answered.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeNode) sessionID() string { return fmt.Sprintf("sess-%d", f.sessions) }

func (f *fakeNode) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "/players/") {
		f.mu.Lock()
		gate := f.patchGate
		f.mu.Unlock()
		if gate != nil {
			<-gate
		}
	}

	var body map[string]json.RawMessage
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body})
	f.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v4/sessions/"), "/")
	if len(parts) == 1 {
		// PATCH /v4/sessions/{id}: resuming configuration.
		fmt.Fprint(w, `{"resuming":true,"timeout":60}`)
		return
	}
	if len(parts) != 3 || parts[1] != "players" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	guildID := parts[2]

	if r.Method == http.MethodDelete {
		f.mu.Lock()
		delete(f.players, guildID)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	f.mu.Lock()
	st, ok := f.players[guildID]
	if !ok {
		st = &fakePlayerState{volume: 100}
		f.players[guildID] = st
	}
	if raw, ok := body["encodedTrack"]; ok {
		if string(raw) == "null" {
			st.track = nil
		} else {
			var enc string
			_ = json.Unmarshal(raw, &enc)
			st.track = &protocol.TrackData{
				Encoded: enc,
				Info:    protocol.TrackInfo{Title: "title", Author: "author", Length: 60000, IsSeekable: true},
			}
		}
	}
	if raw, ok := body["volume"]; ok {
		_ = json.Unmarshal(raw, &st.volume)
	}
	if raw, ok := body["paused"]; ok {
		_ = json.Unmarshal(raw, &st.paused)
	}
	info := protocol.PlayerInfo{
		GuildID: guildID,
		Track:   st.track,
		Volume:  st.volume,
		Paused:  st.paused,
		State:   protocol.PlayerState{Connected: true, Ping: 3},
	}
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(info)
}

func (f *fakeNode) setLoadResult(res *protocol.LoadResult) {
	f.mu.Lock()
	f.loadResult = res
	f.mu.Unlock()
}

// loadIdentifiers snapshots the identifier query of every loadtracks
// call seen so far.
func (f *fakeNode) loadIdentifiers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.identifiers...)
}

// gatePlayerPatches holds every player PATCH until gate is closed,
// simulating a node that is slow to answer REST while its WebSocket
// keeps delivering frames.
func (f *fakeNode) gatePlayerPatches(gate chan struct{}) {
	f.mu.Lock()
	f.patchGate = gate
	f.mu.Unlock()
}

// send pushes one frame down the most recent WebSocket connection.
func (f *fakeNode) send(v any) {
	f.t.Helper()
	f.mu.Lock()
	require.NotEmpty(f.t, f.conns, "no websocket connection yet")
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(f.t, conn.WriteJSON(v))
}

// dropConnection closes the current WebSocket from the server side to
// provoke a client reconnect.
func (f *fakeNode) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) > 0 {
		_ = f.conns[len(f.conns)-1].Close()
	}
}

func (f *fakeNode) connectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// playerCalls filters the recorded REST calls down to player updates
// for one guild.
func (f *fakeNode) playerCalls(guildID string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if strings.HasSuffix(c.Path, "/players/"+guildID) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeNode) voiceUpdateCount(guildID string) int {
	count := 0
	for _, c := range f.playerCalls(guildID) {
		if _, ok := c.Body["voice"]; ok && c.Method == http.MethodPatch {
			count++
		}
	}
	return count
}
