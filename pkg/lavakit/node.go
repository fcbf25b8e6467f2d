package lavakit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lavakit/lavakit/pkg/protocol"
)

// Status is a node's connection state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	// StatusFailed means the reconnect retry ceiling was exceeded.
	// The node is excluded from selection until Connect is called
	// again explicitly.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NodeConfig identifies one remote audio node and tunes its session.
type NodeConfig struct {
	Label    string
	Host     string
	Port     int
	Password string
	Secure   bool

	// Regions this node should serve, matched against the voice
	// endpoint region by PreferRegion.
	Regions []string

	// ResumeSessionID resumes a session created by a previous process.
	ResumeSessionID string

	// ResumeTimeout is how long, in seconds, the node keeps the
	// session alive after we drop. Defaults to 60.
	ResumeTimeout int

	// RequestTimeout bounds every REST call and the WS handshake.
	// Defaults to 10s.
	RequestTimeout time.Duration

	// PingPeriod is the WS keepalive interval. Defaults to 30s.
	PingPeriod time.Duration

	// ReconnectBase/ReconnectMax bound the backoff between reconnect
	// attempts. Default 1s and 1m.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// RetryLimit is how many consecutive reconnect attempts are made
	// before the node is marked failed. Defaults to 8.
	RetryLimit int
}

func (c *NodeConfig) withDefaults() {
	if c.ResumeTimeout == 0 {
		c.ResumeTimeout = 60
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PingPeriod == 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = time.Minute
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 8
	}
}

// Node owns the REST and WebSocket session to one remote audio node.
// The pool creates and removes nodes; players hold a non-owning
// reference to the node they are bound to.
type Node struct {
	cfg     NodeConfig
	pool    *Pool
	restURL string
	wsURL   string
	http    *http.Client
	backoff *expBackoff

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	status         Status
	conn           *websocket.Conn
	sessionID      string
	resumeID       string
	everReady      bool
	stats          *protocol.Stats
	players        map[string]*Player
	ready          chan struct{}
	reconnectTimer *time.Timer
	attempts       int
}

func newNode(ctx context.Context, pool *Pool, cfg NodeConfig) *Node {
	cfg.withDefaults()
	scheme, wsScheme := "http", "ws"
	if cfg.Secure {
		scheme, wsScheme = "https", "wss"
	}
	nctx, cancel := context.WithCancel(ctx)
	return &Node{
		cfg:      cfg,
		pool:     pool,
		restURL:  fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		wsURL:    fmt.Sprintf("%s://%s:%d/v4/websocket", wsScheme, cfg.Host, cfg.Port),
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		backoff:  newBackoff(cfg.ReconnectBase, cfg.ReconnectMax),
		ctx:      nctx,
		cancel:   cancel,
		resumeID: cfg.ResumeSessionID,
		players:  make(map[string]*Player),
	}
}

func (n *Node) Label() string     { return n.cfg.Label }
func (n *Node) Regions() []string { return n.cfg.Regions }

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Available reports whether the node can take new players.
func (n *Node) Available() bool { return n.Status() == StatusConnected }

// SessionID is the WebSocket session id from the last ready frame,
// empty before the first handshake completes.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Stats returns the last stats snapshot, or nil before the first
// stats frame.
func (n *Node) Stats() *protocol.Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stats == nil {
		return nil
	}
	s := *n.stats
	return &s
}

func (n *Node) PlayerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.players)
}

func (n *Node) player(guildID string) *Player {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.players[guildID]
}

func (n *Node) addPlayer(p *Player) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.players[p.guildID] = p
}

func (n *Node) removePlayer(guildID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.players, guildID)
}

// boundPlayers snapshots the players for iteration outside the lock.
func (n *Node) boundPlayers() []*Player {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Player, 0, len(n.players))
	for _, p := range n.players {
		out = append(out, p)
	}
	return out
}

// weight ranks the node for LowestLoad: players plus exponential
// penalties for CPU load, frame loss and memory pressure. Nodes
// without stats yet share a very high constant so known-load nodes
// win, but an all-fresh pool still balances.
func (n *Node) weight() float64 {
	stats := n.Stats()
	if stats == nil {
		return 6.63e34
	}
	w := float64(stats.PlayingPlayers)
	if stats.CPU.Cores > 0 {
		w += math.Pow(1.05, 100*stats.CPU.SystemLoad/float64(stats.CPU.Cores))*10 - 10
	}
	if fs := stats.FrameStats; fs != nil {
		w += math.Pow(1.03, float64(fs.Nulled)/6)*600 - 600
		w += math.Pow(1.03, float64(fs.Deficit)/6)*600 - 600
	}
	if stats.Memory.Reservable > 0 {
		used := float64(stats.Memory.Used) / float64(stats.Memory.Reservable)
		w += math.Max(math.Pow(10, 100*used-96), 1) - 1
	}
	return w
}

// Connect performs the version probe and WebSocket handshake, then
// waits for the node's ready frame. On handshake failure the node
// schedules background reconnects; a failed node can be retried by
// calling Connect again.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.status == StatusConnected || n.status == StatusConnecting {
		n.mu.Unlock()
		return ErrNodeAlreadyConnected
	}
	n.status = StatusConnecting
	n.attempts = 0
	n.mu.Unlock()
	n.backoff.reset()

	if err := n.checkVersion(ctx); err != nil {
		n.mu.Lock()
		n.status = StatusFailed
		n.mu.Unlock()
		return err
	}

	ready, err := n.dial(ctx)
	if err != nil {
		n.mu.Lock()
		n.status = StatusDisconnected
		n.mu.Unlock()
		n.scheduleReconnect()
		return err
	}

	select {
	case <-ready:
		return nil
	case <-time.After(n.cfg.RequestTimeout):
		return &ConnectionError{Label: n.cfg.Label, Err: fmt.Errorf("timed out waiting for ready frame")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkVersion asks GET /version and rejects anything but a v4 node.
// A node that cannot be reached is left for the dial to report.
func (n *Node) checkVersion(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.restURL+"/version", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", n.cfg.Password)
	resp, err := n.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).
			Msg("version probe failed, proceeding to handshake")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ConnectionError{Label: n.cfg.Label, AuthFailed: true,
			Err: fmt.Errorf("version probe returned %d", resp.StatusCode)}
	}
	buf := make([]byte, 64)
	m, _ := resp.Body.Read(buf)
	version := strings.TrimSpace(string(buf[:m]))
	major, _, _ := strings.Cut(version, ".")
	if major != "4" {
		return &ConnectionError{Label: n.cfg.Label,
			Err: fmt.Errorf("unsupported node version %q (need 4.x)", version)}
	}
	return nil
}

func (n *Node) dial(ctx context.Context) (chan struct{}, error) {
	header := http.Header{}
	header.Set("Authorization", n.cfg.Password)
	header.Set("User-Id", n.pool.userID)
	header.Set("Client-Name", n.pool.clientName)
	n.mu.RLock()
	resumeID := n.resumeID
	n.mu.RUnlock()
	if resumeID != "" {
		header.Set("Session-Id", resumeID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: n.cfg.RequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, n.wsURL, header)
	if err != nil {
		cerr := &ConnectionError{Label: n.cfg.Label, Err: err}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			cerr.AuthFailed = true
		}
		log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("handshake failed")
		return nil, cerr
	}

	ready := make(chan struct{})
	n.mu.Lock()
	n.conn = conn
	n.ready = ready
	n.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(2 * n.cfg.PingPeriod))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * n.cfg.PingPeriod))
	})

	log.Info().Str("module", "lavakit.node").Str("label", n.cfg.Label).Str("url", n.wsURL).Msg("connected, awaiting ready")
	go n.readLoop(conn)
	go n.pingLoop(conn)
	return ready, nil
}

func (n *Node) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.handleDisconnect(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * n.cfg.PingPeriod))
		n.handleMessage(data)
	}
}

func (n *Node) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(n.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("ping write failed")
				return
			}
		}
	}
}

func (n *Node) handleMessage(data []byte) {
	var env protocol.Envelope
	if err := unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("bad frame")
		return
	}

	switch env.Op {
	case protocol.OpReady:
		var msg protocol.Ready
		if err := unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("bad ready frame")
			return
		}
		n.handleReady(msg)
	case protocol.OpPlayerUpdate:
		var msg protocol.PlayerUpdate
		if err := unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("bad playerUpdate frame")
			return
		}
		p := n.player(msg.GuildID)
		if p == nil {
			if msg.State.Connected {
				log.Warn().Str("module", "lavakit.node").Str("label", n.cfg.Label).
					Str("guild", msg.GuildID).Msg("playerUpdate for unknown player")
			}
			return
		}
		p.applyState(msg.State)
	case protocol.OpStats:
		var msg protocol.Stats
		if err := unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("bad stats frame")
			return
		}
		n.mu.Lock()
		n.stats = &msg
		n.mu.Unlock()
		n.pool.bus.publish(NodeStatsEvent{Node: n, Stats: msg})
	case protocol.OpEvent:
		var msg protocol.Event
		if err := unmarshal(data, &msg); err != nil {
			log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("bad event frame")
			return
		}
		n.handleEvent(msg)
	default:
		log.Warn().Str("module", "lavakit.node").Str("label", n.cfg.Label).Str("op", env.Op).Msg("unknown op")
	}
}

func (n *Node) handleReady(msg protocol.Ready) {
	n.mu.Lock()
	wasReady := n.everReady
	n.everReady = true
	n.sessionID = msg.SessionID
	n.resumeID = msg.SessionID
	n.status = StatusConnected
	n.attempts = 0
	ready := n.ready
	n.ready = nil
	n.mu.Unlock()
	n.backoff.reset()

	log.Info().Str("module", "lavakit.node").Str("label", n.cfg.Label).
		Str("session", msg.SessionID).Bool("resumed", msg.Resumed).Msg("ready")

	if msg.Resumed {
		// The server kept our players and replays missed events;
		// nothing to re-push.
		log.Info().Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("session resumed")
	} else {
		// These are REST calls; run them off the read loop so frames
		// keep draining while a slow node answers them.
		go func() {
			if err := n.configureResuming(n.ctx); err != nil {
				log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("configure resuming failed")
			}
			if wasReady {
				// Cold reconnect: the server-side session is gone, so every
				// bound player re-pushes its cached state exactly once.
				for _, p := range n.boundPlayers() {
					if err := p.restore(n.ctx); err != nil {
						log.Error().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).
							Str("guild", p.guildID).Msg("player restore failed")
					}
				}
			}
		}()
	}

	if ready != nil {
		close(ready)
	}
	n.pool.bus.publish(NodeReadyEvent{Node: n, Resumed: msg.Resumed})
}

func (n *Node) handleEvent(msg protocol.Event) {
	p := n.player(msg.GuildID)
	if p == nil {
		log.Warn().Str("module", "lavakit.node").Str("label", n.cfg.Label).
			Str("guild", msg.GuildID).Str("type", msg.Type).Msg("event for unknown player")
		return
	}
	p.handleEvent(msg)
}

func (n *Node) handleDisconnect(err error) {
	n.mu.Lock()
	n.conn = nil
	if n.status == StatusFailed {
		n.mu.Unlock()
		return
	}
	n.status = StatusDisconnected
	n.mu.Unlock()

	if n.ctx.Err() != nil {
		// Explicit close via deregister or pool shutdown.
		return
	}
	log.Warn().Err(err).Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("websocket lost")
	n.scheduleReconnect()
}

func (n *Node) scheduleReconnect() {
	n.mu.Lock()
	n.attempts++
	if n.attempts > n.cfg.RetryLimit {
		n.status = StatusFailed
		n.mu.Unlock()
		log.Error().Str("module", "lavakit.node").Str("label", n.cfg.Label).
			Int("attempts", n.cfg.RetryLimit).Msg("retry ceiling exceeded, marking node failed")
		return
	}
	delay := n.backoff.next()
	n.reconnectTimer = time.AfterFunc(delay, n.reconnect)
	n.mu.Unlock()
	log.Warn().Str("module", "lavakit.node").Str("label", n.cfg.Label).
		Dur("delay", delay).Msg("reconnect scheduled")
}

func (n *Node) reconnect() {
	if n.ctx.Err() != nil {
		return
	}
	n.mu.Lock()
	if n.status == StatusConnected || n.status == StatusConnecting {
		n.mu.Unlock()
		return
	}
	n.status = StatusConnecting
	n.mu.Unlock()

	if _, err := n.dial(n.ctx); err != nil {
		n.mu.Lock()
		n.status = StatusDisconnected
		n.mu.Unlock()
		n.scheduleReconnect()
	}
}

// close tears the node down for good; only the pool calls this.
func (n *Node) close() {
	n.cancel()
	n.mu.Lock()
	if n.reconnectTimer != nil {
		n.reconnectTimer.Stop()
	}
	conn := n.conn
	n.conn = nil
	n.status = StatusDisconnected
	n.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	log.Info().Str("module", "lavakit.node").Str("label", n.cfg.Label).Msg("closed")
}
