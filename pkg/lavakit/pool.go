package lavakit

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Version is reported to nodes in the Client-Name handshake header.
const Version = "0.3.0"

// Pool owns every node and player for one bot user. All methods are
// safe for concurrent use.
type Pool struct {
	userID     string
	clientName string

	ctx    context.Context
	cancel context.CancelFunc
	bus    *Bus

	mu         sync.RWMutex
	nodes      []*Node // registration order, ties in selection break by it
	byLabel    map[string]*Node
	players    map[string]*Player
	strategies []Strategy
	strict     bool
	closed     bool
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithUserID sets the bot user id sent in the node handshake.
func WithUserID(id string) Option {
	return func(p *Pool) { p.userID = id }
}

// WithClientName overrides the Client-Name handshake header.
func WithClientName(name string) Option {
	return func(p *Pool) { p.clientName = name }
}

// WithStrategies replaces the default selection chain.
func WithStrategies(s ...Strategy) Option {
	return func(p *Pool) { p.strategies = s }
}

// WithStrictStrategies makes an empty strategy result fail selection
// instead of being skipped.
func WithStrictStrategies() Option {
	return func(p *Pool) { p.strict = true }
}

// NewPool creates a pool with no nodes. ctx bounds the lifetime of
// every node session the pool creates.
func NewPool(ctx context.Context, opts ...Option) *Pool {
	pctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		clientName: "lavakit/" + Version,
		ctx:        pctx,
		cancel:     cancel,
		bus:        newBus(),
		byLabel:    make(map[string]*Node),
		players:    make(map[string]*Player),
		strategies: DefaultStrategies(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a handler for one event type. Handlers run on
// their own goroutines; see Bus.
func (p *Pool) Subscribe(t EventType, h Handler) { p.bus.Subscribe(t, h) }

// CreateNode registers a node under its label and connects it. The
// node stays registered even when the initial connect fails; it keeps
// retrying in the background until its retry ceiling.
func (p *Pool) CreateNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, ok := p.byLabel[cfg.Label]; ok {
		p.mu.Unlock()
		return nil, ErrDuplicateNode
	}
	n := newNode(p.ctx, p, cfg)
	p.byLabel[cfg.Label] = n
	p.nodes = append(p.nodes, n)
	p.mu.Unlock()

	log.Info().Str("module", "lavakit.pool").Str("label", cfg.Label).Msg("node registered")
	if err := n.Connect(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Node looks a node up by label.
func (p *Pool) Node(label string) (*Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.byLabel[label]
	return n, ok
}

// Nodes snapshots the registered nodes in registration order.
func (p *Pool) Nodes() []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// RemoveNode deregisters and closes a node. Players bound to it keep
// their reference and surface errors until moved with TransferTo.
func (p *Pool) RemoveNode(label string) bool {
	p.mu.Lock()
	n, ok := p.byLabel[label]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.byLabel, label)
	for i, other := range p.nodes {
		if other == n {
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	n.close()
	return true
}

// Select runs the strategy chain over the available nodes and returns
// the winner. Unavailable nodes never reach the strategies. In the
// default mode a strategy that eliminates every candidate is skipped;
// with WithStrictStrategies it fails the selection instead.
func (p *Pool) Select(sctx SelectionContext) (*Node, error) {
	p.mu.RLock()
	candidates := make([]*Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		if n.Available() {
			candidates = append(candidates, n)
		}
	}
	strategies := p.strategies
	strict := p.strict
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoNodesAvailable
	}
	for _, s := range strategies {
		next := s(candidates, sctx)
		if len(next) == 0 {
			if strict {
				return nil, ErrNoNodesAvailable
			}
			continue
		}
		candidates = next
	}
	return candidates[0], nil
}

// CreatePlayer returns the player for a guild, creating one if none
// exists. Node binding is deferred until the voice credentials arrive.
func (p *Pool) CreatePlayer(guildID string) *Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.players[guildID]; ok {
		return pl
	}
	pl := newPlayer(p, guildID)
	p.players[guildID] = pl
	return pl
}

// Player looks up an existing player without creating one.
func (p *Pool) Player(guildID string) (*Player, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pl, ok := p.players[guildID]
	return pl, ok
}

// Players snapshots every live player.
func (p *Pool) Players() []*Player {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Player, 0, len(p.players))
	for _, pl := range p.players {
		out = append(out, pl)
	}
	return out
}

func (p *Pool) removePlayer(guildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.players, guildID)
}

// Close destroys every player, closes every node and stops the pool.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	players := make([]*Player, 0, len(p.players))
	for _, pl := range p.players {
		players = append(players, pl)
	}
	nodes := make([]*Node, len(p.nodes))
	copy(nodes, p.nodes)
	p.mu.Unlock()

	for _, pl := range players {
		if err := pl.Destroy(ctx); err != nil {
			log.Warn().Err(err).Str("module", "lavakit.pool").Str("guild", pl.GuildID()).Msg("destroy on close failed")
		}
	}
	for _, n := range nodes {
		n.close()
	}
	p.cancel()
	log.Info().Str("module", "lavakit.pool").Msg("closed")
}
