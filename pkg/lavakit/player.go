package lavakit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lavakit/lavakit/pkg/protocol"
	"github.com/lavakit/lavakit/pkg/track"
)

// Player mirrors one guild's playback session on its bound node. It is
// created unbound; the bind happens when the first complete set of
// voice credentials arrives and a node is selected for it.
//
// The mutex is held across REST sends on purpose: commands for one
// guild are serialized so a Pause racing a Play cannot interleave on
// the wire. Different players never block each other.
type Player struct {
	pool    *Pool
	guildID string

	mu        sync.Mutex
	node      *Node
	destroyed bool

	// Voice credential fragments arrive in either order from the host
	// gateway. pendingVoice marks an un-pushed complete pair.
	voiceSessionID string
	voiceEndpoint  string
	voiceToken     string
	pendingVoice   bool

	current    *track.Track
	position   int64
	lastUpdate time.Time
	paused     bool
	volume     int
	connected  bool
	ping       int64
	filters    []labeledFilter
}

type labeledFilter struct {
	label string
	f     protocol.Filters
}

func newPlayer(pool *Pool, guildID string) *Player {
	return &Player{pool: pool, guildID: guildID, volume: 100, ping: -1}
}

func (p *Player) GuildID() string { return p.guildID }

// Node is the node this player is bound to, nil before the first voice
// update completes.
func (p *Player) Node() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// Current is the track the node reports as playing, nil when idle.
func (p *Player) Current() *track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	t := *p.current
	return &t
}

func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Connected reports the node's view of the guild voice connection.
func (p *Player) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Ping is the node-to-voice-gateway latency in millis, -1 when
// unknown.
func (p *Player) Ping() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ping
}

// Position estimates the current playback position in millis by
// extrapolating from the last node snapshot. While paused the estimate
// freezes at the snapshot value. Clamped to the track length.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	pos := p.position
	if !p.paused && p.connected {
		pos += time.Since(p.lastUpdate).Milliseconds()
	}
	if pos > p.current.Length {
		pos = p.current.Length
	}
	return pos
}

// OnVoiceServerUpdate feeds the token+endpoint fragment from the host
// gateway. A new voice server always invalidates the previous pair, so
// a complete pair is pushed (again) to the node.
func (p *Player) OnVoiceServerUpdate(ctx context.Context, token, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrPlayerNotConnected
	}
	p.voiceToken = token
	p.voiceEndpoint = endpoint
	p.pendingVoice = true
	return p.tryVoiceLocked(ctx)
}

// OnVoiceStateUpdate feeds the session-id fragment for this bot user.
// An empty channelID means the bot left voice; the credentials are
// dropped and nothing is sent.
func (p *Player) OnVoiceStateUpdate(ctx context.Context, sessionID, channelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrPlayerNotConnected
	}
	if channelID == "" {
		p.voiceSessionID = ""
		p.pendingVoice = false
		p.connected = false
		return nil
	}
	if sessionID != p.voiceSessionID {
		p.voiceSessionID = sessionID
		p.pendingVoice = true
	}
	return p.tryVoiceLocked(ctx)
}

// tryVoiceLocked pushes the credential pair once it is complete,
// binding the player to a node first if needed. Incomplete pairs wait
// for the other fragment. Callers hold p.mu.
func (p *Player) tryVoiceLocked(ctx context.Context) error {
	if !p.pendingVoice || p.voiceToken == "" || p.voiceEndpoint == "" || p.voiceSessionID == "" {
		return nil
	}
	if p.node == nil {
		n, err := p.pool.Select(SelectionContext{GuildID: p.guildID, Endpoint: p.voiceEndpoint})
		if err != nil {
			return err
		}
		p.node = n
		n.addPlayer(p)
		log.Info().Str("module", "lavakit.player").Str("guild", p.guildID).
			Str("label", n.cfg.Label).Msg("bound to node")
	}

	upd := protocol.PlayerUpdateRequest{Voice: &protocol.VoiceState{
		Token:     p.voiceToken,
		Endpoint:  p.voiceEndpoint,
		SessionID: p.voiceSessionID,
	}}
	if _, err := p.node.UpdatePlayer(ctx, p.guildID, upd, false); err != nil {
		return err
	}
	p.pendingVoice = false
	return nil
}

// PlayOptions tunes a Play call. The zero value plays the track from
// the start at the player's current volume.
type PlayOptions struct {
	// StartTime / EndTime bound playback within the track, in millis.
	// Nil leaves the node default.
	StartTime *int64
	EndTime   *int64
	Volume    *int
	Paused    *bool
	// NoReplace keeps an already-playing track instead of replacing it.
	NoReplace bool
}

// Play starts a track on the bound node.
func (p *Player) Play(ctx context.Context, t track.Track, opts PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.nodeLocked()
	if err != nil {
		return err
	}
	upd := protocol.PlayerUpdateRequest{
		EncodedTrack: &t.Encoded,
		Position:     opts.StartTime,
		EndTime:      opts.EndTime,
		Volume:       opts.Volume,
		Paused:       opts.Paused,
	}
	info, err := n.UpdatePlayer(ctx, p.guildID, upd, opts.NoReplace)
	if err != nil {
		return err
	}
	p.applyInfoLocked(info)
	return nil
}

// Stop clears the current track without destroying the player.
func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.nodeLocked()
	if err != nil {
		return err
	}
	if _, err := n.UpdatePlayer(ctx, p.guildID, protocol.PlayerUpdateRequest{ClearTrack: true}, false); err != nil {
		return err
	}
	p.current = nil
	p.position = 0
	return nil
}

// Pause pauses or resumes playback.
func (p *Player) Pause(ctx context.Context, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.nodeLocked()
	if err != nil {
		return err
	}
	if _, err := n.UpdatePlayer(ctx, p.guildID, protocol.PlayerUpdateRequest{Paused: &paused}, false); err != nil {
		return err
	}
	if !paused && p.paused {
		// Restart extrapolation from the frozen position.
		p.lastUpdate = time.Now()
	}
	p.paused = paused
	return nil
}

// Resume is shorthand for Pause(ctx, false).
func (p *Player) Resume(ctx context.Context) error { return p.Pause(ctx, false) }

// Seek moves playback to position millis into the current track.
func (p *Player) Seek(ctx context.Context, position int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.nodeLocked()
	if err != nil {
		return err
	}
	if _, err := n.UpdatePlayer(ctx, p.guildID, protocol.PlayerUpdateRequest{Position: &position}, false); err != nil {
		return err
	}
	p.position = position
	p.lastUpdate = time.Now()
	return nil
}

// SetVolume sets player volume in percent, 0-1000.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.nodeLocked()
	if err != nil {
		return err
	}
	if _, err := n.UpdatePlayer(ctx, p.guildID, protocol.PlayerUpdateRequest{Volume: &volume}, false); err != nil {
		return err
	}
	p.volume = volume
	return nil
}

// AddFilter appends a labelled filter and resends the merged set. A
// second filter under the same label replaces the first in place,
// keeping its position in the chain.
func (p *Player) AddFilter(ctx context.Context, label string, f protocol.Filters) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	replaced := false
	for i := range p.filters {
		if p.filters[i].label == label {
			p.filters[i].f = f
			replaced = true
			break
		}
	}
	if !replaced {
		p.filters = append(p.filters, labeledFilter{label: label, f: f})
	}
	return p.sendFiltersLocked(ctx)
}

// RemoveFilter drops the filter under label and resends the merged
// set. Unknown labels are a no-op.
func (p *Player) RemoveFilter(ctx context.Context, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.filters {
		if p.filters[i].label == label {
			p.filters = append(p.filters[:i], p.filters[i+1:]...)
			return p.sendFiltersLocked(ctx)
		}
	}
	return nil
}

// ClearFilters removes every filter.
func (p *Player) ClearFilters(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = nil
	return p.sendFiltersLocked(ctx)
}

// HasFilter reports whether a filter is registered under label.
func (p *Player) HasFilter(label string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, lf := range p.filters {
		if lf.label == label {
			return true
		}
	}
	return false
}

func (p *Player) sendFiltersLocked(ctx context.Context) error {
	n, err := p.nodeLocked()
	if err != nil {
		return err
	}
	merged := p.mergedFiltersLocked()
	_, err = n.UpdatePlayer(ctx, p.guildID, protocol.PlayerUpdateRequest{Filters: &merged}, false)
	return err
}

// mergedFiltersLocked flattens the labelled chain into the single
// filter object the node expects; later labels win per component.
func (p *Player) mergedFiltersLocked() protocol.Filters {
	var out protocol.Filters
	for _, lf := range p.filters {
		out = out.Merge(lf.f)
	}
	return out
}

// Destroy removes the player from its node and the pool. The player
// must not be used afterwards.
func (p *Player) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	n := p.node
	p.node = nil
	p.mu.Unlock()

	p.pool.removePlayer(p.guildID)
	if n == nil {
		return nil
	}
	n.removePlayer(p.guildID)
	return n.DestroyPlayer(ctx, p.guildID)
}

// TransferTo moves the player to another node: destroy on the old one,
// re-push the cached session on the new one. The stream restarts from
// the last known position.
func (p *Player) TransferTo(ctx context.Context, target *Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrPlayerNotConnected
	}
	if target == nil || !target.Available() {
		return ErrNoNodesAvailable
	}
	if old := p.node; old != nil {
		old.removePlayer(p.guildID)
		if err := old.DestroyPlayer(ctx, p.guildID); err != nil {
			log.Warn().Err(err).Str("module", "lavakit.player").Str("guild", p.guildID).
				Str("label", old.cfg.Label).Msg("destroy on old node failed")
		}
	}
	p.node = target
	target.addPlayer(p)
	return p.restoreLocked(ctx)
}

// restore re-pushes the full cached session after a cold reconnect or
// a node transfer, as one update: voice, track at position, volume,
// pause flag and filters.
func (p *Player) restore(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restoreLocked(ctx)
}

func (p *Player) restoreLocked(ctx context.Context) error {
	n, err := p.nodeLocked()
	if err != nil {
		return err
	}
	if p.voiceToken == "" || p.voiceEndpoint == "" || p.voiceSessionID == "" {
		// Nothing to restore onto; the next voice update rebinds.
		return nil
	}
	volume := p.volume
	paused := p.paused
	upd := protocol.PlayerUpdateRequest{
		Voice: &protocol.VoiceState{
			Token:     p.voiceToken,
			Endpoint:  p.voiceEndpoint,
			SessionID: p.voiceSessionID,
		},
		Volume: &volume,
		Paused: &paused,
	}
	if p.current != nil {
		upd.EncodedTrack = &p.current.Encoded
		pos := p.position
		if !p.paused {
			pos += time.Since(p.lastUpdate).Milliseconds()
		}
		upd.Position = &pos
	}
	if len(p.filters) > 0 {
		merged := p.mergedFiltersLocked()
		upd.Filters = &merged
	}
	info, err := n.UpdatePlayer(ctx, p.guildID, upd, false)
	if err != nil {
		return err
	}
	p.applyInfoLocked(info)
	p.pendingVoice = false
	return nil
}

func (p *Player) nodeLocked() (*Node, error) {
	if p.destroyed || p.node == nil {
		return nil, ErrPlayerNotConnected
	}
	return p.node, nil
}

// applyState ingests a playerUpdate snapshot from the node.
func (p *Player) applyState(s protocol.PlayerState) {
	p.mu.Lock()
	p.position = s.Position
	p.lastUpdate = time.Now()
	p.connected = s.Connected
	p.ping = s.Ping
	p.mu.Unlock()
}

// applyInfoLocked ingests the authoritative player the node returns
// from an update call. Callers hold p.mu.
func (p *Player) applyInfoLocked(info *protocol.PlayerInfo) {
	if info == nil {
		return
	}
	if info.Track != nil {
		t := track.FromData(*info.Track)
		p.current = &t
	} else {
		p.current = nil
	}
	p.volume = info.Volume
	p.paused = info.Paused
	p.position = info.State.Position
	p.lastUpdate = time.Now()
	p.connected = info.State.Connected
	p.ping = info.State.Ping
}

// handleEvent ingests an op "event" frame routed to this guild and
// republishes it as a typed domain event.
func (p *Player) handleEvent(msg protocol.Event) {
	switch msg.Type {
	case protocol.EventTrackStart:
		if msg.Track == nil {
			return
		}
		t := track.FromData(*msg.Track)
		p.mu.Lock()
		p.current = &t
		p.position = 0
		p.lastUpdate = time.Now()
		p.mu.Unlock()
		p.pool.bus.publish(TrackStartEvent{Player: p, Track: t})
	case protocol.EventTrackEnd:
		if msg.Track == nil {
			return
		}
		t := track.FromData(*msg.Track)
		reason := EndReason(msg.Reason)
		p.mu.Lock()
		// A replace is immediately followed by the next TrackStart;
		// clearing here would briefly lie about being idle.
		if reason != EndReasonReplaced {
			p.current = nil
			p.position = 0
		}
		p.mu.Unlock()
		p.pool.bus.publish(TrackEndEvent{Player: p, Track: t, Reason: reason})
	case protocol.EventTrackException:
		if msg.Track == nil || msg.Exception == nil {
			return
		}
		p.pool.bus.publish(TrackExceptionEvent{
			Player:    p,
			Track:     track.FromData(*msg.Track),
			Exception: *msg.Exception,
		})
	case protocol.EventTrackStuck:
		if msg.Track == nil {
			return
		}
		p.pool.bus.publish(TrackStuckEvent{
			Player:      p,
			Track:       track.FromData(*msg.Track),
			ThresholdMS: msg.ThresholdMS,
		})
	case protocol.EventWebSocketClosed:
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		p.pool.bus.publish(WebSocketClosedEvent{
			Player:   p,
			GuildID:  p.guildID,
			Code:     msg.Code,
			Reason:   msg.Reason,
			ByRemote: msg.ByRemote,
		})
	default:
		log.Warn().Str("module", "lavakit.player").Str("guild", p.guildID).
			Str("type", msg.Type).Msg("unknown event type")
	}
}
