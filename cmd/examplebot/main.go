// Command examplebot is a minimal music bot wiring a Discord gateway
// session to a node pool: voice updates flow into players, a prefix
// command plays the first search hit in the caller's channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lavakit/lavakit/pkg/config"
	"github.com/lavakit/lavakit/pkg/lavakit"
	"github.com/lavakit/lavakit/pkg/protocol"
	"github.com/lavakit/lavakit/pkg/track"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	token := os.Getenv(cfg.Bot.TokenEnv)
	if token == "" {
		log.Fatal().Str("env", cfg.Bot.TokenEnv).Msg("bot token not set")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway session")
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	if err := session.Open(); err != nil {
		log.Fatal().Err(err).Msg("failed to open gateway")
	}
	defer session.Close()

	pool := lavakit.NewPool(ctx, lavakit.WithUserID(session.State.User.ID))
	defer pool.Close(context.Background())

	pool.Subscribe(lavakit.EventTrackStart, func(e lavakit.Event) {
		ev := e.(lavakit.TrackStartEvent)
		log.Info().Str("guild", ev.Player.GuildID()).Str("title", ev.Track.Title).Msg("track started")
	})
	pool.Subscribe(lavakit.EventTrackEnd, func(e lavakit.Event) {
		ev := e.(lavakit.TrackEndEvent)
		log.Info().Str("guild", ev.Player.GuildID()).Str("reason", string(ev.Reason)).Msg("track ended")
	})

	for _, nc := range cfg.NodeConfigs() {
		if _, err := pool.CreateNode(ctx, nc); err != nil {
			log.Error().Err(err).Str("label", nc.Label).Msg("node connect failed, retrying in background")
		}
	}

	bot := &bot{pool: pool, prefix: cfg.Bot.Prefix}
	session.AddHandler(bot.onVoiceServerUpdate)
	session.AddHandler(bot.onVoiceStateUpdate)
	session.AddHandler(bot.onMessage)

	log.Info().Str("user", session.State.User.Username).Msg("bot started")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

type bot struct {
	pool   *lavakit.Pool
	prefix string
}

func (b *bot) onVoiceServerUpdate(s *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	player := b.pool.CreatePlayer(e.GuildID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := player.OnVoiceServerUpdate(ctx, e.Token, e.Endpoint); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Msg("voice server update failed")
	}
}

func (b *bot) onVoiceStateUpdate(s *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.UserID != s.State.User.ID {
		return
	}
	player := b.pool.CreatePlayer(e.GuildID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := player.OnVoiceStateUpdate(ctx, e.SessionID, e.ChannelID); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Msg("voice state update failed")
	}
}

func (b *bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot || !strings.HasPrefix(m.Content, b.prefix) {
		return
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(m.Content, b.prefix), " ")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "play":
		err = b.play(ctx, s, m, arg)
	case "stop":
		if p, ok := b.pool.Player(m.GuildID); ok {
			err = p.Stop(ctx)
		}
	case "pause":
		if p, ok := b.pool.Player(m.GuildID); ok {
			err = p.Pause(ctx, true)
		}
	case "resume":
		if p, ok := b.pool.Player(m.GuildID); ok {
			err = p.Resume(ctx)
		}
	case "leave":
		if p, ok := b.pool.Player(m.GuildID); ok {
			err = p.Destroy(ctx)
			_ = s.ChannelVoiceJoinManual(m.GuildID, "", false, true)
		}
	default:
		return
	}
	if err != nil {
		log.Error().Err(err).Str("guild", m.GuildID).Str("cmd", cmd).Msg("command failed")
		_, _ = s.ChannelMessageSend(m.ChannelID, "error: "+err.Error())
	}
}

// pickTrack chooses what to play from a load result. A playlist load
// carries its tracks only inside Playlist, so that is checked first;
// the selected track is honored when the source marked one.
func pickTrack(result *lavakit.SearchResult) (track.Track, bool) {
	if pl := result.Playlist; pl != nil && len(pl.Tracks) > 0 {
		if i := pl.SelectedTrack; i >= 0 && i < len(pl.Tracks) {
			return pl.Tracks[i], true
		}
		return pl.Tracks[0], true
	}
	if len(result.Tracks) > 0 {
		return result.Tracks[0], true
	}
	return track.Track{}, false
}

func (b *bot) play(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, query string) error {
	if query == "" {
		_, _ = s.ChannelMessageSend(m.ChannelID, "usage: "+b.prefix+"play <query>")
		return nil
	}
	vs, err := s.State.VoiceState(m.GuildID, m.Author.ID)
	if err != nil || vs.ChannelID == "" {
		_, _ = s.ChannelMessageSend(m.ChannelID, "join a voice channel first")
		return nil
	}

	node, err := b.pool.Select(lavakit.SelectionContext{GuildID: m.GuildID})
	if err != nil {
		return err
	}
	result, err := node.FetchTracks(ctx, query, protocol.SearchYouTube)
	if err != nil {
		return err
	}
	t, ok := pickTrack(result)
	if !ok {
		_, _ = s.ChannelMessageSend(m.ChannelID, "nothing found")
		return nil
	}

	// Joining voice triggers the gateway updates that bind the player.
	if err := s.ChannelVoiceJoinManual(m.GuildID, vs.ChannelID, false, true); err != nil {
		return err
	}
	player := b.pool.CreatePlayer(m.GuildID)
	for player.Node() == nil {
		select {
		case <-ctx.Done():
			return lavakit.ErrPlayerNotConnected
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := player.Play(ctx, t, lavakit.PlayOptions{}); err != nil {
		return err
	}
	_, _ = s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("playing **%s** by %s", t.Title, t.Author))
	return nil
}
