package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/relaydesk/imgateway/internal/channel"
	"github.com/relaydesk/imgateway/internal/media"
)

// Type is the channel type for Discord.
const Type channel.ChannelType = "discord"

const processingBusyReactionEmoji = "⏳"

const gatewayIntents = discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// messageSession is the subset of *discordgo.Session used for outbound delivery.
type messageSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emoji, userID string, options ...discordgo.RequestOption) error
}

// Adapter connects the gateway to the Discord bot gateway.
type Adapter struct {
	logger *slog.Logger
	media  *media.Store

	mu       sync.RWMutex
	sessions map[string]*discordgo.Session // keyed by bot token

	// session overrides REST session creation; tests use it.
	session func(token string) (messageSession, error)
}

// NewAdapter creates a Discord adapter. store may be nil, in which case
// inbound attachments are not downloaded.
func NewAdapter(log *slog.Logger, store *media.Store) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "discord")),
		media:    store,
		sessions: make(map[string]*discordgo.Session),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Policy() channel.Policy {
	return channel.Policy{
		TextChunkLimit: channel.DefaultChunkLimit,
		Markers:        channel.MarkersStrip,
		Reconnect:      channel.ReconnectFixed,
		RequireMention: true,
	}
}

func (a *Adapter) ValidateConfig(cfg channel.ChannelConfig) error {
	_, err := parseConfig(cfg.Credentials)
	return err
}

func (a *Adapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.EventHandler) (channel.Connection, error) {
	discordCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + discordCfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord create session: %w", err)
	}
	session.Identify.Intents = gatewayIntents
	// The supervisor owns reconnection; a dropped gateway marks the connection dead.
	session.ShouldReconnectOnError = false

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &connection{session: session}
	conn.BaseConnection = channel.NewConnection(cfg, func(context.Context) error {
		cancel()
		for _, remove := range conn.removers {
			remove()
		}
		a.forgetSession(discordCfg.BotToken, session)
		a.logger.Info("stop")
		return session.Close()
	})

	conn.removers = append(conn.removers,
		session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			if r.User != nil {
				conn.SetSelfID(r.User.ID)
			}
		}),
		session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			if runCtx.Err() == nil {
				a.logger.Warn("gateway disconnected")
				conn.MarkDead()
			}
		}),
		session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			if runCtx.Err() != nil || m.Message == nil {
				return
			}
			if m.Author != nil && m.Author.Bot {
				return
			}
			ev, ok := buildEvent(m.Message, conn.SelfID(), time.Now().UTC())
			if !ok {
				return
			}
			handler(runCtx, ev)
		}),
	)

	if err := session.Open(); err != nil {
		cancel()
		for _, remove := range conn.removers {
			remove()
		}
		return nil, fmt.Errorf("discord open connection: %w", err)
	}
	if session.State != nil && session.State.User != nil {
		conn.SetSelfID(session.State.User.ID)
	}
	a.rememberSession(discordCfg.BotToken, session)
	a.logger.Info("connected", slog.String("self_id", conn.SelfID()))
	return conn, nil
}

func (a *Adapter) SendText(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, text string, _ channel.RenderHint) error {
	session, channelID, err := a.resolve(cfg, target)
	if err != nil {
		return err
	}
	// Discord renders markdown natively, so both hints are sent as-is.
	if replyTo := strings.TrimSpace(target.ReplyTo); replyTo != "" {
		_, err = session.ChannelMessageSendReply(channelID, text, &discordgo.MessageReference{
			ChannelID: channelID,
			MessageID: replyTo,
		}, discordgo.WithContext(ctx))
	} else {
		_, err = session.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("discord send text: %w", err)
	}
	return nil
}

// ProcessingStarted shows a typing indicator and a busy reaction on the
// source message until the host has replied.
func (a *Adapter) ProcessingStarted(ctx context.Context, cfg channel.ChannelConfig, target channel.Target) (func(), error) {
	session, channelID, err := a.resolve(cfg, target)
	if err != nil {
		return nil, err
	}
	return startProcessingStatus(ctx, session, channelID, strings.TrimSpace(target.ReplyTo))
}

func startProcessingStatus(ctx context.Context, session messageSession, channelID, sourceMessageID string) (func(), error) {
	var firstErr error
	if err := session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		firstErr = err
	}
	if sourceMessageID == "" {
		return nil, firstErr
	}
	if err := session.MessageReactionAdd(channelID, sourceMessageID, processingBusyReactionEmoji, discordgo.WithContext(ctx)); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return nil, firstErr
	}
	// A busy reaction that was added must be cleared even when typing failed.
	return func() {
		_ = session.MessageReactionRemove(channelID, sourceMessageID, processingBusyReactionEmoji, "@me")
	}, nil
}

func (a *Adapter) resolve(cfg channel.ChannelConfig, target channel.Target) (messageSession, string, error) {
	channelID := strings.TrimSpace(target.ConversationID)
	if channelID == "" {
		return nil, "", channel.ErrNoConversation
	}
	discordCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, "", err
	}
	session, err := a.restSession(discordCfg.BotToken)
	if err != nil {
		return nil, "", err
	}
	return session, channelID, nil
}

// restSession returns the live gateway session for token, or a REST-only one.
func (a *Adapter) restSession(token string) (messageSession, error) {
	if a.session != nil {
		return a.session(token)
	}
	a.mu.RLock()
	session, ok := a.sessions[token]
	a.mu.RUnlock()
	if ok {
		return session, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		return s, nil
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord create session: %w", err)
	}
	a.sessions[token] = s
	return s, nil
}

func (a *Adapter) rememberSession(token string, session *discordgo.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[token] = session
}

func (a *Adapter) forgetSession(token string, session *discordgo.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[token] == session {
		delete(a.sessions, token)
	}
}

// connection reports gateway heartbeat acks as liveness activity.
type connection struct {
	*channel.BaseConnection
	session  *discordgo.Session
	removers []func()
}

func (c *connection) LastActivity() time.Time {
	c.session.RLock()
	defer c.session.RUnlock()
	return c.session.LastHeartbeatAck
}
