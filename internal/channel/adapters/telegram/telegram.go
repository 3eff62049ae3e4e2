package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/imgateway/internal/channel"
	"github.com/relaydesk/imgateway/internal/media"
)

// Type is the channel type for Telegram.
const Type channel.ChannelType = "telegram"

const (
	pollTimeoutSeconds = 25
	pollRetryDelay     = 3 * time.Second
	defaultStopWait    = 5 * time.Second
)

// Adapter receives updates by long polling and sends through the Bot API.
type Adapter struct {
	logger *slog.Logger
	media  *media.Store
	client *http.Client

	mu   sync.RWMutex
	bots map[string]*tgbotapi.BotAPI // outbound clients keyed by bot token
}

// NewAdapter creates a Telegram adapter. store may be nil, in which case
// inbound attachments are not downloaded.
func NewAdapter(log *slog.Logger, store *media.Store) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		media:  store,
		client: &http.Client{Timeout: (pollTimeoutSeconds + 10) * time.Second},
		bots:   make(map[string]*tgbotapi.BotAPI),
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
	telegramCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	// Requests carry runCtx so Stop aborts the in-flight long poll and the
	// next connection does not hit a getUpdates conflict.
	client := &http.Client{
		Timeout:   a.client.Timeout,
		Transport: contextTransport{ctx: runCtx, base: a.client.Transport},
	}
	bot, err := tgbotapi.NewBotAPIWithClient(telegramCfg.BotToken, telegramCfg.APIEndpoint, client)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram get me: %w", err)
	}

	conn := &connection{done: make(chan struct{})}
	conn.lastActivity.Store(time.Now().UnixNano())
	conn.BaseConnection = channel.NewConnection(cfg, func(stopCtx context.Context) error {
		cancel()
		a.logger.Info("stop")
		wait := time.NewTimer(defaultStopWait)
		defer wait.Stop()
		select {
		case <-conn.done:
		case <-stopCtx.Done():
		case <-wait.C:
		}
		return nil
	})
	conn.SetSelfID(strconv.FormatInt(bot.Self.ID, 10))

	go a.poll(runCtx, bot, conn, handler)
	a.logger.Info("connected", slog.String("username", bot.Self.UserName))
	return conn, nil
}

// poll runs the getUpdates loop until ctx is cancelled. Every successful
// round trip counts as liveness activity, even when it returns no updates.
func (a *Adapter) poll(ctx context.Context, bot *tgbotapi.BotAPI, conn *connection, handler channel.EventHandler) {
	defer close(conn.done)
	offset := 0
	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(offset)
		u.Timeout = pollTimeoutSeconds
		updates, err := bot.GetUpdates(u)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("get updates failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		conn.touch()
		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if ctx.Err() != nil {
				return
			}
			ev, ok := buildEvent(update.Message, bot.Self, time.Now().UTC())
			if !ok {
				continue
			}
			handler(ctx, ev)
		}
	}
}

func (a *Adapter) bot(cfg channel.ChannelConfig) (*tgbotapi.BotAPI, error) {
	telegramCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	bot, ok := a.bots[telegramCfg.BotToken]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	bot, err = tgbotapi.NewBotAPIWithClient(telegramCfg.BotToken, telegramCfg.APIEndpoint, a.client)
	if err != nil {
		return nil, fmt.Errorf("telegram get me: %w", err)
	}
	a.rememberBot(telegramCfg.BotToken, bot)
	return bot, nil
}

func (a *Adapter) rememberBot(token string, bot *tgbotapi.BotAPI) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bots[token] = bot
}

type connection struct {
	*channel.BaseConnection
	lastActivity atomic.Int64
	done         chan struct{}
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req.WithContext(t.ctx))
}
