package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/relaydesk/imgateway/internal/channel"
	"github.com/relaydesk/imgateway/internal/media"
)

// Type is the channel type for Feishu (and Lark).
const Type channel.ChannelType = "feishu"

const (
	processingBusyReactionType = "Typing"
	defaultHandshakeWait       = 2 * time.Second
	reactionCleanupTimeout     = 10 * time.Second
)

// errStaleConnection makes the platform redeliver events that reach a
// websocket client whose connection was already stopped.
var errStaleConnection = errors.New("feishu connection stopped")

// Adapter receives events over the Feishu long-connection websocket and
// sends through the im/v1 open API.
type Adapter struct {
	logger     *slog.Logger
	media      *media.Store
	httpClient *http.Client

	// handshakeWait is how long Connect waits for the websocket client to
	// report an early failure before treating the connection as up.
	handshakeWait time.Duration

	mu      sync.Mutex
	clients map[string]*lark.Client // keyed by app id and base url
}

// NewAdapter creates a Feishu adapter. store may be nil, in which case
// inbound attachments are not downloaded.
func NewAdapter(log *slog.Logger, store *media.Store) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:        log.With(slog.String("adapter", "feishu")),
		media:         store,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
		handshakeWait: defaultHandshakeWait,
		clients:       make(map[string]*lark.Client),
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
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	// Discovering the bot identity doubles as a credential check.
	botOpenID, err := discoverSelf(ctx, a.client(feishuCfg))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &connection{}
	conn.touch()
	conn.BaseConnection = channel.NewConnection(cfg, func(context.Context) error {
		cancel()
		a.logger.Info("stop")
		return nil
	})
	conn.SetSelfID(botOpenID)

	eventDispatcher := dispatcher.NewEventDispatcher(feishuCfg.VerificationToken, feishuCfg.EncryptKey)
	eventDispatcher.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		if runCtx.Err() != nil {
			return errStaleConnection
		}
		conn.touch()
		ev, ok := buildEvent(event, botOpenID, time.Now().UTC())
		if !ok {
			return nil
		}
		handler(runCtx, ev)
		return nil
	})
	eventDispatcher.OnP2MessageReadV1(func(context.Context, *larkim.P2MessageReadV1) error {
		return nil
	})
	// The processing reaction generates these; without handlers the SDK logs them as unknown.
	eventDispatcher.OnP2MessageReactionCreatedV1(func(context.Context, *larkim.P2MessageReactionCreatedV1) error {
		return nil
	})
	eventDispatcher.OnP2MessageReactionDeletedV1(func(context.Context, *larkim.P2MessageReactionDeletedV1) error {
		return nil
	})

	wsClient := larkws.NewClient(
		feishuCfg.AppID,
		feishuCfg.AppSecret,
		larkws.WithEventHandler(eventDispatcher),
		larkws.WithDomain(feishuCfg.openBaseURL()),
		larkws.WithLogger(newLarkLogger(a.logger, conn)),
		larkws.WithLogLevel(larkcore.LogLevelDebug),
	)
	// Start returns only when the first dial fails; once connected the SDK
	// keeps the socket (and its own reconnect loop) for the process lifetime.
	errCh := make(chan error, 1)
	go func() {
		errCh <- wsClient.Start(runCtx)
	}()

	wait := time.NewTimer(a.handshakeWait)
	defer wait.Stop()
	select {
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("client exited")
		}
		return nil, fmt.Errorf("feishu websocket: %w", err)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-wait.C:
	}

	go func() {
		select {
		case err := <-errCh:
			if runCtx.Err() == nil {
				a.logger.Warn("websocket client exited", slog.Any("error", err))
				conn.MarkDead()
			}
		case <-runCtx.Done():
		}
	}()
	a.logger.Info("connected", slog.String("bot_open_id", botOpenID))
	return conn, nil
}

func (a *Adapter) SendText(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, text string, hint channel.RenderHint) error {
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return err
	}
	msgType, content, err := buildTextContent(text, hint)
	if err != nil {
		return err
	}
	return a.deliver(ctx, a.client(feishuCfg), target, msgType, content)
}

// deliver replies in-thread when the target names a source message and
// otherwise creates a new message in the conversation.
func (a *Adapter) deliver(ctx context.Context, client *lark.Client, target channel.Target, msgType, content string) error {
	if replyTo := strings.TrimSpace(target.ReplyTo); replyTo != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(replyTo).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				Content(content).
				MsgType(msgType).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := client.Im.V1.Message.Reply(ctx, req)
		if err != nil {
			return fmt.Errorf("feishu reply: %w", err)
		}
		if !resp.Success() {
			return fmt.Errorf("feishu reply: %s (code: %d)", resp.Msg, resp.Code)
		}
		return nil
	}

	receiveID, receiveType, err := resolveReceiveID(target.ConversationID)
	if err != nil {
		return err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("feishu send: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("feishu send: %s (code: %d)", resp.Msg, resp.Code)
	}
	return nil
}

// buildTextContent renders markdown as a post with a single md element so
// Feishu formats it; plain text goes out as a text message.
func buildTextContent(text string, hint channel.RenderHint) (string, string, error) {
	if strings.TrimSpace(text) == "" {
		return "", "", fmt.Errorf("feishu send: message is required")
	}
	var (
		msgType string
		payload any
	)
	if hint == channel.RenderMarkdown {
		msgType = larkim.MsgTypePost
		payload = map[string]any{
			"zh_cn": map[string]any{
				"content": [][]map[string]string{{{"tag": "md", "text": text}}},
			},
		}
	} else {
		msgType = larkim.MsgTypeText
		payload = map[string]string{"text": text}
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("feishu marshal content: %w", err)
	}
	return msgType, string(content), nil
}

// ProcessingStarted adds a "Typing" reaction to the source message; the
// returned cleanup removes it.
func (a *Adapter) ProcessingStarted(ctx context.Context, cfg channel.ChannelConfig, target channel.Target) (func(), error) {
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	gateway := &larkProcessingReactionGateway{api: a.client(feishuCfg).Im.V1.MessageReaction}
	return startProcessingStatus(ctx, gateway, target.ReplyTo, a.logger)
}

func startProcessingStatus(ctx context.Context, gateway processingReactionGateway, messageID string, log *slog.Logger) (func(), error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, nil
	}
	reactionID, err := gateway.Add(ctx, messageID, processingBusyReactionType)
	if err != nil {
		return nil, err
	}
	return func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), reactionCleanupTimeout)
		defer cancel()
		if err := gateway.Remove(cleanupCtx, messageID, reactionID); err != nil {
			log.Debug("remove processing reaction failed", slog.String("message_id", messageID), slog.Any("error", err))
		}
	}, nil
}

func (a *Adapter) client(cfg Config) *lark.Client {
	key := cfg.AppID + "|" + cfg.openBaseURL()
	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[key]; ok {
		return client
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithOpenBaseUrl(cfg.openBaseURL()),
		lark.WithHttpClient(a.httpClient),
		lark.WithLogger(newLarkLogger(a.logger, nil)),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	)
	a.clients[key] = client
	return client
}

// discoverSelf resolves the bot's open_id, which inbound mentions are matched against.
func discoverSelf(ctx context.Context, client *lark.Client) (string, error) {
	resp, err := client.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return "", fmt.Errorf("feishu discover self: %w", err)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &body); err != nil {
		return "", fmt.Errorf("feishu discover self: parse response: %w", err)
	}
	if body.Code != 0 {
		return "", fmt.Errorf("feishu discover self: %s (code: %d)", body.Msg, body.Code)
	}
	openID := strings.TrimSpace(body.Bot.OpenID)
	if openID == "" {
		return "", fmt.Errorf("feishu discover self: empty open_id")
	}
	return openID, nil
}

type connection struct {
	*channel.BaseConnection
	lastActivity atomic.Int64
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

type messageReactionAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReactionReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageReactionResp, error)
	Delete(ctx context.Context, req *larkim.DeleteMessageReactionReq, options ...larkcore.RequestOptionFunc) (*larkim.DeleteMessageReactionResp, error)
}

type processingReactionGateway interface {
	Add(ctx context.Context, messageID, reactionType string) (string, error)
	Remove(ctx context.Context, messageID, reactionID string) error
}

type larkProcessingReactionGateway struct {
	api messageReactionAPI
}

func (g *larkProcessingReactionGateway) Add(ctx context.Context, messageID, reactionType string) (string, error) {
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(reactionType).Build()).
			Build()).
		Build()
	resp, err := g.api.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu add reaction failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil || resp.Data.ReactionId == nil || strings.TrimSpace(*resp.Data.ReactionId) == "" {
		return "", fmt.Errorf("feishu add reaction failed: empty reaction id")
	}
	return strings.TrimSpace(*resp.Data.ReactionId), nil
}

func (g *larkProcessingReactionGateway) Remove(ctx context.Context, messageID, reactionID string) error {
	req := larkim.NewDeleteMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionId(reactionID).
		Build()
	resp, err := g.api.Delete(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("feishu remove reaction failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	return nil
}

// larkLogger forwards SDK logs to slog. The websocket client logs pongs at
// debug level, which is the only heartbeat signal it exposes.
type larkLogger struct {
	log  *slog.Logger
	conn *connection
}

func newLarkLogger(log *slog.Logger, conn *connection) larkLogger {
	return larkLogger{log: log.With(slog.String("component", "lark-sdk")), conn: conn}
}

func (l larkLogger) Debug(ctx context.Context, args ...any) {
	msg := fmt.Sprint(args...)
	if l.conn != nil && strings.Contains(strings.ToLower(msg), "pong") {
		l.conn.touch()
	}
	l.log.DebugContext(ctx, msg)
}

func (l larkLogger) Info(ctx context.Context, args ...any) {
	l.log.InfoContext(ctx, fmt.Sprint(args...))
}

func (l larkLogger) Warn(ctx context.Context, args ...any) {
	l.log.WarnContext(ctx, fmt.Sprint(args...))
}

func (l larkLogger) Error(ctx context.Context, args ...any) {
	l.log.ErrorContext(ctx, fmt.Sprint(args...))
}
