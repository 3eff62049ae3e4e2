package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/relaydesk/imgateway/internal/channel"
	"github.com/relaydesk/imgateway/internal/media"
)

// Type is the channel type for DingTalk.
const Type channel.ChannelType = "dingtalk"

const (
	defaultStopWait   = 5 * time.Second
	maxErrorBodyBytes = 4 << 10
	maxAPIBodyBytes   = 1 << 20
)

// Adapter receives bot messages over DingTalk stream mode and replies through
// session webhooks, falling back to the robot open API.
type Adapter struct {
	logger *slog.Logger
	media  *media.Store
	client *http.Client
	dialer *websocket.Dialer
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource // keyed by client id
}

// NewAdapter creates a DingTalk adapter. store may be nil, in which case
// inbound attachments are not downloaded.
func NewAdapter(log *slog.Logger, store *media.Store) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "dingtalk")),
		media:  store,
		client: &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		now:    time.Now,
		tokens: make(map[string]oauth2.TokenSource),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Policy uses exponential reconnects: stream tickets are rate limited and a
// revoked app fails every attempt.
func (a *Adapter) Policy() channel.Policy {
	return channel.Policy{
		TextChunkLimit: channel.DefaultChunkLimit,
		Markers:        channel.MarkersStrip,
		Reconnect:      channel.ReconnectExponential,
		RequireMention: true,
	}
}

func (a *Adapter) ValidateConfig(cfg channel.ChannelConfig) error {
	_, err := parseConfig(cfg.Credentials)
	return err
}

func (a *Adapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.EventHandler) (channel.Connection, error) {
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &connection{done: make(chan struct{})}
	conn.touch()
	stream := &streamClient{
		cfg:        dtCfg,
		client:     a.client,
		dialer:     a.dialer,
		logger:     a.logger,
		onActivity: conn.touch,
	}
	stream.onCallback = func(data []byte, ack func() error) {
		if runCtx.Err() != nil {
			return
		}
		var msg botMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Warn("decode bot message failed", slog.Any("error", err))
			_ = ack()
			return
		}
		if msg.ChatbotUserID != "" {
			conn.SetSelfID(msg.ChatbotUserID)
		}
		ev, ok := buildEvent(msg, a.now().UTC())
		if !ok {
			_ = ack()
			return
		}
		ev.Ack = ack
		handler(runCtx, ev)
	}

	ws, err := stream.open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	conn.BaseConnection = channel.NewConnection(cfg, func(stopCtx context.Context) error {
		cancel()
		stream.close()
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

	go func() {
		defer close(conn.done)
		if err := stream.run(runCtx, ws); err != nil {
			a.logger.Warn("stream closed", slog.Any("error", err))
			conn.MarkDead()
		}
	}()
	a.logger.Info("connected", slog.String("client_id", dtCfg.ClientID))
	return conn, nil
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

// apiError is a non-success response from a DingTalk API.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// doJSON sends req and decodes a JSON response into out. Old oapi endpoints
// report failures as errcode in a 200 response; those become apiErrors too.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := media.ReadAllWithLimit(resp.Body, maxAPIBodyBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &failure)
		if failure.Message == "" {
			if len(body) > maxErrorBodyBytes {
				body = body[:maxErrorBodyBytes]
			}
			failure.Message = string(body)
		}
		return &apiError{Status: resp.StatusCode, Code: failure.Code, Message: failure.Message}
	}
	var legacy struct {
		ErrCode *int   `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.ErrCode != nil && *legacy.ErrCode != 0 {
		return &apiError{Status: resp.StatusCode, Code: fmt.Sprint(*legacy.ErrCode), Message: legacy.ErrMsg}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isAPIError(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr)
}
