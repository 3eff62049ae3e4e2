// Package backend forwards normalized inbound messages to the AI task
// backend and relays its reply.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relaydesk/imgateway/internal/channel"
	"github.com/relaydesk/imgateway/internal/media"
)

const (
	defaultTimeout    = 2 * time.Minute
	maxLoggedBodySize = 300
	maxResponseBytes  = 4 << 20

	unavailableReply = "the task backend is unavailable right now"
)

// taskRequest is the body of POST {base}/v1/tasks.
type taskRequest struct {
	Source  string          `json:"source"`
	Message channel.Message `json:"message"`
}

type taskResponse struct {
	TaskID string `json:"task_id,omitempty"`
	Reply  string `json:"reply"`
}

// Client talks to the AI task backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. An empty baseURL yields a client whose
// Handle is a no-op, so gateways can run without a backend attached.
func NewClient(log *slog.Logger, baseURL, token string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "backend")),
	}
}

// Enabled reports whether a backend URL is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Handle is a channel.MessageHandler: it submits msg as a task and sends the
// backend's reply, media markers included, back through reply.
func (c *Client) Handle(ctx context.Context, msg channel.Message, reply channel.ReplyFunc) error {
	if !c.Enabled() {
		c.logger.Debug("no backend configured, message ignored",
			slog.String("channel", msg.Platform.String()),
			slog.String("message_id", msg.MessageID))
		return nil
	}
	resp, err := c.submit(ctx, msg)
	if err != nil {
		return channel.NewReplyError(unavailableReply, err)
	}
	if strings.TrimSpace(resp.Reply) == "" {
		return nil
	}
	return reply(ctx, resp.Reply)
}

func (c *Client) submit(ctx context.Context, msg channel.Message) (taskResponse, error) {
	body, err := json.Marshal(taskRequest{Source: "imgateway", Message: msg})
	if err != nil {
		return taskResponse{}, err
	}
	url := c.baseURL + "/v1/tasks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return taskResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return taskResponse{}, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := media.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return taskResponse{}, fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("backend error", slog.String("url", url), slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), maxLoggedBodySize)))
		return taskResponse{}, fmt.Errorf("backend error (%d): %s", resp.StatusCode, strings.TrimSpace(truncate(string(respBody), maxLoggedBodySize)))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return taskResponse{}, nil
	}
	var parsed taskResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return taskResponse{}, fmt.Errorf("failed to parse backend response: %w", err)
	}
	return parsed, nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
