package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const (
	botMessageTopic = "/v1.0/im/bot/messages/get"
	streamUserAgent = "imgateway-stream/1.0"

	frameSystem   = "SYSTEM"
	frameCallback = "CALLBACK"
	frameEvent    = "EVENT"

	// redialWindow bounds how long the stream re-dials on its own before the
	// connection is reported dead and the supervisor takes over.
	redialWindow  = time.Minute
	writeDeadline = 10 * time.Second
)

var errServerDisconnect = errors.New("dingtalk stream: server requested disconnect")

// streamFrame is one message on the stream websocket.
type streamFrame struct {
	SpecVersion string            `json:"specVersion"`
	Type        string            `json:"type"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
}

type streamAck struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Message string            `json:"message"`
	Data    string            `json:"data"`
}

// streamClient keeps one DingTalk stream-mode websocket open. It re-dials
// with a fresh ticket when the server rotates the connection.
type streamClient struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger

	// onCallback handles bot message frames; ack sends the receipt.
	onCallback func(data []byte, ack func() error)
	// onActivity is called for every frame received.
	onActivity func()

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// open requests a connection ticket and dials the returned endpoint.
func (s *streamClient) open(ctx context.Context) (*websocket.Conn, error) {
	body, err := json.Marshal(map[string]any{
		"clientId":     s.cfg.ClientID,
		"clientSecret": s.cfg.ClientSecret,
		"ua":           streamUserAgent,
		"subscriptions": []map[string]string{
			{"type": frameCallback, "topic": botMessageTopic},
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBase+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	var ticket struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := doJSON(s.client, req, &ticket); err != nil {
		return nil, fmt.Errorf("dingtalk open stream: %w", err)
	}
	if ticket.Endpoint == "" || ticket.Ticket == "" {
		return nil, fmt.Errorf("dingtalk open stream: empty endpoint or ticket")
	}
	endpoint, err := url.Parse(ticket.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dingtalk open stream: %w", err)
	}
	query := endpoint.Query()
	query.Set("ticket", ticket.Ticket)
	endpoint.RawQuery = query.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, endpoint.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dingtalk dial stream: %w", err)
	}
	s.setConn(conn)
	return conn, nil
}

// run reads frames until ctx is cancelled or re-dialing gives up. It returns
// the error that ended the stream, nil after a clean stop.
func (s *streamClient) run(ctx context.Context, conn *websocket.Conn) error {
	for {
		err := s.read(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Info("stream dropped, re-dialing", slog.Any("reason", err))

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		conn, err = backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return s.open(ctx)
		}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(redialWindow))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil
		}
	}
}

func (s *streamClient) read(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.onActivity != nil {
			s.onActivity()
		}
		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("decode stream frame failed", slog.Any("error", err))
			continue
		}
		topic := frame.Headers["topic"]
		messageID := frame.Headers["messageId"]
		switch frame.Type {
		case frameSystem:
			switch topic {
			case "ping":
				if err := s.reply(conn, messageID, frame.Data); err != nil {
					return err
				}
			case "disconnect":
				return errServerDisconnect
			}
		case frameCallback, frameEvent:
			if topic != botMessageTopic {
				if err := s.reply(conn, messageID, `{"status":"SUCCESS"}`); err != nil {
					return err
				}
				continue
			}
			ack := func() error {
				return s.reply(conn, messageID, `{"response":null}`)
			}
			s.onCallback([]byte(frame.Data), ack)
		}
	}
}

func (s *streamClient) reply(conn *websocket.Conn, messageID, data string) error {
	payload, err := json.Marshal(streamAck{
		Code:    http.StatusOK,
		Headers: map[string]string{"contentType": "application/json", "messageId": messageID},
		Message: "OK",
		Data:    data,
	})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *streamClient) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

// close unblocks the read loop by closing the current socket.
func (s *streamClient) close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}
