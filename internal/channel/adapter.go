package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// EventHandler receives raw inbound events from a live connection.
// Adapters call it from their own receive goroutine.
type EventHandler func(ctx context.Context, event RawInboundEvent)

// ReconnectStrategy selects the delay applied before a reconnect attempt.
type ReconnectStrategy string

const (
	// ReconnectFixed waits a constant debounce delay before every attempt.
	ReconnectFixed ReconnectStrategy = "fixed"
	// ReconnectExponential doubles the delay on each consecutive failure up to a ceiling.
	ReconnectExponential ReconnectStrategy = "exponential"
)

// MarkerPolicy decides what happens to media markers in the companion text.
type MarkerPolicy string

const (
	// MarkersKeep sends the original text, markers included.
	MarkersKeep MarkerPolicy = "keep"
	// MarkersStrip removes markers before the text is sent.
	MarkersStrip MarkerPolicy = "strip"
)

// Policy describes per-platform delivery and supervision conventions.
type Policy struct {
	TextChunkLimit int               `json:"text_chunk_limit,omitempty"`
	Markers        MarkerPolicy      `json:"markers,omitempty"`
	Reconnect      ReconnectStrategy `json:"reconnect,omitempty"`
	RequireMention bool              `json:"require_mention"`
}

// NormalizePolicy fills zero-value fields with defaults.
func NormalizePolicy(policy Policy) Policy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = DefaultChunkLimit
	}
	if policy.Markers == "" {
		policy.Markers = MarkersStrip
	}
	if policy.Reconnect == "" {
		policy.Reconnect = ReconnectFixed
	}
	return policy
}

// Transport is the base interface every platform adapter implements.
type Transport interface {
	Type() ChannelType
	Policy() Policy
	// Connect opens the platform connection and starts delivering events to handler.
	// ctx bounds the handshake only; long-lived receive loops must derive from
	// context.WithoutCancel(ctx). The returned Connection must stop delivering
	// events once Stop returns.
	Connect(ctx context.Context, cfg ChannelConfig, handler EventHandler) (Connection, error)
	SendText(ctx context.Context, cfg ChannelConfig, target Target, text string, hint RenderHint) error
}

// CredentialValidator checks credentials before a connection attempt.
// Errors returned by ValidateConfig are treated as configuration errors.
type CredentialValidator interface {
	ValidateConfig(cfg ChannelConfig) error
}

// MediaUploader is an adapter capable of uploading local files and sending them as native media.
type MediaUploader interface {
	UploadMedia(ctx context.Context, cfg ChannelConfig, localPath string, mediaType MarkerType, name string) (MediaRef, error)
	SendMedia(ctx context.Context, cfg ChannelConfig, target Target, ref MediaRef) error
}

// MediaDownloader fetches inbound media to local storage.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, cfg ChannelConfig, desc MediaDescriptor) (DownloadedMedia, error)
}

// TokenRefresher is implemented by platforms whose access tokens expire.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, cfg ChannelConfig) error
}

// ProcessingNotifier shows platform-native progress feedback, such as a
// typing indicator, while the host handles a message. The returned func, when
// non-nil, clears the feedback.
type ProcessingNotifier interface {
	ProcessingStarted(ctx context.Context, cfg ChannelConfig, target Target) (func(), error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ChannelType() ChannelType
	// SelfID is the bot's own user id on the platform, empty when unknown.
	SelfID() string
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	channelType ChannelType
	selfID      atomic.Value
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a BaseConnection for the given config and stop function.
func NewConnection(cfg ChannelConfig, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		channelType: cfg.ChannelType,
		stop:        stop,
	}
	conn.selfID.Store("")
	conn.running.Store(true)
	return conn
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// SelfID returns the bot's own platform user id.
func (c *BaseConnection) SelfID() string {
	return c.selfID.Load().(string)
}

// SetSelfID records the bot's own platform user id once the platform reports it.
func (c *BaseConnection) SetSelfID(id string) {
	c.selfID.Store(id)
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// MarkDead flags the connection as no longer running without stopping it.
// Adapters call it when the underlying transport exits on its own.
func (c *BaseConnection) MarkDead() {
	c.running.Store(false)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
