// Package channel supervises long-lived connections to external chat platforms.
// It defines the shared message model, the transport adapter contract, and the
// per-adapter Supervisor that owns lifecycle, health checks and reconnection.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "telegram", "feishu").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// ChatType distinguishes one-to-one conversations from group conversations.
type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// ChannelConfig holds the per-platform configuration for one gateway session.
// It is treated as immutable once a session starts.
type ChannelConfig struct {
	ChannelType ChannelType    `json:"channel_type"`
	Enabled     bool           `json:"enabled"`
	Debug       bool           `json:"debug"`
	Credentials map[string]any `json:"credentials"`
}

// Status is a read-only snapshot of a gateway's connection state.
type Status struct {
	ChannelType    ChannelType `json:"channel_type"`
	Connected      bool        `json:"connected"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	LastInboundAt  *time.Time  `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time  `json:"last_outbound_at,omitempty"`
	Reconnecting   bool        `json:"reconnecting"`
	Attempts       int         `json:"attempts"`
}

// AttachmentType classifies the kind of inbound media.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVoice    AttachmentType = "voice"
	AttachmentDocument AttachmentType = "document"
	AttachmentSticker  AttachmentType = "sticker"
)

// Attachment is a media file that the adapter already downloaded to local storage.
type Attachment struct {
	Type      AttachmentType `json:"type"`
	LocalPath string         `json:"local_path"`
	MimeType  string         `json:"mime_type,omitempty"`
	FileName  string         `json:"file_name,omitempty"`
	FileSize  int64          `json:"file_size,omitempty"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	Duration  int            `json:"duration,omitempty"`
}

// Message is the canonical inbound message handed to the host.
type Message struct {
	Platform       ChannelType  `json:"platform"`
	MessageID      string       `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	SenderName     string       `json:"sender_name,omitempty"`
	Content        string       `json:"content"`
	ChatType       ChatType     `json:"chat_type"`
	Timestamp      int64        `json:"timestamp"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// IsGroup reports whether the message came from a group conversation.
func (m Message) IsGroup() bool {
	return m.ChatType == ChatTypeGroup
}

// Target addresses a conversation for outbound delivery.
// Metadata carries platform-specific addressing (session webhooks, receive id types).
type Target struct {
	Platform       ChannelType       `json:"platform"`
	ConversationID string            `json:"conversation_id"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IsZero reports whether the target carries no conversation address.
func (t Target) IsZero() bool {
	return strings.TrimSpace(t.ConversationID) == ""
}

// Meta returns the trimmed metadata value for key.
func (t Target) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(t.Metadata[key])
}

// MessageKind is the platform-reported kind of an inbound event.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindRich    MessageKind = "rich"
	KindImage   MessageKind = "image"
	KindAudio   MessageKind = "audio"
	KindVoice   MessageKind = "voice"
	KindVideo   MessageKind = "video"
	KindFile    MessageKind = "file"
	KindSticker MessageKind = "sticker"
)

// MediaDescriptor identifies a downloadable media item on the platform.
type MediaDescriptor struct {
	Type     AttachmentType    `json:"type"`
	Key      string            `json:"key"`
	URL      string            `json:"url,omitempty"`
	MimeType string            `json:"mime_type,omitempty"`
	FileName string            `json:"file_name,omitempty"`
	FileSize int64             `json:"file_size,omitempty"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	Duration int               `json:"duration,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// DownloadedMedia is the result of fetching a MediaDescriptor to local storage.
type DownloadedMedia struct {
	LocalPath string
	FileSize  int64
	MimeType  string
}

// RawInboundEvent is the platform envelope an adapter hands to the supervisor.
type RawInboundEvent struct {
	MessageID      string
	ConversationID string
	SenderID       string
	SenderName     string
	ChatType       ChatType
	Kind           MessageKind
	// Content is plain text for KindText and the platform's structured
	// payload (usually JSON) for KindRich.
	Content string
	// Mentioned reports whether the bot was explicitly mentioned. Only
	// consulted for group chats on platforms that require a mention.
	Mentioned bool
	// MentionTokens are literal substrings that address the bot and must be
	// removed from the content.
	MentionTokens []string
	Media         []MediaDescriptor
	Target        Target
	ReceivedAt    time.Time
	// Ack sends the platform-required receipt acknowledgement. It runs after
	// dedup so redelivered events are never acknowledged twice.
	Ack func() error
}

// MarkerType is the media type tag carried by an outbound media marker.
type MarkerType string

const (
	MarkerImage MarkerType = "image"
	MarkerVideo MarkerType = "video"
	MarkerAudio MarkerType = "audio"
	MarkerFile  MarkerType = "file"
)

// MediaMarker is an inline reference to a local file inside reply text.
type MediaMarker struct {
	Type     MarkerType
	Path     string
	Name     string
	Original string
}

// MediaRef is a platform handle for uploaded media.
type MediaRef struct {
	Platform ChannelType `json:"platform"`
	Key      string      `json:"key"`
	Type     MarkerType  `json:"type"`
	Name     string      `json:"name,omitempty"`
	Path     string      `json:"path,omitempty"`
}

// RenderHint selects how an adapter renders outbound text.
type RenderHint string

const (
	RenderPlain    RenderHint = "plain"
	RenderMarkdown RenderHint = "markdown"
)
