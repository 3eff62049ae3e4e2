package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"
)

const defaultDownloadTimeout = 120 * time.Second

// Normalizer converts raw platform events into canonical messages.
type Normalizer struct {
	Platform   ChannelType
	Config     ChannelConfig
	Downloader MediaDownloader
	Logger     *slog.Logger
	Timeout    time.Duration
}

// Normalize returns the canonical message for ev. The boolean is false when
// the event must be dropped: it came from the bot itself, or it carries
// neither text nor attachments.
func (n Normalizer) Normalize(ctx context.Context, selfID string, ev RawInboundEvent) (Message, bool) {
	if selfID != "" && ev.SenderID == selfID {
		return Message{}, false
	}
	text := StripMentions(n.Platform, ResolveText(ev.Kind, ev.Content), ev.MentionTokens)
	attachments := n.download(ctx, ev)
	if text == "" && len(attachments) == 0 {
		return Message{}, false
	}
	chatType := ev.ChatType
	if chatType == "" {
		chatType = ChatTypeDirect
	}
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	return Message{
		Platform:       n.Platform,
		MessageID:      ev.MessageID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		SenderName:     ev.SenderName,
		Content:        text,
		ChatType:       chatType,
		Timestamp:      received.UnixMilli(),
		Attachments:    attachments,
	}, true
}

// ResolveText maps a message kind and its raw content to display text.
// Media kinds keep a caption when present and otherwise become a placeholder.
func ResolveText(kind MessageKind, content string) string {
	switch kind {
	case "", KindText:
		return strings.TrimSpace(content)
	case KindRich:
		if flat := FlattenRichText(content); flat != "" {
			return flat
		}
		return placeholder(kind)
	default:
		if caption := strings.TrimSpace(content); caption != "" {
			return caption
		}
		return placeholder(kind)
	}
}

func placeholder(kind MessageKind) string {
	return "[" + string(kind) + "]"
}

func (n Normalizer) download(ctx context.Context, ev RawInboundEvent) []Attachment {
	if len(ev.Media) == 0 || n.Downloader == nil {
		return nil
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	attachments := make([]Attachment, 0, len(ev.Media))
	for _, desc := range ev.Media {
		dlCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := n.Downloader.DownloadMedia(dlCtx, n.Config, desc)
		cancel()
		if err != nil {
			if n.Logger != nil {
				n.Logger.Warn("media download failed",
					slog.String("message_id", ev.MessageID),
					slog.String("key", desc.Key),
					slog.Any("error", err),
				)
			}
			continue
		}
		att := Attachment{
			Type:      desc.Type,
			LocalPath: result.LocalPath,
			MimeType:  firstNonEmpty(result.MimeType, desc.MimeType),
			FileName:  desc.FileName,
			FileSize:  result.FileSize,
			Width:     desc.Width,
			Height:    desc.Height,
			Duration:  desc.Duration,
		}
		if att.FileSize == 0 {
			att.FileSize = desc.FileSize
		}
		attachments = append(attachments, att)
	}
	return attachments
}

// FlattenRichText turns structured rich text into plain text. It understands
// JSON documents made of title/text nodes nested in content arrays, where an
// inner array is one paragraph. Non-JSON input is returned trimmed.
func FlattenRichText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return raw
	}
	var b strings.Builder
	flattenNode(doc, &b)
	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var richContainerKeys = []string{"content", "richText", "elements", "children", "post"}

func flattenNode(node any, b *strings.Builder) {
	switch v := node.(type) {
	case string:
		b.WriteString(v)
	case []any:
		for _, item := range v {
			flattenNode(item, b)
			if _, paragraph := item.([]any); paragraph {
				b.WriteString("\n")
			}
		}
	case map[string]any:
		if title, ok := v["title"].(string); ok && strings.TrimSpace(title) != "" {
			b.WriteString(title)
			b.WriteString("\n")
		}
		if text, ok := v["text"].(string); ok {
			b.WriteString(text)
		} else if name, ok := v["user_name"].(string); ok {
			b.WriteString("@" + name)
		}
		for _, key := range richContainerKeys {
			if child, ok := v[key]; ok {
				flattenNode(child, b)
				b.WriteString("\n")
			}
		}
		rest := make([]string, 0)
		for key, child := range v {
			if slices.Contains(richContainerKeys, key) {
				continue
			}
			if _, ok := child.(map[string]any); ok {
				rest = append(rest, key)
			}
		}
		slices.Sort(rest)
		for _, key := range rest {
			flattenNode(v[key], b)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
