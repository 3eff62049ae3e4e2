package feishu

import (
	"cmp"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/relaydesk/imgateway/internal/channel"
)

const msgTypeSticker = "sticker"

// buildEvent converts a message receive event into a raw inbound event.
// Mention placeholders (@_user_N) for other users are replaced by their
// display names; the bot's own placeholder is left for the mention stripper.
func buildEvent(event *larkim.P2MessageReceiveV1, botOpenID string, now time.Time) (channel.RawInboundEvent, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.RawInboundEvent{}, false
	}
	message := event.Event.Message
	messageID := deref(message.MessageId)
	chatID := deref(message.ChatId)
	if messageID == "" || chatID == "" {
		return channel.RawInboundEvent{}, false
	}

	var contentMap map[string]any
	if raw := deref(message.Content); raw != "" {
		_ = json.Unmarshal([]byte(raw), &contentMap)
	}

	mentioned, tokens, names := resolveMentions(message.Mentions, botOpenID)
	kind := channel.KindText
	content := ""
	var items []channel.MediaDescriptor
	switch deref(message.MessageType) {
	case larkim.MsgTypeText:
		text, _ := contentMap["text"].(string)
		content = replaceMentionKeys(text, names)
	case larkim.MsgTypePost:
		kind = channel.KindRich
		content = deref(message.Content)
		items = postMedia(contentMap, messageID)
	case larkim.MsgTypeImage:
		kind = channel.KindImage
		if key, _ := contentMap["image_key"].(string); key != "" {
			items = append(items, descriptor(channel.AttachmentImage, key, messageID, "image", contentMap))
		}
	case larkim.MsgTypeFile:
		kind = channel.KindFile
		if key, _ := contentMap["file_key"].(string); key != "" {
			items = append(items, descriptor(channel.AttachmentDocument, key, messageID, "file", contentMap))
		}
	case larkim.MsgTypeAudio:
		kind = channel.KindVoice
		if key, _ := contentMap["file_key"].(string); key != "" {
			items = append(items, descriptor(channel.AttachmentVoice, key, messageID, "file", contentMap))
		}
	case larkim.MsgTypeMedia:
		kind = channel.KindVideo
		if key, _ := contentMap["file_key"].(string); key != "" {
			items = append(items, descriptor(channel.AttachmentVideo, key, messageID, "file", contentMap))
		}
	case msgTypeSticker:
		// Sticker resources cannot be downloaded through the open API.
		kind = channel.KindSticker
	default:
		return channel.RawInboundEvent{}, false
	}
	if strings.TrimSpace(content) == "" && len(items) == 0 && kind != channel.KindSticker {
		return channel.RawInboundEvent{}, false
	}

	chatType := channel.ChatTypeGroup
	if deref(message.ChatType) == "p2p" {
		chatType = channel.ChatTypeDirect
	}
	received := now
	if ms, err := strconv.ParseInt(deref(message.CreateTime), 10, 64); err == nil && ms > 0 {
		received = time.UnixMilli(ms).UTC()
	}
	return channel.RawInboundEvent{
		MessageID:      messageID,
		ConversationID: chatID,
		SenderID:       senderID(event.Event.Sender),
		ChatType:       chatType,
		Kind:           kind,
		Content:        content,
		Mentioned:      mentioned,
		MentionTokens:  tokens,
		Media:          items,
		Target: channel.Target{
			Platform:       Type,
			ConversationID: larkReceiveChatID + ":" + chatID,
			ReplyTo:        messageID,
		},
		ReceivedAt: received,
	}, true
}

// resolveMentions reports whether the bot was mentioned, the literal tokens
// that address it, and display names for every other mention key. When the
// bot's open_id is unknown any mention counts.
func resolveMentions(mentions []*larkim.MentionEvent, botOpenID string) (bool, []string, map[string]string) {
	names := make(map[string]string)
	var tokens []string
	mentioned := false
	for _, m := range mentions {
		if m == nil {
			continue
		}
		key := deref(m.Key)
		name := deref(m.Name)
		openID := ""
		if m.Id != nil {
			openID = deref(m.Id.OpenId)
		}
		if botOpenID == "" || (openID != "" && openID == botOpenID) {
			mentioned = true
			if botOpenID != "" {
				if key != "" {
					tokens = append(tokens, key)
				}
				if name != "" {
					tokens = append(tokens, "@"+name)
				}
				continue
			}
		}
		if key != "" && name != "" {
			names[key] = "@" + name
		}
	}
	return mentioned, tokens, names
}

// replaceMentionKeys substitutes longer keys first so @_user_1 never
// clobbers the prefix of @_user_10.
func replaceMentionKeys(text string, names map[string]string) string {
	keys := make([]string, 0, len(names))
	for key := range names {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})
	for _, key := range keys {
		text = strings.ReplaceAll(text, key, names[key])
	}
	return text
}

// postMedia collects images and videos embedded in post paragraphs.
func postMedia(contentMap map[string]any, messageID string) []channel.MediaDescriptor {
	lines, _ := contentMap["content"].([]any)
	var items []channel.MediaDescriptor
	for _, line := range lines {
		elements, _ := line.([]any)
		for _, element := range elements {
			node, _ := element.(map[string]any)
			switch tag, _ := node["tag"].(string); tag {
			case "img":
				if key, _ := node["image_key"].(string); key != "" {
					items = append(items, descriptor(channel.AttachmentImage, key, messageID, "image", node))
				}
			case "media":
				if key, _ := node["file_key"].(string); key != "" {
					items = append(items, descriptor(channel.AttachmentVideo, key, messageID, "file", node))
				}
			}
		}
	}
	return items
}

func descriptor(typ channel.AttachmentType, key, messageID, resourceType string, fields map[string]any) channel.MediaDescriptor {
	desc := channel.MediaDescriptor{
		Type: typ,
		Key:  key,
		Extra: map[string]string{
			"message_id":    messageID,
			"resource_type": resourceType,
		},
	}
	desc.FileName, _ = fields["file_name"].(string)
	// Feishu reports audio and video duration in milliseconds.
	if ms, ok := fields["duration"].(float64); ok && ms > 0 {
		desc.Duration = int(ms / 1000)
	}
	return desc
}

func senderID(sender *larkim.EventSender) string {
	if sender == nil || sender.SenderId == nil {
		return ""
	}
	if id := deref(sender.SenderId.OpenId); id != "" {
		return id
	}
	return deref(sender.SenderId.UserId)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
