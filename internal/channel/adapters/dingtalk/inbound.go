package dingtalk

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk/imgateway/internal/channel"
)

const (
	conversationSingle = "1"
	conversationGroup  = "2"

	metaSessionWebhook   = "session_webhook"
	metaWebhookExpiresAt = "session_webhook_expires_at"
	metaConversationType = "conversation_type"
	metaStaffID          = "staff_id"
)

// botMessage is the payload of a bot message callback.
type botMessage struct {
	ConversationID            string          `json:"conversationId"`
	ConversationType          string          `json:"conversationType"`
	ConversationTitle         string          `json:"conversationTitle"`
	MsgID                     string          `json:"msgId"`
	MsgType                   string          `json:"msgtype"`
	CreateAt                  int64           `json:"createAt"`
	SenderID                  string          `json:"senderId"`
	SenderNick                string          `json:"senderNick"`
	SenderStaffID             string          `json:"senderStaffId"`
	ChatbotUserID             string          `json:"chatbotUserId"`
	RobotCode                 string          `json:"robotCode"`
	IsInAtList                bool            `json:"isInAtList"`
	SessionWebhook            string          `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64           `json:"sessionWebhookExpiredTime"`
	Text                      *botText        `json:"text,omitempty"`
	Content                   json.RawMessage `json:"content,omitempty"`
}

type botText struct {
	Content string `json:"content"`
}

// botContent covers the content object of picture, audio, video, file and
// rich text messages.
type botContent struct {
	DownloadCode        string           `json:"downloadCode"`
	PictureDownloadCode string           `json:"pictureDownloadCode"`
	FileName            string           `json:"fileName"`
	Duration            json.Number      `json:"duration"`
	Recognition         string           `json:"recognition"`
	RichText            []map[string]any `json:"richText"`
}

func buildEvent(msg botMessage, now time.Time) (channel.RawInboundEvent, bool) {
	if msg.MsgID == "" || msg.ConversationID == "" {
		return channel.RawInboundEvent{}, false
	}
	var content botContent
	if len(msg.Content) > 0 {
		_ = json.Unmarshal(msg.Content, &content)
	}

	kind := channel.KindText
	text := ""
	var items []channel.MediaDescriptor
	switch msg.MsgType {
	case "text":
		if msg.Text != nil {
			text = strings.TrimSpace(msg.Text.Content)
		}
	case "richText":
		kind = channel.KindRich
		text = string(msg.Content)
		for _, node := range content.RichText {
			if code, _ := node["downloadCode"].(string); code != "" {
				items = append(items, channel.MediaDescriptor{Type: channel.AttachmentImage, Key: code})
			}
		}
	case "picture":
		kind = channel.KindImage
		if code := firstNonEmpty(content.DownloadCode, content.PictureDownloadCode); code != "" {
			items = append(items, channel.MediaDescriptor{Type: channel.AttachmentImage, Key: code})
		}
	case "audio":
		kind = channel.KindVoice
		// Speech recognition output serves as the caption.
		text = strings.TrimSpace(content.Recognition)
		if content.DownloadCode != "" {
			items = append(items, channel.MediaDescriptor{
				Type: channel.AttachmentVoice, Key: content.DownloadCode, Duration: durationSeconds(content.Duration, true),
			})
		}
	case "video":
		kind = channel.KindVideo
		if content.DownloadCode != "" {
			items = append(items, channel.MediaDescriptor{
				Type: channel.AttachmentVideo, Key: content.DownloadCode, Duration: durationSeconds(content.Duration, false),
			})
		}
	case "file":
		kind = channel.KindFile
		if content.DownloadCode != "" {
			items = append(items, channel.MediaDescriptor{
				Type: channel.AttachmentDocument, Key: content.DownloadCode, FileName: content.FileName,
			})
		}
	default:
		return channel.RawInboundEvent{}, false
	}
	if strings.TrimSpace(text) == "" && len(items) == 0 {
		return channel.RawInboundEvent{}, false
	}

	chatType := channel.ChatTypeDirect
	if msg.ConversationType == conversationGroup {
		chatType = channel.ChatTypeGroup
	}
	received := now
	if msg.CreateAt > 0 {
		received = time.UnixMilli(msg.CreateAt).UTC()
	}
	metadata := map[string]string{metaConversationType: msg.ConversationType}
	if msg.SessionWebhook != "" {
		metadata[metaSessionWebhook] = msg.SessionWebhook
		metadata[metaWebhookExpiresAt] = strconv.FormatInt(msg.SessionWebhookExpiredTime, 10)
	}
	if msg.SenderStaffID != "" {
		metadata[metaStaffID] = msg.SenderStaffID
	}
	return channel.RawInboundEvent{
		MessageID:      msg.MsgID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderNick,
		ChatType:       chatType,
		Kind:           kind,
		Content:        text,
		// Group bots only receive messages that @ them, and the platform
		// removes the bot's own @ token from the text.
		Mentioned: msg.IsInAtList || chatType == channel.ChatTypeDirect,
		Media:     items,
		Target: channel.Target{
			Platform:       Type,
			ConversationID: msg.ConversationID,
			ReplyTo:        msg.MsgID,
			Metadata:       metadata,
		},
		ReceivedAt: received,
	}, true
}

// durationSeconds converts a media duration to seconds. Audio durations
// arrive in milliseconds, video durations in seconds.
func durationSeconds(raw json.Number, millis bool) int {
	value, err := raw.Int64()
	if err != nil || value <= 0 {
		return 0
	}
	if millis {
		return int(value / 1000)
	}
	return int(value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
