package telegram

import (
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/imgateway/internal/channel"
)

// buildEvent converts a Bot API message into a raw inbound event.
func buildEvent(msg *tgbotapi.Message, self tgbotapi.User, now time.Time) (channel.RawInboundEvent, bool) {
	if msg == nil || msg.Chat == nil {
		return channel.RawInboundEvent{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	kind, items := collectMedia(msg)
	if text == "" && len(items) == 0 {
		return channel.RawInboundEvent{}, false
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	chatType := channel.ChatTypeDirect
	if msg.Chat.Type != "private" {
		chatType = channel.ChatTypeGroup
	}
	senderID, senderName := resolveSender(msg)
	received := now
	if msg.Date > 0 {
		received = time.Unix(int64(msg.Date), 0).UTC()
	}
	messageID := strconv.Itoa(msg.MessageID)

	var tokens []string
	if token := mentionToken(text, self.UserName); token != "" {
		tokens = append(tokens, token)
	}
	return channel.RawInboundEvent{
		// message ids are only unique per chat
		MessageID:      chatID + ":" + messageID,
		ConversationID: chatID,
		SenderID:       senderID,
		SenderName:     senderName,
		ChatType:       chatType,
		Kind:           kind,
		Content:        text,
		Mentioned:      isBotMentioned(msg, self),
		MentionTokens:  tokens,
		Media:          items,
		Target: channel.Target{
			Platform:       Type,
			ConversationID: chatID,
			ReplyTo:        messageID,
		},
		ReceivedAt: received,
	}, true
}

func resolveSender(msg *tgbotapi.Message) (string, string) {
	if msg.From != nil {
		name := strings.TrimSpace(msg.From.UserName)
		if name == "" {
			name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
		return strconv.FormatInt(msg.From.ID, 10), name
	}
	if msg.SenderChat != nil {
		name := strings.TrimSpace(msg.SenderChat.Title)
		if name == "" {
			name = strings.TrimSpace(msg.SenderChat.UserName)
		}
		return strconv.FormatInt(msg.SenderChat.ID, 10), name
	}
	return "", ""
}

// mentionToken returns the "@username" substring as written in text, matched case-insensitively.
func mentionToken(text, username string) string {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return ""
	}
	needle := "@" + strings.ToLower(username)
	idx := strings.Index(strings.ToLower(text), needle)
	if idx < 0 {
		return ""
	}
	return text[idx : idx+len(needle)]
}

func isBotMentioned(msg *tgbotapi.Message, self tgbotapi.User) bool {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if mentionToken(text, self.UserName) != "" {
		return true
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && self.ID != 0 && reply.From.ID == self.ID {
		return true
	}
	entities := make([]tgbotapi.MessageEntity, 0, len(msg.Entities)+len(msg.CaptionEntities))
	entities = append(entities, msg.Entities...)
	entities = append(entities, msg.CaptionEntities...)
	for _, entity := range entities {
		if entity.Type == "text_mention" && entity.User != nil && entity.User.ID == self.ID {
			return true
		}
	}
	return false
}

func collectMedia(msg *tgbotapi.Message) (channel.MessageKind, []channel.MediaDescriptor) {
	switch {
	case len(msg.Photo) > 0:
		photo := pickPhoto(msg.Photo)
		return channel.KindImage, []channel.MediaDescriptor{{
			Type: channel.AttachmentImage, Key: photo.FileID, FileSize: int64(photo.FileSize),
			Width: photo.Width, Height: photo.Height,
		}}
	case msg.Voice != nil:
		return channel.KindVoice, []channel.MediaDescriptor{{
			Type: channel.AttachmentVoice, Key: msg.Voice.FileID, MimeType: msg.Voice.MimeType,
			FileSize: int64(msg.Voice.FileSize), Duration: msg.Voice.Duration,
		}}
	case msg.Audio != nil:
		return channel.KindAudio, []channel.MediaDescriptor{{
			Type: channel.AttachmentAudio, Key: msg.Audio.FileID, MimeType: msg.Audio.MimeType,
			FileName: msg.Audio.FileName, FileSize: int64(msg.Audio.FileSize), Duration: msg.Audio.Duration,
		}}
	case msg.Video != nil:
		return channel.KindVideo, []channel.MediaDescriptor{{
			Type: channel.AttachmentVideo, Key: msg.Video.FileID, MimeType: msg.Video.MimeType,
			FileName: msg.Video.FileName, FileSize: int64(msg.Video.FileSize),
			Width: msg.Video.Width, Height: msg.Video.Height, Duration: msg.Video.Duration,
		}}
	case msg.Document != nil:
		return channel.KindFile, []channel.MediaDescriptor{{
			Type: channel.AttachmentDocument, Key: msg.Document.FileID, MimeType: msg.Document.MimeType,
			FileName: msg.Document.FileName, FileSize: int64(msg.Document.FileSize),
		}}
	case msg.Sticker != nil:
		return channel.KindSticker, []channel.MediaDescriptor{{
			Type: channel.AttachmentSticker, Key: msg.Sticker.FileID, FileSize: int64(msg.Sticker.FileSize),
			Width: msg.Sticker.Width, Height: msg.Sticker.Height,
		}}
	}
	return channel.KindText, nil
}

func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}
