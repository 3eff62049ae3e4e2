package discord

import (
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/relaydesk/imgateway/internal/channel"
)

// buildEvent converts a gateway message into a raw inbound event.
func buildEvent(msg *discordgo.Message, botID string, now time.Time) (channel.RawInboundEvent, bool) {
	if msg == nil || msg.Author == nil {
		return channel.RawInboundEvent{}, false
	}
	text := strings.TrimSpace(msg.Content)
	media := collectMedia(msg)
	if text == "" && len(media) == 0 {
		return channel.RawInboundEvent{}, false
	}

	chatType := channel.ChatTypeDirect
	if msg.GuildID != "" {
		chatType = channel.ChatTypeGroup
	}
	kind := channel.KindText
	if text == "" {
		kind = kindFor(media[0].Type)
	}
	received := now
	if !msg.Timestamp.IsZero() {
		received = msg.Timestamp.UTC()
	}
	senderName := msg.Author.GlobalName
	if senderName == "" {
		senderName = msg.Author.Username
	}
	metadata := map[string]string{}
	if msg.GuildID != "" {
		metadata["guild_id"] = msg.GuildID
	}

	return channel.RawInboundEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ChannelID,
		SenderID:       msg.Author.ID,
		SenderName:     senderName,
		ChatType:       chatType,
		Kind:           kind,
		Content:        text,
		Mentioned:      isBotMentioned(msg, botID),
		Media:          media,
		Target: channel.Target{
			Platform:       Type,
			ConversationID: msg.ChannelID,
			ReplyTo:        msg.ID,
			Metadata:       metadata,
		},
		ReceivedAt: received,
	}, true
}

func collectMedia(msg *discordgo.Message) []channel.MediaDescriptor {
	if len(msg.Attachments) == 0 {
		return nil
	}
	items := make([]channel.MediaDescriptor, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		desc := channel.MediaDescriptor{
			Type:     channel.AttachmentDocument,
			Key:      att.ID,
			URL:      att.URL,
			MimeType: att.ContentType,
			FileName: att.Filename,
			FileSize: int64(att.Size),
		}
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			desc.Type = channel.AttachmentImage
			desc.Width = att.Width
			desc.Height = att.Height
		case strings.HasPrefix(att.ContentType, "video/"):
			desc.Type = channel.AttachmentVideo
		case strings.HasPrefix(att.ContentType, "audio/"):
			desc.Type = channel.AttachmentAudio
		}
		items = append(items, desc)
	}
	return items
}

func kindFor(t channel.AttachmentType) channel.MessageKind {
	switch t {
	case channel.AttachmentImage:
		return channel.KindImage
	case channel.AttachmentVideo:
		return channel.KindVideo
	case channel.AttachmentAudio:
		return channel.KindAudio
	default:
		return channel.KindFile
	}
}

// isBotMentioned treats explicit mentions, @everyone and replies to the bot as addressing it.
func isBotMentioned(msg *discordgo.Message, botID string) bool {
	if botID == "" {
		return false
	}
	for _, mention := range msg.Mentions {
		if mention != nil && mention.ID == botID {
			return true
		}
	}
	if msg.MentionEveryone {
		return true
	}
	if ref := msg.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == botID {
		return true
	}
	return channel.ContainsMention(msg.Content, botID)
}
