package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/imgateway/internal/channel"
)

func (a *Adapter) SendText(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, text string, hint channel.RenderHint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := a.bot(cfg)
	if err != nil {
		return err
	}
	msg, err := newTextMessage(target, sanitizeText(text))
	if err != nil {
		return err
	}
	if hint == channel.RenderMarkdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	_, err = bot.Send(msg)
	if err != nil && msg.ParseMode != "" && isParseError(err) {
		// Model output is not always valid Telegram markdown; resend it verbatim.
		msg.ParseMode = ""
		_, err = bot.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("telegram send text: %w", err)
	}
	return nil
}

func newTextMessage(target channel.Target, text string) (tgbotapi.MessageConfig, error) {
	chatRef := strings.TrimSpace(target.ConversationID)
	if chatRef == "" {
		return tgbotapi.MessageConfig{}, channel.ErrNoConversation
	}
	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(chatRef, "@") {
		msg = tgbotapi.NewMessageToChannel(chatRef, text)
	} else {
		chatID, err := strconv.ParseInt(chatRef, 10, 64)
		if err != nil {
			return tgbotapi.MessageConfig{}, fmt.Errorf("telegram target must be @username or chat_id")
		}
		msg = tgbotapi.NewMessage(chatID, text)
	}
	msg.ReplyToMessageID = replyToID(target)
	return msg, nil
}

// Telegram accepts local files directly in the send call, so UploadMedia
// only validates the path.
func (a *Adapter) UploadMedia(_ context.Context, _ channel.ChannelConfig, localPath string, mediaType channel.MarkerType, name string) (channel.MediaRef, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return channel.MediaRef{}, fmt.Errorf("telegram upload: %w", err)
	}
	if info.IsDir() {
		return channel.MediaRef{}, fmt.Errorf("telegram upload: %s is a directory", localPath)
	}
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(localPath)
	}
	return channel.MediaRef{Platform: Type, Key: localPath, Type: mediaType, Name: name, Path: localPath}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, ref channel.MediaRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := a.bot(cfg)
	if err != nil {
		return err
	}
	f, err := os.Open(ref.Path)
	if err != nil {
		return fmt.Errorf("telegram send media: %w", err)
	}
	defer f.Close()
	chattable, err := newMediaMessage(target, ref, tgbotapi.FileReader{Name: ref.Name, Reader: f})
	if err != nil {
		return err
	}
	if _, err := bot.Send(chattable); err != nil {
		return fmt.Errorf("telegram send media: %w", err)
	}
	return nil
}

func newMediaMessage(target channel.Target, ref channel.MediaRef, file tgbotapi.RequestFileData) (tgbotapi.Chattable, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target.ConversationID), 10, 64)
	if err != nil {
		if strings.TrimSpace(target.ConversationID) == "" {
			return nil, channel.ErrNoConversation
		}
		return nil, fmt.Errorf("telegram media target must be a chat_id")
	}
	switch ref.Type {
	case channel.MarkerImage:
		return tgbotapi.NewPhoto(chatID, file), nil
	case channel.MarkerVideo:
		return tgbotapi.NewVideo(chatID, file), nil
	case channel.MarkerAudio:
		return tgbotapi.NewAudio(chatID, file), nil
	default:
		return tgbotapi.NewDocument(chatID, file), nil
	}
}

func (a *Adapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, desc channel.MediaDescriptor) (channel.DownloadedMedia, error) {
	if a.media == nil {
		return channel.DownloadedMedia{}, channel.ErrMediaUnsupported
	}
	bot, err := a.bot(cfg)
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	url, err := bot.GetFileDirectURL(desc.Key)
	if err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("resolve telegram file url: %w", err)
	}
	return a.media.Fetch(ctx, Type, url, nil)
}

// ProcessingStarted sends a "typing" chat action; Telegram clears it on its own.
func (a *Adapter) ProcessingStarted(_ context.Context, cfg channel.ChannelConfig, target channel.Target) (func(), error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target.ConversationID), 10, 64)
	if err != nil {
		return nil, nil
	}
	bot, err := a.bot(cfg)
	if err != nil {
		return nil, err
	}
	_, err = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return nil, err
}

func replyToID(target channel.Target) int {
	raw := strings.TrimSpace(target.ReplyTo)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func isParseError(err error) bool {
	apiErr, ok := asAPIError(err)
	return ok && apiErr.Code == 400 && strings.Contains(apiErr.Message, "can't parse entities")
}

func asAPIError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

// sanitizeText ensures text is valid UTF-8 for the Bot API.
func sanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}
