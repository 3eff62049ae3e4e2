package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relaydesk/imgateway/internal/channel"
)

// webhookExpiryMargin treats a session webhook as expired slightly early so a
// reply never races its expiry.
const webhookExpiryMargin = 30 * time.Second

const maxMarkdownTitleRunes = 20

// outboundMessage carries one message in both the session webhook shape and
// the robot API msgKey/msgParam shape.
type outboundMessage struct {
	webhook  map[string]any
	msgKey   string
	msgParam map[string]string
}

func textMessage(text string, hint channel.RenderHint) outboundMessage {
	if hint == channel.RenderMarkdown {
		title := markdownTitle(text)
		return outboundMessage{
			webhook: map[string]any{
				"msgtype":  "markdown",
				"markdown": map[string]string{"title": title, "text": text},
			},
			msgKey:   "sampleMarkdown",
			msgParam: map[string]string{"title": title, "text": text},
		}
	}
	return outboundMessage{
		webhook: map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		},
		msgKey:   "sampleText",
		msgParam: map[string]string{"content": text},
	}
}

// markdownTitle is the notification preview DingTalk shows for markdown messages.
func markdownTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(strings.TrimLeft(line, "#>*-` "))
	if line == "" {
		return "Reply"
	}
	if utf8.RuneCountInString(line) > maxMarkdownTitleRunes {
		line = string([]rune(line)[:maxMarkdownTitleRunes])
	}
	return line
}

func (a *Adapter) SendText(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, text string, hint channel.RenderHint) error {
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("dingtalk send: message is required")
	}
	return a.deliver(ctx, dtCfg, target, textMessage(text, hint), true)
}

// deliver posts through the conversation's session webhook while it is
// valid and otherwise through the robot API.
func (a *Adapter) deliver(ctx context.Context, cfg Config, target channel.Target, msg outboundMessage, viaWebhook bool) error {
	if target.IsZero() {
		return channel.ErrNoConversation
	}
	if webhook := target.Meta(metaSessionWebhook); viaWebhook && webhook != "" && !a.webhookExpired(target) {
		err := a.postWebhook(ctx, webhook, msg.webhook)
		if err == nil || !isAPIError(err) {
			return err
		}
		a.logger.Debug("session webhook rejected, using robot api", slog.Any("error", err))
	}
	return a.sendRobotMessage(ctx, cfg, target, msg)
}

func (a *Adapter) webhookExpired(target channel.Target) bool {
	raw := target.Meta(metaWebhookExpiresAt)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return false
	}
	return a.now().Add(webhookExpiryMargin).After(time.UnixMilli(ms))
}

func (a *Adapter) postWebhook(ctx context.Context, webhook string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := doJSON(a.client, req, nil); err != nil {
		return fmt.Errorf("dingtalk webhook send: %w", err)
	}
	return nil
}

// sendRobotMessage sends proactively: group conversations by open
// conversation id, one-to-one conversations to the sender's staff id.
func (a *Adapter) sendRobotMessage(ctx context.Context, cfg Config, target channel.Target, msg outboundMessage) error {
	token, err := a.accessToken(cfg)
	if err != nil {
		return err
	}
	param, err := json.Marshal(msg.msgParam)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"robotCode": cfg.RobotCode,
		"msgKey":    msg.msgKey,
		"msgParam":  string(param),
	}
	path := "/v1.0/robot/groupMessages/send"
	if target.Meta(metaConversationType) == conversationSingle {
		staffID := target.Meta(metaStaffID)
		if staffID == "" {
			return fmt.Errorf("dingtalk send: one-to-one conversation %s has no staff id", target.ConversationID)
		}
		path = "/v1.0/robot/oToMessages/batchSend"
		payload["userIds"] = []string{staffID}
	} else {
		payload["openConversationId"] = target.ConversationID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.APIBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)
	if err := doJSON(a.client, req, nil); err != nil {
		return fmt.Errorf("dingtalk robot send: %w", err)
	}
	return nil
}

// UploadMedia uploads the file to the media store and returns its media id.
// Images are sent natively; other types go out as file messages.
func (a *Adapter) UploadMedia(ctx context.Context, cfg channel.ChannelConfig, localPath string, mediaType channel.MarkerType, name string) (channel.MediaRef, error) {
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return channel.MediaRef{}, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return channel.MediaRef{}, fmt.Errorf("dingtalk upload: %w", err)
	}
	defer f.Close()
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(localPath)
	}
	uploadType := "file"
	if mediaType == channel.MarkerImage {
		uploadType = "image"
	}
	token, err := a.accessToken(dtCfg)
	if err != nil {
		return channel.MediaRef{}, err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("media", filepath.Base(localPath))
	if err != nil {
		return channel.MediaRef{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return channel.MediaRef{}, fmt.Errorf("dingtalk upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return channel.MediaRef{}, err
	}
	query := url.Values{"access_token": {token}, "type": {uploadType}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dtCfg.OAPIBase+"/media/upload?"+query.Encode(), &body)
	if err != nil {
		return channel.MediaRef{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	var out struct {
		MediaID string `json:"media_id"`
	}
	if err := doJSON(a.client, req, &out); err != nil {
		return channel.MediaRef{}, fmt.Errorf("dingtalk upload: %w", err)
	}
	if out.MediaID == "" {
		return channel.MediaRef{}, fmt.Errorf("dingtalk upload: empty media id")
	}
	return channel.MediaRef{Platform: Type, Key: out.MediaID, Type: mediaType, Name: name, Path: localPath}, nil
}

// SendMedia always uses the robot API; session webhooks cannot carry media ids.
func (a *Adapter) SendMedia(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, ref channel.MediaRef) error {
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return err
	}
	msg := outboundMessage{msgKey: "sampleImageMsg", msgParam: map[string]string{"photoURL": ref.Key}}
	if ref.Type != channel.MarkerImage {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(ref.Name)), ".")
		if ext == "" {
			ext = "file"
		}
		msg = outboundMessage{msgKey: "sampleFile", msgParam: map[string]string{
			"mediaId":  ref.Key,
			"fileName": ref.Name,
			"fileType": ext,
		}}
	}
	return a.deliver(ctx, dtCfg, target, msg, false)
}

// DownloadMedia exchanges a message download code for a temporary URL and
// fetches it into the media store.
func (a *Adapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, desc channel.MediaDescriptor) (channel.DownloadedMedia, error) {
	if a.media == nil {
		return channel.DownloadedMedia{}, channel.ErrMediaUnsupported
	}
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	token, err := a.accessToken(dtCfg)
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	body, err := json.Marshal(map[string]string{"downloadCode": desc.Key, "robotCode": dtCfg.RobotCode})
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dtCfg.APIBase+"/v1.0/robot/messageFiles/download", bytes.NewReader(body))
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)
	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := doJSON(a.client, req, &out); err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("resolve dingtalk download url: %w", err)
	}
	if out.DownloadURL == "" {
		return channel.DownloadedMedia{}, fmt.Errorf("resolve dingtalk download url: empty url")
	}
	return a.media.Fetch(ctx, Type, out.DownloadURL, nil)
}
