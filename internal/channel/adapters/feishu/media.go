package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/relaydesk/imgateway/internal/channel"
)

// UploadMedia uploads the file to Feishu and returns its image_key or file_key.
// Only images are sent natively; every other type goes out as a file message.
func (a *Adapter) UploadMedia(ctx context.Context, cfg channel.ChannelConfig, localPath string, mediaType channel.MarkerType, name string) (channel.MediaRef, error) {
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return channel.MediaRef{}, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return channel.MediaRef{}, fmt.Errorf("feishu upload: %w", err)
	}
	defer f.Close()
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(localPath)
	}
	client := a.client(feishuCfg)

	ref := channel.MediaRef{Platform: Type, Type: mediaType, Name: name, Path: localPath}
	if mediaType == channel.MarkerImage {
		req := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(larkim.ImageTypeMessage).
				Image(f).
				Build()).
			Build()
		resp, err := client.Im.V1.Image.Create(ctx, req)
		if err != nil {
			return channel.MediaRef{}, fmt.Errorf("feishu upload image: %w", err)
		}
		if !resp.Success() || resp.Data == nil || resp.Data.ImageKey == nil {
			return channel.MediaRef{}, fmt.Errorf("feishu upload image: %s (code: %d)", resp.Msg, resp.Code)
		}
		ref.Key = *resp.Data.ImageKey
		return ref, nil
	}

	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(resolveFileType(name, channel.DetectMime(localPath))).
			FileName(name).
			File(f).
			Build()).
		Build()
	resp, err := client.Im.V1.File.Create(ctx, req)
	if err != nil {
		return channel.MediaRef{}, fmt.Errorf("feishu upload file: %w", err)
	}
	if !resp.Success() || resp.Data == nil || resp.Data.FileKey == nil {
		return channel.MediaRef{}, fmt.Errorf("feishu upload file: %s (code: %d)", resp.Msg, resp.Code)
	}
	ref.Key = *resp.Data.FileKey
	return ref, nil
}

func (a *Adapter) SendMedia(ctx context.Context, cfg channel.ChannelConfig, target channel.Target, ref channel.MediaRef) error {
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return err
	}
	msgType := larkim.MsgTypeFile
	payload := map[string]string{"file_key": ref.Key}
	if ref.Type == channel.MarkerImage {
		msgType = larkim.MsgTypeImage
		payload = map[string]string{"image_key": ref.Key}
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("feishu marshal content: %w", err)
	}
	return a.deliver(ctx, a.client(feishuCfg), target, msgType, string(content))
}

// DownloadMedia fetches a message resource. Feishu addresses resources by
// the message that carried them, so the descriptor must hold its message_id.
func (a *Adapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, desc channel.MediaDescriptor) (channel.DownloadedMedia, error) {
	if a.media == nil {
		return channel.DownloadedMedia{}, channel.ErrMediaUnsupported
	}
	feishuCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	messageID := desc.Extra["message_id"]
	if messageID == "" {
		return channel.DownloadedMedia{}, fmt.Errorf("feishu resource %s has no message_id", desc.Key)
	}
	resourceType := desc.Extra["resource_type"]
	if resourceType == "" {
		resourceType = "file"
	}
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(desc.Key).
		Type(resourceType).
		Build()
	resp, err := a.client(feishuCfg).Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("download feishu resource: %w", err)
	}
	if !resp.Success() {
		return channel.DownloadedMedia{}, fmt.Errorf("download feishu resource: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.File == nil {
		return channel.DownloadedMedia{}, fmt.Errorf("download feishu resource: empty payload")
	}
	return a.media.Save(ctx, Type, resp.File, desc.MimeType)
}

// resolveFileType maps MIME type and filename to a Feishu file type.
func resolveFileType(name, mime string) string {
	lower := strings.ToLower(mime)
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
	switch {
	case ext == ".opus" || strings.Contains(lower, "opus"):
		return larkim.FileTypeOpus
	case strings.Contains(lower, "mp4") || ext == ".mp4":
		return larkim.FileTypeMp4
	case strings.Contains(lower, "pdf"):
		return larkim.FileTypePdf
	case strings.Contains(lower, "msword") || strings.Contains(lower, "wordprocessing") || ext == ".doc" || ext == ".docx":
		return larkim.FileTypeDoc
	case strings.Contains(lower, "excel") || strings.Contains(lower, "spreadsheet") || ext == ".xls" || ext == ".xlsx":
		return larkim.FileTypeXls
	case strings.Contains(lower, "powerpoint") || strings.Contains(lower, "presentation") || ext == ".ppt" || ext == ".pptx":
		return larkim.FileTypePpt
	default:
		return larkim.FileTypeStream
	}
}
