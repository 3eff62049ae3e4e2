package channel

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ResolveLocalPath expands "~/" and strips a "file://" scheme.
func ResolveLocalPath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if strings.HasPrefix(p, "file://") {
		u, err := url.Parse(p)
		if err != nil {
			return "", fmt.Errorf("parse file uri: %w", err)
		}
		p = u.Path
		if p == "" {
			p = u.Opaque
		}
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	return filepath.Clean(p), nil
}

var extensionTypes = map[string]MarkerType{
	".png": MarkerImage, ".jpg": MarkerImage, ".jpeg": MarkerImage, ".gif": MarkerImage,
	".webp": MarkerImage, ".bmp": MarkerImage, ".svg": MarkerImage, ".heic": MarkerImage,
	".mp4": MarkerVideo, ".mov": MarkerVideo, ".avi": MarkerVideo, ".mkv": MarkerVideo,
	".webm": MarkerVideo, ".m4v": MarkerVideo,
	".mp3": MarkerAudio, ".wav": MarkerAudio, ".ogg": MarkerAudio, ".m4a": MarkerAudio,
	".aac": MarkerAudio, ".flac": MarkerAudio, ".opus": MarkerAudio, ".amr": MarkerAudio,
}

// ClassifyMedia infers the marker type of a local file from its extension,
// falling back to content sniffing. Unknown content is a file.
func ClassifyMedia(path string) MarkerType {
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return MarkerFile
	}
	return markerTypeForMime(mt.String())
}

// DetectMime returns the sniffed MIME type of a local file.
func DetectMime(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func markerTypeForMime(mime string) MarkerType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MarkerImage
	case strings.HasPrefix(mime, "video/"):
		return MarkerVideo
	case strings.HasPrefix(mime, "audio/"):
		return MarkerAudio
	}
	return MarkerFile
}

// AttachmentTypeForMime maps a MIME type to an inbound attachment type.
func AttachmentTypeForMime(mime string) AttachmentType {
	switch markerTypeForMime(strings.ToLower(strings.TrimSpace(mime))) {
	case MarkerImage:
		return AttachmentImage
	case MarkerVideo:
		return AttachmentVideo
	case MarkerAudio:
		return AttachmentAudio
	}
	return AttachmentDocument
}

// DetectRenderHint picks markdown rendering when text contains markdown
// control characters or line breaks.
func DetectRenderHint(text string) RenderHint {
	if strings.ContainsAny(text, "\n*_`#>[]|~") {
		return RenderMarkdown
	}
	return RenderPlain
}
