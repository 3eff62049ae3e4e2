package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	// DefaultChunkLimit keeps replies under the tightest platform limit (Discord, 2000).
	DefaultChunkLimit = 1900

	defaultSendTimeout   = 20 * time.Second
	defaultUploadTimeout = 120 * time.Second
)

// ChunkText splits text into pieces of at most limit runes. It breaks at a
// newline when possible, then at a space, and only cuts a word when no
// boundary exists inside the window.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if chunk := strings.TrimSpace(strings.Join(buf, "\n")); chunk != "" {
			chunks = append(chunks, chunk)
		}
		buf = buf[:0]
		bufLen = 0
	}
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		flush()
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	flush()
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

// splitLongLine breaks a single line at the last space inside each window,
// falling back to a hard cut.
func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0, len(runes)/limit+1)
	for len(runes) > 0 {
		if len(runes) <= limit {
			if segment := strings.TrimSpace(string(runes)); segment != "" {
				chunks = append(chunks, segment)
			}
			break
		}
		cut := limit
		for i := limit; i > 0; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		if segment := strings.TrimSpace(string(runes[:cut])); segment != "" {
			chunks = append(chunks, segment)
		}
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == ' ' {
			runes = runes[1:]
		}
	}
	return chunks
}

// delivery sends one reply through a transport under a fixed config.
type delivery struct {
	transport     Transport
	cfg           ChannelConfig
	policy        Policy
	logger        *slog.Logger
	sendTimeout   time.Duration
	uploadTimeout time.Duration
	onSent        func()
	onMedia       func(ok bool)
}

// sendReply delivers text and any media markers it carries. Marker failures
// are logged and skipped; the text is always attempted and its error returned.
func (d delivery) sendReply(ctx context.Context, target Target, text string) error {
	markers := ParseMediaMarkers(text)
	if len(markers) == 0 {
		return d.sendText(ctx, target, text)
	}
	for _, marker := range markers {
		if err := d.sendMarker(ctx, target, marker); err != nil {
			d.logger.Warn("media marker skipped",
				slog.String("path", marker.Path),
				slog.Any("error", err),
			)
			if d.onMedia != nil {
				d.onMedia(false)
			}
			continue
		}
		if d.onMedia != nil {
			d.onMedia(true)
		}
	}
	body := text
	if d.policy.Markers == MarkersStrip {
		body = tidyText(StripMediaMarkers(text, markers))
	}
	return d.sendText(ctx, target, body)
}

func (d delivery) sendMarker(ctx context.Context, target Target, marker MediaMarker) error {
	uploader, ok := d.transport.(MediaUploader)
	if !ok {
		return ErrMediaUnsupported
	}
	path, err := ResolveLocalPath(marker.Path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("media path is a directory: %s", path)
	}
	mediaType := marker.Type
	if mediaType == "" {
		mediaType = ClassifyMedia(path)
	}
	name := strings.TrimSpace(marker.Name)
	if name == "" {
		name = info.Name()
	}

	uploadCtx, cancel := context.WithTimeout(ctx, d.uploadTimeout)
	ref, err := uploader.UploadMedia(uploadCtx, d.cfg, path, mediaType, name)
	cancel()
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	if ref.Type == "" {
		ref.Type = mediaType
	}
	if ref.Name == "" {
		ref.Name = name
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := uploader.SendMedia(sendCtx, d.cfg, target, ref); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	if d.onSent != nil {
		d.onSent()
	}
	return nil
}

func (d delivery) sendText(ctx context.Context, target Target, text string) error {
	chunks := ChunkText(text, d.policy.TextChunkLimit)
	if len(chunks) == 0 {
		return nil
	}
	hint := DetectRenderHint(text)
	var errs []error
	for idx, chunk := range chunks {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := d.transport.SendText(sendCtx, d.cfg, target, chunk, hint)
		cancel()
		if err != nil {
			d.logger.Error("send text failed",
				slog.Int("chunk", idx),
				slog.Int("chunks", len(chunks)),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("chunk %d: %w", idx, err))
			continue
		}
		if d.onSent != nil {
			d.onSent()
		}
	}
	return errors.Join(errs...)
}
