// Package media stores inbound platform attachments on local disk so the
// host can hand them to the task backend by path.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/relaydesk/imgateway/internal/channel"
)

const defaultFetchTimeout = 2 * time.Minute

// Store writes downloaded media under root, keyed by content hash.
// Layout: <root>/<platform>/<hash[:4]>/<hash><ext>.
type Store struct {
	root     string
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// NewStore creates a store rooted at dir. maxBytes <= 0 uses MaxAssetBytes.
func NewStore(log *slog.Logger, dir string, maxBytes int64) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("media data dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = MaxAssetBytes
	}
	return &Store{
		root:     abs,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: defaultFetchTimeout},
		logger:   log.With(slog.String("service", "media")),
	}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// Save spools reader to disk and returns the stored file. mime may be empty;
// it is then sniffed from the content.
func (s *Store) Save(ctx context.Context, platform channel.ChannelType, reader io.Reader, mime string) (channel.DownloadedMedia, error) {
	if reader == nil {
		return channel.DownloadedMedia{}, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return channel.DownloadedMedia{}, err
	}
	hash, size, tempPath, err := s.spool(reader)
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	defer func() {
		_ = os.Remove(tempPath)
	}()

	detected, err := mimetype.DetectFile(tempPath)
	if err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("detect mime: %w", err)
	}
	mime = strings.TrimSpace(mime)
	if mime == "" || mime == "application/octet-stream" {
		mime = detected.String()
	}
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}

	dest, err := s.hostPath(filepath.Join(string(platform), hash[:4], hash+extensionFor(detected)))
	if err != nil {
		return channel.DownloadedMedia{}, err
	}
	result := channel.DownloadedMedia{LocalPath: dest, FileSize: size, MimeType: mime}
	if _, err := os.Stat(dest); err == nil {
		return result, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("store media: %w", err)
	}
	return result, nil
}

// Fetch downloads url with the given headers and saves the body.
func (s *Store) Fetch(ctx context.Context, platform channel.ChannelType, url string, header http.Header) (channel.DownloadedMedia, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return channel.DownloadedMedia{}, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return channel.DownloadedMedia{}, fmt.Errorf("download media: unexpected status %s", resp.Status)
	}
	if resp.ContentLength > s.maxBytes {
		return channel.DownloadedMedia{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, s.maxBytes)
	}
	return s.Save(ctx, platform, resp.Body, resp.Header.Get("Content-Type"))
}

func (s *Store) spool(reader io.Reader) (string, int64, string, error) {
	tempPath := filepath.Join(s.root, ".tmp", uuid.NewString()+".part")
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp file: %w", err)
	}
	keepFile := false
	defer func() {
		_ = tempFile.Close()
		if !keepFile {
			_ = os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	limited := &io.LimitedReader{R: reader, N: s.maxBytes + 1}
	written, err := io.Copy(io.MultiWriter(tempFile, hasher), limited)
	if err != nil {
		return "", 0, "", fmt.Errorf("copy to temp file: %w", err)
	}
	if written > s.maxBytes {
		return "", 0, "", fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, s.maxBytes)
	}
	if written == 0 {
		return "", 0, "", ErrEmptyPayload
	}
	keepFile = true
	return hex.EncodeToString(hasher.Sum(nil)), written, tempPath, nil
}

// hostPath converts a storage key into a path under root.
func (s *Store) hostPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	joined := filepath.Join(s.root, clean)
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, key)
	}
	return joined, nil
}

func extensionFor(m *mimetype.MIME) string {
	if m == nil || m.Extension() == "" {
		return ".bin"
	}
	return m.Extension()
}
