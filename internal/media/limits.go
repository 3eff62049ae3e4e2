package media

import (
	"fmt"
	"io"
)

// MaxAssetBytes caps a single stored attachment when no limit is configured.
const MaxAssetBytes int64 = 100 << 20

// ReadAllWithLimit buffers a platform API body, failing with ErrAssetTooLarge
// once it grows past maxBytes.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be positive, got %d", maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}
