package media

import "errors"

var (
	// ErrAssetTooLarge is returned when a download or API body passes the size cap.
	ErrAssetTooLarge = errors.New("media too large")
	// ErrPathTraversal rejects storage keys that escape the data dir.
	ErrPathTraversal = errors.New("storage key escapes data dir")
	ErrEmptyPayload  = errors.New("media payload is empty")
)
