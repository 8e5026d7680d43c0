package media

import "errors"

// Error kinds surfaced by the store. Callers match them with errors.Is; the
// wrapped message carries the detail.
var (
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrInvalidContent       = errors.New("invalid content")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrNotFound             = errors.New("not found")
	ErrUploadAborted        = errors.New("upload aborted")
)
