package errors

import "errors"

// Orchestration errors.
var (
	ErrUploadInFlight = errors.New("another upload is already in flight")
	ErrItemNotFound   = errors.New("file item not found")
	ErrNotRetryable   = errors.New("item is not in a failed or canceled state")
)

// Bundling errors.
var (
	ErrEmptySelection  = errors.New("empty selection")
	ErrAllCopiesFailed = errors.New("staging failed for every source file")
)

// Configuration errors.
var (
	ErrMissingSiteURL  = errors.New("missing site URL in settings")
	ErrMissingUsername = errors.New("missing username in settings")
	ErrMissingPassword = errors.New("missing application password in settings")
)
