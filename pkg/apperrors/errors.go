package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrStaleState means another actor changed the insight first.
	ErrStaleState        = errors.New("stale state")
	ErrInvalidTransition = errors.New("invalid transition")

	ErrMalformedCandidate = errors.New("malformed candidate")

	// Updater outcomes. Wrap with fmt.Errorf("...: %w", ErrRetryableApply).
	ErrRetryableApply    = errors.New("retryable apply failure")
	ErrNonRetryableApply = errors.New("non-retryable apply failure")
)
