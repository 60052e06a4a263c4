package update

import (
	"errors"
	"fmt"
)

// Errors reported by sinks and the engine. Every write or commit error is
// terminal for the session that produced it.
var (
	ErrInsufficientSpace = errors.New("update: insufficient space for image")
	ErrEraseError        = errors.New("update: target region could not be prepared")
	ErrWriteError        = errors.New("update: write failed")
	ErrValidation        = errors.New("update: image validation failed")
	ErrZeroLength        = errors.New("update: zero length upload")
	ErrAborted           = errors.New("update: session aborted")

	ErrBusy          = errors.New("update: another update is in progress")
	ErrNoSession     = errors.New("update: no update session for chunk")
	ErrSessionClosed = errors.New("update: update session already finished")
)

// Reason codes carried by error events.
const (
	ReasonInsufficientSpace = "insufficient_space"
	ReasonEraseError        = "erase_error"
	ReasonWriteError        = "write_error"
	ReasonValidationError   = "validation_error"
	ReasonZeroLength        = "zero_length_upload"
	ReasonAborted           = "aborted"
	ReasonBusy              = "busy"
	ReasonNoSession         = "no_session"
	ReasonSessionClosed     = "session_closed"
	ReasonInternal          = "internal_error"
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrInsufficientSpace, ReasonInsufficientSpace},
	{ErrEraseError, ReasonEraseError},
	{ErrWriteError, ReasonWriteError},
	{ErrValidation, ReasonValidationError},
	{ErrZeroLength, ReasonZeroLength},
	{ErrAborted, ReasonAborted},
	{ErrBusy, ReasonBusy},
	{ErrNoSession, ReasonNoSession},
	{ErrSessionClosed, ReasonSessionClosed},
}

// Reason maps err to its wire reason code. It returns "" for a nil error and
// ReasonInternal for errors outside the update taxonomy.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ReasonInternal
}

// classify makes sure err carries one of the update sentinels, wrapping it
// with fallback when it does not.
func classify(err, fallback error) error {
	if Reason(err) != ReasonInternal {
		return err
	}
	return fmt.Errorf("%w: %w", fallback, err)
}
