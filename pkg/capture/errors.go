package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureUnavailable is returned by Start when capture is already
	// running or the recognizer cannot start.
	ErrCaptureUnavailable = errors.New("capture: unavailable")

	// ErrNotListening is returned by recognizers asked for audio while idle.
	ErrNotListening = errors.New("capture: not listening")

	// ErrNoAPIKey is returned when a hosted recognizer has no credentials.
	ErrNoAPIKey = errors.New("capture: API key is required")
)

// CaptureError is a recognizer failure reported while listening.
// Capture is back to Idle by the time subscribers see it.
type CaptureError struct {
	Err error
}

// Error implements the error interface.
func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture: recognition failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *CaptureError) Unwrap() error {
	return e.Err
}

// unavailable wraps a recognizer start failure.
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
}
