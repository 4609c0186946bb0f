package playback

import (
	"errors"
	"fmt"
)

var (
	// ErrSuperseded is returned by Speak when a later Speak or Stop
	// invalidated the request before it started playing.
	ErrSuperseded = errors.New("playback: superseded")

	// ErrReleased is returned by players used after Release.
	ErrReleased = errors.New("playback: player released")
)

// Kind classifies playback failures.
type Kind int

const (
	// SynthesisFailure means the speech service failed or returned no audio.
	SynthesisFailure Kind = iota + 1
	// PlaybackLoadFailure means the audio could not be written or loaded.
	PlaybackLoadFailure
	// PlaybackDecodeFailure means the player failed to start or decode.
	PlaybackDecodeFailure
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case SynthesisFailure:
		return "synthesis failure"
	case PlaybackLoadFailure:
		return "load failure"
	case PlaybackDecodeFailure:
		return "decode failure"
	default:
		return "unknown"
	}
}

// Error is a non-fatal playback failure. No resource outlives it.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a playback *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
