package session

import "errors"

var (
	// ErrBusySending is returned by StartCapture while a message is in flight.
	ErrBusySending = errors.New("session: message in flight")

	// ErrBusySpeaking is returned by StartCapture while a reply is playing.
	ErrBusySpeaking = errors.New("session: reply playing")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)
