package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned when the service answers without success.
	ErrRejected = errors.New("chat: request rejected")

	// ErrNoBaseURL is returned when the client has no endpoint.
	ErrNoBaseURL = errors.New("chat: base URL required")

	// ErrNoUserID is returned for requests without a user identifier.
	ErrNoUserID = errors.New("chat: user ID required")
)

// APIError is a non-2xx response from the chat service.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("chat: API error %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized returns true for HTTP 401.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsRetryable returns true for rate limiting and server errors.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode < 600)
}
