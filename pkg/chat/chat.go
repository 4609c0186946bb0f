// Package chat is the client for the nutrition assistant chat service.
package chat

import (
	"context"

	"github.com/teslashibe/go-dynprot/pkg/attachment"
	"github.com/teslashibe/go-dynprot/pkg/transcript"
)

// DefaultHistoryLimit is the number of turns loaded when no limit is given.
const DefaultHistoryLimit = 20

// Message is one outbound user message.
type Message struct {
	UserID     string
	Text       string
	Attachment *attachment.Ref
}

// Reply is the service answer to a Message.
type Reply struct {
	Success  bool           `json:"success"`
	Response string         `json:"response"`
	Analysis map[string]any `json:"analysis,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Service is the chat service contract.
type Service interface {
	// Send delivers msg and returns the assistant reply. A reply without
	// success is returned as ErrRejected.
	Send(ctx context.Context, msg Message) (*Reply, error)

	// History returns up to limit prior turns for userID, oldest first.
	History(ctx context.Context, userID string, limit int) ([]transcript.Turn, error)
}
