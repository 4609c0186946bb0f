package chat

import (
	"context"
	"sync"

	"github.com/teslashibe/go-dynprot/pkg/transcript"
)

// Mock implements Service for testing.
type Mock struct {
	// SendFunc is called when Send is invoked. If nil, Send echoes the text.
	SendFunc func(ctx context.Context, msg Message) (*Reply, error)

	// HistoryFunc is called when History is invoked. If nil, returns no turns.
	HistoryFunc func(ctx context.Context, userID string, limit int) ([]transcript.Turn, error)

	mu       sync.Mutex
	messages []Message
	history  int
}

// NewMock creates a mock that replies with the given text.
func NewMock(reply string) *Mock {
	return &Mock{
		SendFunc: func(ctx context.Context, msg Message) (*Reply, error) {
			return &Reply{Success: true, Response: reply}, nil
		},
	}
}

// Send records msg and calls SendFunc.
func (m *Mock) Send(ctx context.Context, msg Message) (*Reply, error) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	fn := m.SendFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return &Reply{Success: true, Response: msg.Text}, nil
}

// History records the call and calls HistoryFunc.
func (m *Mock) History(ctx context.Context, userID string, limit int) ([]transcript.Turn, error) {
	m.mu.Lock()
	m.history++
	fn := m.HistoryFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, userID, limit)
	}
	return nil, nil
}

// Messages returns every message passed to Send.
func (m *Mock) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// HistoryCalls returns the number of History calls.
func (m *Mock) HistoryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history
}

// Verify Mock implements Service at compile time.
var _ Service = (*Mock)(nil)
