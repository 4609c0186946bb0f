// Package transcript holds the ordered, append-only log of conversation
// turns for one session.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-dynprot/pkg/attachment"
)

// Sender identifies who authored a turn.
type Sender string

const (
	// SenderUser marks turns typed or dictated by the user.
	SenderUser Sender = "user"
	// SenderAssistant marks turns produced by the assistant.
	SenderAssistant Sender = "ai"
)

// Turn is one conversational entry.
type Turn struct {
	ID         string          `json:"id"`
	Content    string          `json:"message_content"`
	Sender     Sender          `json:"sender_type"`
	Timestamp  time.Time       `json:"timestamp"`
	Attachment *attachment.Ref `json:"attachment,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`

	// Fallback is set on the fixed failure reply appended when a send fails.
	Fallback bool `json:"fallback,omitempty"`
}

// IsAssistant reports whether the turn was authored by the assistant.
func (t Turn) IsAssistant() bool { return t.Sender == SenderAssistant }

// EventKind is the type of a store notification.
type EventKind int

const (
	// EventAppend is sent for every appended turn.
	EventAppend EventKind = iota
	// EventClear is sent when the transcript is emptied.
	EventClear
)

// Event is delivered to subscribers.
type Event struct {
	Kind  EventKind
	Turn  Turn
	Index int

	// History is true for turns loaded through Replace.
	History bool
}

// Store is an in-memory transcript. Safe for concurrent use.
// Subscribers are invoked outside the store lock and must not block.
type Store struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:  time.Now,
		subs: make(map[int]func(Event)),
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Append adds a turn and returns its index. A missing ID is generated and a
// zero timestamp is set to now. Timestamps never go backwards.
func (s *Store) Append(turn Turn) int {
	_, idx := s.Push(turn)
	return idx
}

// Push is Append that also returns the stored turn with its ID and
// timestamp filled in.
func (s *Store) Push(turn Turn) (Turn, int) {
	s.mu.Lock()
	turn = s.stampLocked(turn)
	s.turns = append(s.turns, turn)
	idx := len(s.turns) - 1
	s.mu.Unlock()

	s.notify(Event{Kind: EventAppend, Turn: turn, Index: idx})
	return turn, idx
}

func (s *Store) stampLocked(turn Turn) Turn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	if n := len(s.turns); n > 0 && turn.Timestamp.Before(s.turns[n-1].Timestamp) {
		turn.Timestamp = s.turns[n-1].Timestamp
	}
	return turn
}

// All returns a snapshot of every turn in order.
func (s *Store) All() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns the most recent turn.
func (s *Store) Last() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Contains reports whether a turn with id is in the transcript.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].ID == id {
			return true
		}
	}
	return false
}

// Clear removes every turn.
func (s *Store) Clear() {
	s.mu.Lock()
	s.turns = nil
	s.mu.Unlock()

	s.notify(Event{Kind: EventClear})
}

// Replace swaps the whole transcript for previously stored history.
// Subscribers see a clear followed by one append per turn, flagged History.
func (s *Store) Replace(turns []Turn) {
	s.mu.Lock()
	s.turns = make([]Turn, 0, len(turns))
	for _, t := range turns {
		s.turns = append(s.turns, s.stampLocked(t))
	}
	snapshot := make([]Turn, len(s.turns))
	copy(snapshot, s.turns)
	s.mu.Unlock()

	s.notify(Event{Kind: EventClear})
	for i, t := range snapshot {
		s.notify(Event{Kind: EventAppend, Turn: t, Index: i, History: true})
	}
}

// Subscribe registers fn for store events and returns a function that
// removes it.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(ev Event) {
	s.subMu.RLock()
	fns := make([]func(Event), 0, len(s.subs))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
