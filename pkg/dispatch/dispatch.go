// Package dispatch turns user input into transcript turns and chat service
// round trips.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/teslashibe/go-dynprot/pkg/attachment"
	"github.com/teslashibe/go-dynprot/pkg/chat"
	"github.com/teslashibe/go-dynprot/pkg/transcript"
)

// FallbackText is the assistant turn appended when a send fails.
const FallbackText = "Désolé, une erreur est survenue. Veuillez réessayer."

// Sentinel errors.
var (
	// ErrEmptyMessage is returned for sends with neither text nor attachment.
	ErrEmptyMessage = errors.New("dispatch: empty message")

	// ErrStale is returned by SendAt when a Reset happened after the epoch
	// was read. Nothing is appended or sent.
	ErrStale = errors.New("dispatch: conversation was reset")
)

// SendState is the dispatcher's network state.
type SendState int

const (
	// Idle means no request is in flight.
	Idle SendState = iota
	// Sending means at least one request is in flight.
	Sending
)

// String returns the state name.
func (s SendState) String() string {
	if s == Sending {
		return "sending"
	}
	return "idle"
}

// MarshalText encodes the state by name.
func (s SendState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SendFailure records a failed round trip. It never reaches callers of
// Send; it is logged and replaced by the fallback turn.
type SendFailure struct {
	Err error
}

// Error implements the error interface.
func (e *SendFailure) Error() string {
	return fmt.Sprintf("dispatch: send failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SendFailure) Unwrap() error {
	return e.Err
}

// Announcer is told about every assistant reply appended by a send.
type Announcer interface {
	Announce(turn transcript.Turn)
}

// Config holds dispatcher configuration.
type Config struct {
	UserID       string
	HistoryLimit int
	Logger       *slog.Logger
}

// Option is a functional option for the dispatcher.
type Option func(*Config)

// WithUserID sets the user identifier sent with every message.
func WithUserID(id string) Option {
	return func(c *Config) {
		c.UserID = id
	}
}

// WithHistoryLimit sets the default history page size.
func WithHistoryLimit(n int) Option {
	return func(c *Config) {
		c.HistoryLimit = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() *Config {
	return &Config{
		HistoryLimit: chat.DefaultHistoryLimit,
		Logger:       slog.Default(),
	}
}

// Dispatcher sends user messages and records both sides in a transcript.
type Dispatcher struct {
	svc    chat.Service
	store  *transcript.Store
	userID string
	limit  int
	logger *slog.Logger

	mu        sync.Mutex
	inFlight  int
	epoch     uint64
	announcer Announcer
	changed   func(SendState)
}

// New creates a dispatcher.
func New(svc chat.Service, store *transcript.Store, opts ...Option) (*Dispatcher, error) {
	if svc == nil {
		return nil, errors.New("dispatch: chat service required")
	}
	if store == nil {
		return nil, errors.New("dispatch: transcript store required")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = chat.DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		svc:    svc,
		store:  store,
		userID: cfg.UserID,
		limit:  cfg.HistoryLimit,
		logger: cfg.Logger.With("component", "dispatch"),
	}, nil
}

// SetAnnouncer registers the receiver of assistant replies.
func (d *Dispatcher) SetAnnouncer(a Announcer) {
	d.mu.Lock()
	d.announcer = a
	d.mu.Unlock()
}

// OnStateChange registers fn to be told when the send state flips.
func (d *Dispatcher) OnStateChange(fn func(SendState)) {
	d.mu.Lock()
	d.changed = fn
	d.mu.Unlock()
}

// State returns the send state.
func (d *Dispatcher) State() SendState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight > 0 {
		return Sending
	}
	return Idle
}

// Send appends a user turn, performs the round trip and appends the reply,
// or the fallback turn if the round trip fails. It returns ErrEmptyMessage
// for blank text without an attachment; every other outcome returns nil.
//
// Turns append in completion order. A Reset while the request is in flight
// drops its outcome.
func (d *Dispatcher) Send(ctx context.Context, text string, ref *attachment.Ref) error {
	return d.send(ctx, nil, text, ref)
}

// SendAt is Send for input that belongs to the conversation as of epoch.
// If a Reset happened since, it returns ErrStale without touching the
// transcript or the chat service.
func (d *Dispatcher) SendAt(ctx context.Context, epoch uint64, text string, ref *attachment.Ref) error {
	return d.send(ctx, &epoch, text, ref)
}

// Epoch identifies the current conversation. Reset advances it.
func (d *Dispatcher) Epoch() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.epoch
}

func (d *Dispatcher) send(ctx context.Context, at *uint64, text string, ref *attachment.Ref) error {
	if strings.TrimSpace(text) == "" && ref == nil {
		return ErrEmptyMessage
	}

	user := transcript.Turn{Content: text, Sender: transcript.SenderUser}
	if ref != nil {
		a := *ref
		user.Attachment = &a
		user.Metadata = map[string]any{"imageUri": ref.URI}
	}

	epoch, ok := d.acquire(at, user)
	if !ok {
		d.logger.Debug("dropping input from before reset")
		return ErrStale
	}
	defer d.release(epoch)

	reply, err := d.svc.Send(ctx, chat.Message{UserID: d.userID, Text: text, Attachment: ref})
	if err != nil {
		failure := &SendFailure{Err: err}
		d.logger.Warn("send failed", "error", failure, "attachment", ref != nil)
		d.appendIfCurrent(epoch, transcript.Turn{
			Content:  FallbackText,
			Sender:   transcript.SenderAssistant,
			Fallback: true,
		})
		return nil
	}

	turn, ok := d.appendIfCurrent(epoch, transcript.Turn{
		Content:  reply.Response,
		Sender:   transcript.SenderAssistant,
		Metadata: reply.Analysis,
	})
	if !ok {
		return nil
	}

	d.mu.Lock()
	a := d.announcer
	d.mu.Unlock()
	if a != nil {
		a.Announce(turn)
	}
	return nil
}

// appendIfCurrent appends turn unless a Reset happened since epoch.
func (d *Dispatcher) appendIfCurrent(epoch uint64, turn transcript.Turn) (transcript.Turn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch != d.epoch {
		d.logger.Debug("dropping reply from before reset")
		return transcript.Turn{}, false
	}
	turn, _ = d.store.Push(turn)
	return turn, true
}

// LoadHistory replaces the transcript with up to limit stored turns.
// A limit <= 0 uses the configured default.
func (d *Dispatcher) LoadHistory(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = d.limit
	}
	d.mu.Lock()
	epoch := d.epoch
	d.mu.Unlock()

	turns, err := d.svc.History(ctx, d.userID, limit)
	if err != nil {
		d.logger.Warn("load history failed", "error", err)
		return fmt.Errorf("dispatch: load history: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch != d.epoch {
		return nil
	}
	d.store.Replace(turns)
	d.logger.Debug("history loaded", "turns", len(turns))
	return nil
}

// Reset forgets in-flight sends: their outcomes are dropped and the send
// state returns to Idle.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.epoch++
	was := d.inFlight > 0
	d.inFlight = 0
	fn := d.changed
	d.mu.Unlock()

	if was && fn != nil {
		fn(Idle)
	}
}

// acquire counts a send in flight and appends its user turn, unless at is
// set and no longer the current epoch.
func (d *Dispatcher) acquire(at *uint64, user transcript.Turn) (uint64, bool) {
	d.mu.Lock()
	if at != nil && *at != d.epoch {
		d.mu.Unlock()
		return 0, false
	}
	d.inFlight++
	first := d.inFlight == 1
	epoch := d.epoch
	fn := d.changed
	d.store.Push(user)
	d.mu.Unlock()

	if first && fn != nil {
		fn(Sending)
	}
	return epoch, true
}

func (d *Dispatcher) release(epoch uint64) {
	d.mu.Lock()
	if epoch != d.epoch {
		d.mu.Unlock()
		return
	}
	d.inFlight--
	last := d.inFlight == 0
	fn := d.changed
	d.mu.Unlock()

	if last && fn != nil {
		fn(Idle)
	}
}
