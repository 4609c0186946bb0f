// Package capture turns a speech recognizer's event stream into finalized
// transcript events and a debounced auto-submit.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultSubmitDelay is how long a final result waits before auto-submit.
const DefaultSubmitDelay = 500 * time.Millisecond

// State is the capture state.
type State int

const (
	// Idle means no recognition session is running.
	Idle State = iota
	// Listening means the recognizer is running.
	Listening
)

// String returns the state name.
func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SignalKind is the kind of a recognizer signal.
type SignalKind int

const (
	SignalSpeechStart SignalKind = iota + 1
	SignalSpeechEnd
	SignalResult
	SignalError
)

// Signal is one event from a recognizer.
type Signal struct {
	Kind  SignalKind
	Text  string
	Final bool
	Err   error
}

// Recognizer is a speech recognition provider.
type Recognizer interface {
	// Start begins recognition in locale and delivers signals to emit until
	// the session ends with SignalSpeechEnd or SignalError.
	Start(ctx context.Context, locale string, emit func(Signal)) error

	// Stop asks the recognizer to finish. The session ends asynchronously.
	Stop() error
}

// AudioSink receives raw PCM16 audio for a streaming recognizer.
type AudioSink interface {
	Write(pcm []byte) error
}

// EventKind is the kind of a controller event.
type EventKind int

const (
	// EventListening is sent when capture starts.
	EventListening EventKind = iota + 1
	// EventIdle is sent when capture returns to Idle.
	EventIdle
	// EventSpeechStart is sent when the recognizer detects speech.
	EventSpeechStart
	// EventPartial carries interim recognized text.
	EventPartial
	// EventFinal carries finalized recognized text.
	EventFinal
	// EventError carries a *CaptureError.
	EventError
	// EventSubmitted is sent when the auto-submit fires.
	EventSubmitted
)

var eventNames = map[EventKind]string{
	EventListening:   "listening",
	EventIdle:        "idle",
	EventSpeechStart: "speech_start",
	EventPartial:     "partial",
	EventFinal:       "final",
	EventError:       "error",
	EventSubmitted:   "submitted",
}

// String returns the event name.
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is delivered to controller subscribers.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Config holds controller configuration.
type Config struct {
	// SubmitDelay is the debounce before a final result is submitted.
	SubmitDelay time.Duration

	Logger *slog.Logger
}

// Option is a functional option for the controller.
type Option func(*Config)

// WithSubmitDelay sets the auto-submit debounce.
func WithSubmitDelay(d time.Duration) Option {
	return func(c *Config) {
		c.SubmitDelay = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() *Config {
	return &Config{
		SubmitDelay: DefaultSubmitDelay,
		Logger:      slog.Default(),
	}
}

// Controller runs one recognizer and tracks the Idle/Listening state.
type Controller struct {
	rec    Recognizer
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	session uint64
	draft   string
	pending *time.Timer
	seq     uint64
	submit  func(text string)

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// New creates a controller around rec.
func New(rec Recognizer, opts ...Option) (*Controller, error) {
	if rec == nil {
		return nil, errors.New("capture: recognizer required")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.SubmitDelay < 0 {
		return nil, errors.New("capture: submit delay must be >= 0")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		rec:    rec,
		delay:  cfg.SubmitDelay,
		logger: cfg.Logger.With("component", "capture"),
		subs:   make(map[int]func(Event)),
	}, nil
}

// SetSubmit registers the auto-submit target.
func (c *Controller) SetSubmit(fn func(text string)) {
	c.mu.Lock()
	c.submit = fn
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Draft returns the text waiting for auto-submit.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SetDraft replaces the text waiting for auto-submit, as when the user
// edits the recognized text before it is sent.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Start begins listening in locale.
func (c *Controller) Start(ctx context.Context, locale string) error {
	c.mu.Lock()
	if c.state == Listening {
		c.mu.Unlock()
		return unavailable(errors.New("already listening"))
	}
	c.state = Listening
	c.session++
	session := c.session
	c.mu.Unlock()

	err := c.rec.Start(ctx, locale, func(sig Signal) { c.handle(session, sig) })
	if err != nil {
		c.mu.Lock()
		if c.session == session {
			c.state = Idle
		}
		c.mu.Unlock()
		c.logger.Warn("recognizer start failed", "error", err, "locale", locale)
		return unavailable(err)
	}

	c.logger.Debug("listening", "locale", locale)
	c.notify(Event{Kind: EventListening})
	return nil
}

// Stop asks the recognizer to stop. Idle follows the recognizer's end
// event. If the recognizer refuses, capture is forced to Idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != Listening {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.rec.Stop(); err != nil {
		c.logger.Warn("recognizer stop failed", "error", err)
		c.forceIdle()
		return err
	}
	return nil
}

// Abort drops the running session without waiting for the recognizer and
// cancels any pending auto-submit. Late signals from the session are ignored.
func (c *Controller) Abort() {
	c.CancelPending()
	if err := c.rec.Stop(); err != nil {
		c.logger.Debug("recognizer stop on abort", "error", err)
	}
	c.forceIdle()
}

// CancelPending cancels a scheduled auto-submit and clears the draft.
func (c *Controller) CancelPending() {
	c.mu.Lock()
	c.cancelLocked()
	c.draft = ""
	c.mu.Unlock()
}

// Subscribe registers fn for controller events and returns a function
// that removes it.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) handle(session uint64, sig Signal) {
	c.mu.Lock()
	if session != c.session {
		c.mu.Unlock()
		return
	}

	switch sig.Kind {
	case SignalSpeechStart:
		c.mu.Unlock()
		c.notify(Event{Kind: EventSpeechStart})

	case SignalResult:
		if c.state != Listening {
			c.mu.Unlock()
			return
		}
		if !sig.Final {
			c.mu.Unlock()
			c.notify(Event{Kind: EventPartial, Text: sig.Text})
			return
		}
		if strings.TrimSpace(sig.Text) == "" {
			c.mu.Unlock()
			return
		}
		c.draft = sig.Text
		c.scheduleLocked()
		c.mu.Unlock()
		c.notify(Event{Kind: EventFinal, Text: sig.Text})

	case SignalSpeechEnd:
		wasListening := c.state == Listening
		c.state = Idle
		c.mu.Unlock()
		if wasListening {
			c.logger.Debug("recognition ended")
			c.notify(Event{Kind: EventIdle})
		}

	case SignalError:
		c.state = Idle
		c.session++
		c.mu.Unlock()
		err := sig.Err
		if err == nil {
			err = errors.New("unknown recognizer error")
		}
		c.logger.Warn("recognition error", "error", err)
		c.notify(Event{Kind: EventError, Err: &CaptureError{Err: err}})
		c.notify(Event{Kind: EventIdle})

	default:
		c.mu.Unlock()
	}
}

// scheduleLocked replaces any pending auto-submit with a new one.
func (c *Controller) scheduleLocked() {
	c.cancelLocked()
	c.seq++
	seq := c.seq
	c.pending = time.AfterFunc(c.delay, func() { c.fire(seq) })
}

func (c *Controller) cancelLocked() {
	c.seq++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

// fire runs the auto-submit if it is still the pending one and the draft
// is still non-blank.
func (c *Controller) fire(seq uint64) {
	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	text := strings.TrimSpace(c.draft)
	c.draft = ""
	submit := c.submit
	c.mu.Unlock()

	if text == "" || submit == nil {
		return
	}
	c.logger.Debug("auto-submit", "chars", len(text))
	c.notify(Event{Kind: EventSubmitted, Text: text})
	submit(text)
}

func (c *Controller) forceIdle() {
	c.mu.Lock()
	wasListening := c.state == Listening
	c.state = Idle
	c.session++
	c.mu.Unlock()
	if wasListening {
		c.notify(Event{Kind: EventIdle})
	}
}

func (c *Controller) notify(ev Event) {
	c.subMu.RLock()
	fns := make([]func(Event), 0, len(c.subs))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
