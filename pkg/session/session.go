// Package session binds transcript, dispatch, playback and capture into one
// conversation and keeps their states coherent.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-dynprot/pkg/attachment"
	"github.com/teslashibe/go-dynprot/pkg/capture"
	"github.com/teslashibe/go-dynprot/pkg/dispatch"
	"github.com/teslashibe/go-dynprot/pkg/playback"
	"github.com/teslashibe/go-dynprot/pkg/transcript"
)

// DefaultLocale is the recognition locale.
const DefaultLocale = "fr-FR"

// State is a snapshot of the session.
type State struct {
	VoiceOutputEnabled bool               `json:"voiceOutputEnabled"`
	Capture            capture.State      `json:"capture"`
	Send               dispatch.SendState `json:"send"`
	Speaking           bool               `json:"speaking"`
}

// NoticeKind classifies transient user-visible notices.
type NoticeKind string

const (
	NoticeCaptureUnavailable NoticeKind = "capture_unavailable"
	NoticeCaptureError       NoticeKind = "capture_error"
)

// Notice is a transient message for the user. Notices never enter the
// transcript.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Detail  string     `json:"detail,omitempty"`
}

const (
	msgCaptureUnavailable = "Impossible de démarrer la reconnaissance vocale"
	msgCaptureError       = "La reconnaissance vocale a échoué"
)

// Config holds orchestrator configuration.
type Config struct {
	Locale      string
	VoiceOutput bool
	Logger      *slog.Logger
}

// Option is a functional option for the orchestrator.
type Option func(*Config)

// WithLocale sets the recognition locale.
func WithLocale(locale string) Option {
	return func(c *Config) {
		c.Locale = locale
	}
}

// WithVoiceOutput sets whether replies are spoken initially.
func WithVoiceOutput(enabled bool) Option {
	return func(c *Config) {
		c.VoiceOutput = enabled
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig speaks replies and listens in French.
func DefaultConfig() *Config {
	return &Config{
		Locale:      DefaultLocale,
		VoiceOutput: true,
		Logger:      slog.Default(),
	}
}

// Orchestrator is one conversation. It is the single source of truth for
// listening, sending and speaking.
type Orchestrator struct {
	store    *transcript.Store
	dispatch *dispatch.Dispatcher
	playback *playback.Controller
	capture  *capture.Controller
	locale   string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	voice  bool
	spoken map[string]struct{}
	closed bool

	// speech is cancelled whenever replies already announced must not
	// start playing: voice turned off, reset or close.
	speech       context.Context
	stopSpeech   context.CancelFunc
	captureEpoch uint64

	subMu    sync.RWMutex
	notices  map[int]func(Notice)
	watchers map[int]func(State)
	nextID   int

	unsubCapture func()
}

// New wires the controllers into an orchestrator. c may be nil when no
// recognizer is available; StartCapture then reports capture unavailable.
func New(store *transcript.Store, d *dispatch.Dispatcher, p *playback.Controller, c *capture.Controller, opts ...Option) (*Orchestrator, error) {
	if store == nil || d == nil || p == nil {
		return nil, errors.New("session: transcript, dispatcher and playback are required")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    store,
		dispatch: d,
		playback: p,
		capture:  c,
		locale:   cfg.Locale,
		logger:   cfg.Logger.With("component", "session"),
		ctx:      ctx,
		cancel:   cancel,
		voice:    cfg.VoiceOutput,
		spoken:   make(map[string]struct{}),
		notices:  make(map[int]func(Notice)),
		watchers: make(map[int]func(State)),
	}
	o.speech, o.stopSpeech = context.WithCancel(ctx)

	d.SetAnnouncer(o)
	d.OnStateChange(func(dispatch.SendState) { o.publishState() })
	p.OnStateChange(func(bool) { o.publishState() })
	if c != nil {
		c.SetSubmit(o.submit)
		o.unsubCapture = c.Subscribe(o.onCapture)
	}
	return o, nil
}

// Transcript returns the session transcript.
func (o *Orchestrator) Transcript() *transcript.Store {
	return o.store
}

// State returns a snapshot of the session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	voice := o.voice
	o.mu.Unlock()

	s := State{
		VoiceOutputEnabled: voice,
		Send:               o.dispatch.State(),
		Speaking:           o.playback.Speaking(),
	}
	if o.capture != nil {
		s.Capture = o.capture.State()
	}
	return s
}

// SetVoiceOutput turns reply playback on or off. Turning it off stops the
// reply being spoken; turning it on never resumes it.
func (o *Orchestrator) SetVoiceOutput(enabled bool) {
	o.mu.Lock()
	changed := o.voice != enabled
	o.voice = enabled
	if !enabled {
		o.cancelSpeechLocked()
	}
	o.mu.Unlock()

	if !enabled {
		o.playback.Stop()
	}
	if changed {
		o.logger.Debug("voice output", "enabled", enabled)
		o.publishState()
	}
}

// Announce speaks an assistant turn once, if voice output is enabled.
// Fallback turns are never spoken. It returns once playback has started.
func (o *Orchestrator) Announce(turn transcript.Turn) {
	if !turn.IsAssistant() || turn.Fallback {
		return
	}

	o.mu.Lock()
	if o.closed || !o.voice {
		o.mu.Unlock()
		return
	}
	if _, done := o.spoken[turn.ID]; done {
		o.mu.Unlock()
		return
	}
	o.spoken[turn.ID] = struct{}{}
	ctx := o.speech
	o.mu.Unlock()

	// A reset between the reply landing and here has cleared it.
	if !o.store.Contains(turn.ID) {
		return
	}

	err := o.playback.Speak(ctx, turn.Content)
	switch {
	case err == nil, errors.Is(err, playback.ErrSuperseded):
	default:
		o.logger.Warn("reply not spoken", "turn", turn.ID, "error", err)
	}
}

// Send sends a user message. See dispatch.Dispatcher.Send.
func (o *Orchestrator) Send(ctx context.Context, text string, ref *attachment.Ref) error {
	if o.isClosed() {
		return ErrClosed
	}
	return o.dispatch.Send(ctx, text, ref)
}

// LoadHistory replaces the transcript with stored history. History turns
// are never spoken.
func (o *Orchestrator) LoadHistory(ctx context.Context, limit int) error {
	if o.isClosed() {
		return ErrClosed
	}
	return o.dispatch.LoadHistory(ctx, limit)
}

// StartCapture starts listening. It is rejected while a message is in
// flight or a reply is playing, so the assistant never hears itself.
func (o *Orchestrator) StartCapture(ctx context.Context) error {
	if o.isClosed() {
		return ErrClosed
	}
	if o.dispatch.State() == dispatch.Sending {
		return ErrBusySending
	}
	if o.playback.Speaking() {
		return ErrBusySpeaking
	}
	if o.capture == nil {
		o.publishNotice(Notice{Kind: NoticeCaptureUnavailable, Message: msgCaptureUnavailable, Detail: "no recognizer configured"})
		return capture.ErrCaptureUnavailable
	}

	o.mu.Lock()
	o.captureEpoch = o.dispatch.Epoch()
	o.mu.Unlock()

	if err := o.capture.Start(ctx, o.locale); err != nil {
		o.publishNotice(Notice{Kind: NoticeCaptureUnavailable, Message: msgCaptureUnavailable, Detail: err.Error()})
		return err
	}
	return nil
}

// Draft returns the dictated text waiting for auto-submit.
func (o *Orchestrator) Draft() string {
	if o.capture == nil {
		return ""
	}
	return o.capture.Draft()
}

// SetDraft replaces the dictated text before it is auto-submitted. Blank
// text cancels the submission when it fires.
func (o *Orchestrator) SetDraft(text string) {
	if o.capture != nil {
		o.capture.SetDraft(text)
	}
}

// StopCapture asks capture to stop. Idle arrives asynchronously.
func (o *Orchestrator) StopCapture() error {
	if o.capture == nil {
		return nil
	}
	return o.capture.Stop()
}

// Reset starts the conversation over: the pending auto-submit is cancelled,
// the transcript cleared, playback and capture stopped, and in-flight sends
// forgotten.
func (o *Orchestrator) Reset() {
	if o.capture != nil {
		o.capture.CancelPending()
	}
	o.dispatch.Reset()
	o.store.Clear()

	o.mu.Lock()
	o.cancelSpeechLocked()
	o.spoken = make(map[string]struct{})
	o.mu.Unlock()

	o.playback.Stop()
	if o.capture != nil {
		if err := o.capture.Stop(); err != nil {
			o.logger.Debug("stop capture on reset", "error", err)
		}
	}

	o.logger.Info("session reset")
	o.publishState()
}

// Close ends the session and releases every resource it holds.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	if o.capture != nil {
		o.unsubCapture()
		o.capture.Abort()
	}
	o.dispatch.Reset()
	o.playback.Stop()
	o.store.Clear()
	o.logger.Info("session closed")
	return nil
}

// Subscribe registers fn for notices and returns a function that removes it.
func (o *Orchestrator) Subscribe(fn func(Notice)) (unsubscribe func()) {
	o.subMu.Lock()
	id := o.nextID
	o.nextID++
	o.notices[id] = fn
	o.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.notices, id)
			o.subMu.Unlock()
		})
	}
}

// Watch registers fn for state changes and returns a function that
// removes it.
func (o *Orchestrator) Watch(fn func(State)) (unwatch func()) {
	o.subMu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = fn
	o.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.watchers, id)
			o.subMu.Unlock()
		})
	}
}

// submit sends dictated text, unless the conversation was reset after the
// capture that produced it started.
func (o *Orchestrator) submit(text string) {
	o.mu.Lock()
	closed := o.closed
	epoch := o.captureEpoch
	o.mu.Unlock()
	if closed {
		return
	}

	err := o.dispatch.SendAt(o.ctx, epoch, text, nil)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrStale):
		o.logger.Debug("auto-submit dropped after reset")
	default:
		o.logger.Warn("auto-submit failed", "error", err)
	}
}

// cancelSpeechLocked aborts playback of every reply announced so far and
// opens a fresh context for later ones.
func (o *Orchestrator) cancelSpeechLocked() {
	o.stopSpeech()
	o.speech, o.stopSpeech = context.WithCancel(o.ctx)
}

func (o *Orchestrator) onCapture(ev capture.Event) {
	switch ev.Kind {
	case capture.EventListening, capture.EventIdle:
		o.publishState()
	case capture.EventError:
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		o.publishNotice(Notice{Kind: NoticeCaptureError, Message: msgCaptureError, Detail: detail})
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) publishNotice(n Notice) {
	o.logger.Info("notice", "kind", n.Kind, "detail", n.Detail)

	o.subMu.RLock()
	fns := make([]func(Notice), 0, len(o.notices))
	for id := 0; id < o.nextID; id++ {
		if fn, ok := o.notices[id]; ok {
			fns = append(fns, fn)
		}
	}
	o.subMu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
}

func (o *Orchestrator) publishState() {
	o.subMu.RLock()
	fns := make([]func(State), 0, len(o.watchers))
	for id := 0; id < o.nextID; id++ {
		if fn, ok := o.watchers[id]; ok {
			fns = append(fns, fn)
		}
	}
	o.subMu.RUnlock()
	if len(fns) == 0 {
		return
	}

	s := o.State()
	for _, fn := range fns {
		fn(s)
	}
}

// Verify Orchestrator implements dispatch.Announcer at compile time.
var _ dispatch.Announcer = (*Orchestrator)(nil)
