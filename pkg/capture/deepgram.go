package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// Deepgram streaming defaults.
const (
	DeepgramURL        = "wss://api.deepgram.com"
	DeepgramModel      = "nova-2"
	DeepgramSampleRate = 16000
)

// DeepgramConfig holds Deepgram recognizer configuration.
type DeepgramConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	SampleRate     int
	InterimResults bool
	Punctuate      bool
	SmartFormat    bool
	Endpointing    time.Duration

	// KeepAlive is the interval between KeepAlive messages.
	KeepAlive time.Duration

	// CloseTimeout bounds how long Stop waits for the server to flush
	// final results before the connection is dropped.
	CloseTimeout time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// DeepgramOption is a functional option for the Deepgram recognizer.
type DeepgramOption func(*DeepgramConfig)

// WithDeepgramAPIKey sets the API key.
func WithDeepgramAPIKey(key string) DeepgramOption {
	return func(c *DeepgramConfig) {
		c.APIKey = key
	}
}

// WithDeepgramURL sets the websocket base URL.
func WithDeepgramURL(u string) DeepgramOption {
	return func(c *DeepgramConfig) {
		c.BaseURL = u
	}
}

// WithDeepgramModel sets the recognition model.
func WithDeepgramModel(model string) DeepgramOption {
	return func(c *DeepgramConfig) {
		c.Model = model
	}
}

// WithDeepgramSampleRate sets the PCM16 sample rate of written audio.
func WithDeepgramSampleRate(rate int) DeepgramOption {
	return func(c *DeepgramConfig) {
		c.SampleRate = rate
	}
}

// WithDeepgramCloseTimeout sets the flush wait on Stop.
func WithDeepgramCloseTimeout(d time.Duration) DeepgramOption {
	return func(c *DeepgramConfig) {
		c.CloseTimeout = d
	}
}

// WithDeepgramLogger sets the structured logger.
func WithDeepgramLogger(logger *slog.Logger) DeepgramOption {
	return func(c *DeepgramConfig) {
		c.Logger = logger
	}
}

// DefaultDeepgramConfig returns the default Deepgram configuration.
func DefaultDeepgramConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL:        DeepgramURL,
		Model:          DeepgramModel,
		SampleRate:     DeepgramSampleRate,
		InterimResults: true,
		Punctuate:      true,
		SmartFormat:    true,
		Endpointing:    300 * time.Millisecond,
		KeepAlive:      8 * time.Second,
		CloseTimeout:   3 * time.Second,
		Dialer:         websocket.DefaultDialer,
		Logger:         slog.Default(),
	}
}

// Deepgram is a streaming Recognizer backed by the Deepgram listen API.
// Audio is pushed with Write as linear16 mono frames.
type Deepgram struct {
	cfg    *DeepgramConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	emit    func(Signal)
	done    chan struct{}
	closing bool

	writeMu sync.Mutex

	// utterance accumulates finalized segments until speech_final.
	utterance []string
}

// NewDeepgram creates a Deepgram recognizer.
func NewDeepgram(opts ...DeepgramOption) (*Deepgram, error) {
	cfg := DefaultDeepgramConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DeepgramURL
	}
	if cfg.SampleRate <= 0 {
		return nil, errors.New("capture: sample rate must be > 0")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Deepgram{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "capture.deepgram"),
	}, nil
}

// Start implements Recognizer. ctx bounds the dial only.
func (d *Deepgram) Start(ctx context.Context, locale string, emit func(Signal)) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return errors.New("deepgram: session already running")
	}
	d.mu.Unlock()

	wsURL, err := d.listenURL(locale)
	if err != nil {
		return fmt.Errorf("deepgram: build url: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.cfg.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("deepgram: dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("deepgram: dial: %w", err)
	}

	done := make(chan struct{})
	d.mu.Lock()
	d.conn = conn
	d.emit = emit
	d.done = done
	d.closing = false
	d.utterance = nil
	d.mu.Unlock()

	go d.readLoop(conn, emit, done)
	go d.keepAlive(done)

	d.logger.Info("deepgram session started", "locale", locale, "model", d.cfg.Model)
	return nil
}

// Write sends one PCM16 chunk.
func (d *Deepgram) Write(pcm []byte) error {
	d.mu.Lock()
	conn := d.conn
	closing := d.closing
	d.mu.Unlock()
	if conn == nil || closing {
		return ErrNotListening
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// Stop asks Deepgram to flush and close the stream. The session ends when
// the server closes, or after CloseTimeout.
func (d *Deepgram) Stop() error {
	d.mu.Lock()
	conn := d.conn
	done := d.done
	if conn == nil || d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	if err := d.sendControl(conn, "CloseStream"); err != nil {
		_ = conn.Close()
		return nil
	}

	go func() {
		select {
		case <-done:
		case <-time.After(d.cfg.CloseTimeout):
			d.logger.Debug("deepgram close timed out")
			_ = conn.Close()
		}
	}()
	return nil
}

// Listening reports whether a session is open.
func (d *Deepgram) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil && !d.closing
}

func (d *Deepgram) listenURL(locale string) (string, error) {
	base, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}

	q := base.Query()
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	if locale != "" {
		q.Set("language", locale)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", strconv.FormatBool(d.cfg.InterimResults))
	q.Set("punctuate", strconv.FormatBool(d.cfg.Punctuate))
	q.Set("smart_format", strconv.FormatBool(d.cfg.SmartFormat))
	q.Set("vad_events", "true")
	if d.cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(d.cfg.Endpointing.Milliseconds(), 10))
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (d *Deepgram) readLoop(conn *websocket.Conn, emit func(Signal), done chan struct{}) {
	var readErr error
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := d.handleMessage(data, emit); err != nil {
			d.logger.Debug("deepgram message ignored", "error", err)
		}
	}

	d.mu.Lock()
	closing := d.closing
	if d.conn == conn {
		d.conn = nil
		d.emit = nil
	}
	pending := strings.Join(d.utterance, " ")
	d.utterance = nil
	d.mu.Unlock()
	close(done)
	_ = conn.Close()

	if strings.TrimSpace(pending) != "" {
		emit(Signal{Kind: SignalResult, Text: pending, Final: true})
	}

	if closing || websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
		d.logger.Debug("deepgram session ended")
		emit(Signal{Kind: SignalSpeechEnd})
		return
	}
	d.logger.Warn("deepgram connection lost", "error", readErr)
	emit(Signal{Kind: SignalError, Err: fmt.Errorf("deepgram: %w", readErr)})
}

// listenMessage covers the fields used from every server message type.
type listenMessage struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

func (d *Deepgram) handleMessage(data []byte, emit func(Signal)) error {
	var msg listenMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	switch msg.Type {
	case "Results":
		d.handleResults(&msg, emit)
	case "SpeechStarted":
		emit(Signal{Kind: SignalSpeechStart})
	case "UtteranceEnd":
		d.flushUtterance(emit)
	case "Metadata":
	case "Error":
		return fmt.Errorf("server error: %s", msg.Description)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (d *Deepgram) handleResults(msg *listenMessage, emit func(Signal)) {
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)

	d.mu.Lock()
	if !msg.IsFinal && !msg.FromFinalize {
		partial := strings.TrimSpace(strings.Join(append(append([]string(nil), d.utterance...), text), " "))
		d.mu.Unlock()
		if partial != "" {
			emit(Signal{Kind: SignalResult, Text: partial})
		}
		return
	}
	if text != "" {
		d.utterance = append(d.utterance, text)
	}
	d.mu.Unlock()

	if msg.SpeechFinal || msg.FromFinalize {
		d.flushUtterance(emit)
	}
}

func (d *Deepgram) flushUtterance(emit func(Signal)) {
	d.mu.Lock()
	text := strings.Join(d.utterance, " ")
	d.utterance = nil
	d.mu.Unlock()
	if strings.TrimSpace(text) != "" {
		emit(Signal{Kind: SignalResult, Text: text, Final: true})
	}
}

func (d *Deepgram) keepAlive(done chan struct{}) {
	if d.cfg.KeepAlive <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.mu.Lock()
			conn := d.conn
			d.mu.Unlock()
			if conn == nil {
				return
			}
			if err := d.sendControl(conn, "KeepAlive"); err != nil {
				d.logger.Debug("deepgram keepalive failed", "error", err)
			}
		}
	}
}

func (d *Deepgram) sendControl(conn *websocket.Conn, kind string) error {
	msg, err := sonic.Marshal(map[string]string{"type": kind})
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Verify Deepgram implements Recognizer and AudioSink at compile time.
var (
	_ Recognizer = (*Deepgram)(nil)
	_ AudioSink  = (*Deepgram)(nil)
)
