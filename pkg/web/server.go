// Package web exposes one chat session over HTTP and websockets.
package web

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-dynprot/pkg/capture"
	"github.com/teslashibe/go-dynprot/pkg/hub"
	"github.com/teslashibe/go-dynprot/pkg/pcm"
	"github.com/teslashibe/go-dynprot/pkg/session"
	"github.com/teslashibe/go-dynprot/pkg/transcript"
)

// Config holds server configuration.
type Config struct {
	Port string

	// UploadDir receives images posted with messages.
	UploadDir string

	// AudioSink receives PCM16 frames from /ws/audio. Nil disables the route.
	AudioSink capture.AudioSink

	// AudioFormat is what AudioSink expects. Clients may stream another
	// format by passing ?rate= and ?channels= on connect.
	AudioFormat pcm.Format

	// BodyLimit bounds request bodies, images included.
	BodyLimit int

	Logger *slog.Logger
}

// Option is a functional option for the server.
type Option func(*Config)

// WithPort sets the listen port.
func WithPort(port string) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithUploadDir sets the image upload directory.
func WithUploadDir(dir string) Option {
	return func(c *Config) {
		c.UploadDir = dir
	}
}

// WithAudioSink sets the destination of streamed microphone audio.
func WithAudioSink(sink capture.AudioSink) Option {
	return func(c *Config) {
		c.AudioSink = sink
	}
}

// WithAudioFormat sets the PCM format AudioSink expects.
func WithAudioFormat(f pcm.Format) Option {
	return func(c *Config) {
		c.AudioFormat = f
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        "8080",
		UploadDir:   os.TempDir(),
		BodyLimit:   10 << 20,
		AudioFormat: pcm.Speech,
		Logger:      slog.Default(),
	}
}

// Server is the HTTP surface of one session.
type Server struct {
	app       *fiber.App
	port      string
	session   *session.Orchestrator
	uploadDir string
	audio     capture.AudioSink
	audioFmt  pcm.Format
	logger    *slog.Logger

	// Hub for websocket broadcast of session events
	events *hub.Hub

	unsubscribe []func()
}

// NewServer creates a server for o and starts relaying its events.
func NewServer(o *session.Orchestrator, opts ...Option) *Server {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "web")

	s := &Server{
		port:      cfg.Port,
		session:   o,
		uploadDir: cfg.UploadDir,
		audio:     cfg.AudioSink,
		audioFmt:  cfg.AudioFormat,
		logger:    logger,
		events:    hub.New("events", cfg.Logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "dynprot chat",
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          s.handleError,
	})

	// CORS for local development
	app.Use(cors.New())

	app.Get("/api/health", s.handleHealth)

	api := app.Group("/api/session")
	api.Get("/state", s.handleState)
	api.Get("/transcript", s.handleTranscript)
	api.Post("/messages", s.handleSendMessage)
	api.Post("/voice", s.handleVoice)
	api.Post("/capture/start", s.handleCaptureStart)
	api.Post("/capture/stop", s.handleCaptureStop)
	api.Get("/capture/draft", s.handleGetDraft)
	api.Put("/capture/draft", s.handleSetDraft)
	api.Post("/reset", s.handleReset)
	api.Post("/history", s.handleHistory)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))
	if s.audio != nil {
		app.Get("/ws/audio", websocket.New(s.handleAudioWS))
	}

	s.app = app
	s.unsubscribe = append(s.unsubscribe,
		o.Transcript().Subscribe(s.relayTurn),
		o.Watch(s.relayState),
		o.Subscribe(s.relayNotice),
	)
	go s.events.Run()
	return s
}

// App returns the fiber application, for tests and embedding.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", "url", "http://localhost:"+s.port)
	return s.app.Listen(":" + s.port)
}

// Shutdown stops relaying events and drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.events.Stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	return s.app.ShutdownWithTimeout(time.Until(deadline))
}

// Event is the websocket envelope for session events.
type Event struct {
	Type    string           `json:"type"`
	Turn    *transcript.Turn `json:"turn,omitempty"`
	Index   int              `json:"index,omitempty"`
	History bool             `json:"history,omitempty"`
	State   *session.State   `json:"state,omitempty"`
	Notice  *session.Notice  `json:"notice,omitempty"`
}

// Event types.
const (
	EventTurn   = "turn"
	EventClear  = "clear"
	EventState  = "state"
	EventNotice = "notice"
)

func (s *Server) relayTurn(ev transcript.Event) {
	out := Event{Type: EventClear}
	if ev.Kind == transcript.EventAppend {
		turn := ev.Turn
		out = Event{Type: EventTurn, Turn: &turn, Index: ev.Index, History: ev.History}
	}
	s.publish(out)
}

func (s *Server) relayState(st session.State) {
	s.publish(Event{Type: EventState, State: &st})
}

func (s *Server) relayNotice(n session.Notice) {
	s.publish(Event{Type: EventNotice, Notice: &n})
}

func (s *Server) publish(ev Event) {
	if err := s.events.BroadcastJSON(ev); err != nil {
		s.logger.Warn("encode event", "error", err, "type", ev.Type)
	}
}
