// Package playback speaks assistant replies: it synthesizes text, writes
// the audio to a temporary file, plays it, and cleans up.
//
// A Controller owns at most one live playback session at a time. Every new
// Speak first stops the current session, and every session is torn down
// through one routine whether it ends naturally, is stopped, or is replaced.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/teslashibe/go-dynprot/pkg/tts"
)

// FilePrefix starts the name of every temporary audio file.
const FilePrefix = "temp_audio_"

// Config holds controller configuration.
type Config struct {
	// Dir receives the temporary audio files.
	Dir string

	// NewPlayer builds a player for a written audio file.
	NewPlayer PlayerFactory

	Logger *slog.Logger
}

// Option is a functional option for the controller.
type Option func(*Config)

// WithDir sets the temporary audio directory.
func WithDir(dir string) Option {
	return func(c *Config) {
		c.Dir = dir
	}
}

// WithPlayerFactory sets the player factory.
func WithPlayerFactory(f PlayerFactory) Option {
	return func(c *Config) {
		c.NewPlayer = f
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig plays through ffplay into the OS temp directory.
func DefaultConfig() *Config {
	return &Config{
		Dir:       os.TempDir(),
		NewPlayer: NewExecPlayerFactory([]string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"}),
		Logger:    slog.Default(),
	}
}

// session is one live utterance: its audio file and player.
type session struct {
	gen    uint64
	path   string
	player Player
	torn   atomic.Bool
}

// Controller synthesizes and plays text with at most one live session.
type Controller struct {
	synth     tts.Provider
	newPlayer PlayerFactory
	dir       string
	logger    *slog.Logger

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	handle  *session
	changed func(speaking bool)
}

// New creates a controller that synthesizes with synth.
func New(synth tts.Provider, opts ...Option) (*Controller, error) {
	if synth == nil {
		return nil, errors.New("playback: synthesis provider required")
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.NewPlayer == nil {
		return nil, errors.New("playback: player factory required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		synth:     synth,
		newPlayer: cfg.NewPlayer,
		dir:       cfg.Dir,
		logger:    cfg.Logger.With("component", "playback"),
	}, nil
}

// OnStateChange registers fn to be told when speaking starts or stops.
func (c *Controller) OnStateChange(fn func(speaking bool)) {
	c.mu.Lock()
	c.changed = fn
	c.mu.Unlock()
}

// Speaking reports whether a playback session is live.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil
}

// Speak synthesizes text and starts playing it. It returns once playback
// has started, not when it ends. Empty text is a no-op.
//
// Failures are returned as *Error and leave no player or file behind.
// ErrSuperseded means a later Speak or Stop took over first.
func (c *Controller) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	ctx, gen, cancel := c.begin(ctx)
	defer cancel()

	result, err := c.synth.Synthesize(ctx, text)
	if !c.current(gen) || ctx.Err() != nil {
		return ErrSuperseded
	}
	if err == nil && (result == nil || len(result.Audio) == 0) {
		err = tts.ErrNoAudio
	}
	if err != nil {
		c.logger.Warn("speech synthesis failed", "error", err, "chars", len(text))
		return &Error{Kind: SynthesisFailure, Err: err}
	}

	path, err := c.materialize(result)
	if err != nil {
		c.logger.Warn("write audio failed", "error", err)
		return &Error{Kind: PlaybackLoadFailure, Err: err}
	}

	s, err := c.acquire(ctx, gen, path)
	if err != nil {
		c.removeFile(path)
		if errors.Is(err, ErrSuperseded) {
			return err
		}
		c.logger.Warn("load audio failed", "error", err, "path", path)
		return &Error{Kind: PlaybackLoadFailure, Err: err}
	}
	if c.live(s) {
		c.notify(true)
	}

	if err := s.player.Play(func(err error) { c.finish(s, err) }); err != nil {
		if s.torn.Load() {
			return ErrSuperseded
		}
		c.finish(s, err)
		return &Error{Kind: PlaybackDecodeFailure, Err: err}
	}

	c.logger.Debug("playing", "path", path, "bytes", len(result.Audio))
	return nil
}

// Stop ends the live session, if any, and discards any synthesis still in
// flight. Safe to call repeatedly.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.invalidateLocked()
	wasLive := c.releaseLocked()
	c.mu.Unlock()

	if wasLive {
		c.notify(false)
	}
}

// begin stops the current session and opens a new generation. The returned
// cancel must be called once the request no longer needs ctx.
func (c *Controller) begin(ctx context.Context) (context.Context, uint64, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.invalidateLocked()
	gen := c.gen
	c.cancel = cancel
	wasLive := c.releaseLocked()
	c.mu.Unlock()

	if wasLive {
		c.notify(false)
	}
	return ctx, gen, cancel
}

// releaseLocked tears down the live session, if any, and clears the handle.
func (c *Controller) releaseLocked() bool {
	s := c.handle
	if s == nil {
		return false
	}
	c.handle = nil
	c.teardown(s, true)
	return true
}

// invalidateLocked bumps the generation and aborts the pending synthesis.
func (c *Controller) invalidateLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) live(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle == s
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// acquire builds the player and installs the session, unless gen was
// superseded or ctx is done. It is the only place the handle is filled.
func (c *Controller) acquire(ctx context.Context, gen uint64, path string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || ctx.Err() != nil {
		return nil, ErrSuperseded
	}
	c.releaseLocked()
	player, err := c.newPlayer(path)
	if err != nil {
		return nil, err
	}
	s := &session{gen: gen, path: path, player: player}
	c.handle = s
	return s, nil
}

// finish is the player's completion path. A player stopped by teardown
// may call it synchronously; the torn flag makes that a no-op.
func (c *Controller) finish(s *session, err error) {
	if s.torn.Load() {
		return
	}
	if err != nil {
		c.logger.Warn("playback ended with error", "error", err, "path", s.path)
	}

	c.mu.Lock()
	wasLive := c.handle == s
	if wasLive {
		c.handle = nil
	}
	c.teardown(s, false)
	c.mu.Unlock()

	if wasLive {
		c.notify(false)
	}
}

// teardown stops (optionally) and releases the player, then deletes the
// file. Runs at most once per session, with c.mu held.
func (c *Controller) teardown(s *session, stop bool) {
	if !s.torn.CompareAndSwap(false, true) {
		return
	}
	if stop {
		if err := s.player.Stop(); err != nil {
			c.logger.Debug("stop player", "error", err)
		}
	}
	if err := s.player.Release(); err != nil {
		c.logger.Debug("release player", "error", err)
	}
	c.removeFile(s.path)
}

func (c *Controller) materialize(result *tts.AudioResult) (string, error) {
	name := fmt.Sprintf("%s%s.%s", FilePrefix, uuid.NewString(), result.Format.Encoding.Extension())
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, result.Audio, 0o600); err != nil {
		c.removeFile(path)
		return "", err
	}
	return path, nil
}

func (c *Controller) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Debug("remove audio file", "error", err, "path", path)
	}
}

func (c *Controller) notify(speaking bool) {
	c.mu.Lock()
	fn := c.changed
	c.mu.Unlock()
	if fn != nil {
		fn(speaking)
	}
}
