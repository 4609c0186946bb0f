// dynprot-chat runs the voice chat assistant as a local service.
// The session is driven over HTTP and websockets; replies are spoken
// through an external audio player.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-dynprot/internal/config"
	"github.com/teslashibe/go-dynprot/internal/httpc"
	dlog "github.com/teslashibe/go-dynprot/internal/log"
	"github.com/teslashibe/go-dynprot/pkg/capture"
	"github.com/teslashibe/go-dynprot/pkg/chat"
	"github.com/teslashibe/go-dynprot/pkg/dispatch"
	"github.com/teslashibe/go-dynprot/pkg/playback"
	"github.com/teslashibe/go-dynprot/pkg/session"
	"github.com/teslashibe/go-dynprot/pkg/transcript"
	"github.com/teslashibe/go-dynprot/pkg/tts"
	"github.com/teslashibe/go-dynprot/pkg/web"
)

type flags struct {
	debug   bool
	port    string
	noVoice bool
	history bool
}

func main() {
	f := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
	if f.port != "" {
		cfg.Port = f.port
	}
	if f.noVoice {
		cfg.VoiceEnabled = false
	}

	dlog.Init(cfg.LogLevel)
	logger := dlog.L()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api := httpc.NewBearerClient(cfg.Token, httpc.DefaultTimeout)

	synth, err := newSynthesizer(ctx, cfg, api, logger)
	if err != nil {
		log.Fatalf("❌ TTS setup failed: %v", err)
	}
	defer synth.Close()

	player, err := playback.New(synth,
		playback.WithDir(cfg.AudioDir),
		playback.WithPlayerFactory(playback.NewExecPlayerFactory(cfg.Player)),
		playback.WithLogger(dlog.For("playback")),
	)
	if err != nil {
		log.Fatalf("❌ Playback setup failed: %v", err)
	}

	svc, err := chat.NewClient(
		chat.WithBaseURL(cfg.APIURL),
		chat.WithHTTPClient(api),
		chat.WithLogger(dlog.For("chat")),
	)
	if err != nil {
		log.Fatalf("❌ Chat client setup failed: %v", err)
	}
	defer svc.Close()

	store := transcript.New()
	dispatcher, err := dispatch.New(svc, store,
		dispatch.WithUserID(cfg.UserID),
		dispatch.WithHistoryLimit(cfg.HistoryLimit),
		dispatch.WithLogger(dlog.For("dispatch")),
	)
	if err != nil {
		log.Fatalf("❌ Dispatcher setup failed: %v", err)
	}

	var (
		listener *capture.Controller
		deepgram *capture.Deepgram
	)
	if cfg.DeepgramAPIKey != "" {
		deepgram, err = capture.NewDeepgram(
			capture.WithDeepgramAPIKey(cfg.DeepgramAPIKey),
			capture.WithDeepgramLogger(dlog.For("capture.deepgram")),
		)
		if err != nil {
			log.Fatalf("❌ Speech recognition setup failed: %v", err)
		}
		listener, err = capture.New(deepgram,
			capture.WithSubmitDelay(cfg.AutoSubmitDelay),
			capture.WithLogger(dlog.For("capture")),
		)
		if err != nil {
			log.Fatalf("❌ Capture setup failed: %v", err)
		}
	} else {
		logger.Warn("DEEPGRAM_API_KEY not set, voice input disabled")
	}

	orch, err := session.New(store, dispatcher, player, listener,
		session.WithLocale(cfg.Locale),
		session.WithVoiceOutput(cfg.VoiceEnabled),
		session.WithLogger(dlog.For("session")),
	)
	if err != nil {
		log.Fatalf("❌ Session setup failed: %v", err)
	}
	defer orch.Close()

	if f.history {
		if err := orch.LoadHistory(ctx, cfg.HistoryLimit); err != nil {
			logger.Warn("history unavailable", "error", err)
		}
	}

	serverOpts := []web.Option{
		web.WithPort(cfg.Port),
		web.WithUploadDir(cfg.AudioDir),
		web.WithLogger(dlog.For("web")),
	}
	if deepgram != nil {
		serverOpts = append(serverOpts, web.WithAudioSink(deepgram))
	}
	server := web.NewServer(orch, serverOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("dynprot-chat ready",
		"port", cfg.Port,
		"locale", cfg.Locale,
		"voice_output", cfg.VoiceEnabled,
		"voice_input", listener != nil,
		"tts", len(synth.Providers()),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "error", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
}

func parseFlags() flags {
	var f flags
	flag.BoolVar(&f.debug, "debug", false, "Enable verbose debug logging")
	flag.StringVar(&f.port, "port", "", "HTTP port (overrides PORT env var)")
	flag.BoolVar(&f.noVoice, "no-voice", false, "Start with spoken replies disabled")
	flag.BoolVar(&f.history, "history", true, "Load recent conversation history at startup")
	flag.Parse()
	return f
}

// newSynthesizer chains the backend speech endpoint with any cloud
// providers that have credentials, in that order.
func newSynthesizer(ctx context.Context, cfg *config.Config, api *http.Client, logger *slog.Logger) (*tts.Chain, error) {
	var providers []tts.Provider

	backend, err := tts.NewBackend(
		tts.WithBaseURL(cfg.APIURL),
		tts.WithHTTPClient(api),
		tts.WithLanguage(cfg.Locale),
		tts.WithLogger(dlog.For("tts")),
	)
	if err != nil {
		return nil, err
	}
	providers = append(providers, backend)

	if cfg.GoogleTTSAPIKey != "" {
		google, err := tts.NewGoogle(ctx,
			tts.WithAPIKey(cfg.GoogleTTSAPIKey),
			tts.WithLanguage(cfg.Locale),
			tts.WithLogger(dlog.For("tts")),
		)
		if err != nil {
			logger.Warn("google tts unavailable", "error", err)
		} else {
			providers = append(providers, google)
		}
	}

	if cfg.OpenAIAPIKey != "" {
		openai, err := tts.NewOpenAI(
			tts.WithAPIKey(cfg.OpenAIAPIKey),
			tts.WithLogger(dlog.For("tts")),
		)
		if err != nil {
			logger.Warn("openai tts unavailable", "error", err)
		} else {
			providers = append(providers, openai)
		}
	}

	if len(providers) == 0 {
		return nil, errors.New("no tts provider configured")
	}
	return tts.NewChain(dlog.For("tts.chain"), providers...)
}
