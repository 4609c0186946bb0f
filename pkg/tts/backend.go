package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	providerBackend   = "backend"
	backendSpeechPath = "/chat/speech"
)

// Backend implements Provider against the application's own speech
// endpoint: POST {text} returns {success, audioContent} where audioContent
// is base64-encoded MP3.
type Backend struct {
	config *Config
	client *http.Client
	logger *slog.Logger
	url    string
}

type backendRequest struct {
	Text string `json:"text"`
}

type backendResponse struct {
	Success      bool   `json:"success"`
	AudioContent string `json:"audioContent"`
	Error        string `json:"error,omitempty"`
}

// NewBackend creates a provider for the application speech endpoint.
// WithBaseURL is required; authentication is carried by WithHTTPClient.
func NewBackend(opts ...Option) (*Backend, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}

	return &Backend{
		config: cfg,
		client: cfg.client(),
		logger: cfg.Logger.With("component", "tts.backend"),
		url:    strings.TrimRight(cfg.BaseURL, "/") + backendSpeechPath,
	}, nil
}

// Synthesize requests speech for text and decodes the base64 payload.
func (b *Backend) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	body, err := sonic.Marshal(backendRequest{Text: text})
	if err != nil {
		return nil, WrapError(providerBackend, fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := doWithRetry(ctx, b.config, b.client, b.logger, providerBackend, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(providerBackend, resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerBackend, fmt.Errorf("read response: %w", err))
	}

	var out backendResponse
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, WrapError(providerBackend, fmt.Errorf("decode response: %w", err))
	}
	if !out.Success || out.AudioContent == "" {
		return nil, WrapError(providerBackend, ErrNoAudio)
	}

	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, WrapError(providerBackend, fmt.Errorf("decode audio: %w", err))
	}

	latency := elapsedMs(start)
	b.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
	)

	return &AudioResult{
		Audio:     audio,
		Format:    MP3Format,
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Health is a no-op: the speech endpoint has no probe route.
func (b *Backend) Health(ctx context.Context) error {
	return nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Verify Backend implements Provider at compile time.
var _ Provider = (*Backend)(nil)
