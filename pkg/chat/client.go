package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/teslashibe/go-dynprot/internal/httpc"
	"github.com/teslashibe/go-dynprot/pkg/attachment"
	"github.com/teslashibe/go-dynprot/pkg/transcript"
)

const (
	messagePath      = "/chat/message"
	imageMessagePath = "/chat/message/image"
	historyPath      = "/chat/history/"
)

// Config holds client configuration.
type Config struct {
	BaseURL string

	// Token is sent as a bearer token when HTTPClient is not set.
	Token string

	Timeout    time.Duration
	HTTPClient *http.Client

	// Opener resolves attachments to their content.
	Opener attachment.Opener

	Logger *slog.Logger
}

// Option is a functional option for the client.
type Option func(*Config)

// WithBaseURL sets the API base URL, e.g. http://localhost:5001/api.
func WithBaseURL(u string) Option {
	return func(c *Config) {
		c.BaseURL = u
	}
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Config) {
		c.Token = token
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithOpener sets the attachment opener.
func WithOpener(o attachment.Opener) Option {
	return func(c *Config) {
		c.Opener = o
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout: httpc.DefaultTimeout,
		Opener:  attachment.FileOpener{},
		Logger:  slog.Default(),
	}
}

// Client talks to the chat service over HTTP.
type Client struct {
	base   string
	client *http.Client
	opener attachment.Opener
	logger *slog.Logger
}

// NewClient creates a chat client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpc.NewBearerClient(cfg.Token, cfg.Timeout)
	}
	if cfg.Opener == nil {
		cfg.Opener = attachment.FileOpener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: cfg.HTTPClient,
		opener: cfg.Opener,
		logger: cfg.Logger.With("component", "chat"),
	}, nil
}

type messageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// Send implements Service. Messages with an attachment are sent as
// multipart/form-data, others as JSON.
func (c *Client) Send(ctx context.Context, msg Message) (*Reply, error) {
	start := time.Now()

	var (
		req *http.Request
		err error
	)
	if msg.Attachment != nil {
		req, err = c.multipartRequest(ctx, msg)
	} else {
		req, err = c.jsonRequest(ctx, msg)
	}
	if err != nil {
		return nil, err
	}

	var reply Reply
	if err := c.do(req, &reply); err != nil {
		return nil, err
	}
	if !reply.Success {
		if reply.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
		}
		return nil, ErrRejected
	}

	c.logger.Debug("chat reply",
		"chars", len(reply.Response),
		"attachment", msg.Attachment != nil,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &reply, nil
}

func (c *Client) jsonRequest(ctx context.Context, msg Message) (*http.Request, error) {
	body, err := sonic.Marshal(messageRequest{UserID: msg.UserID, Message: msg.Text})
	if err != nil {
		return nil, fmt.Errorf("chat: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+messagePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) multipartRequest(ctx context.Context, msg Message) (*http.Request, error) {
	ref := *msg.Attachment
	src, err := c.opener.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("chat: open attachment: %w", err)
	}
	defer src.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("userId", msg.UserID); err != nil {
		return nil, fmt.Errorf("chat: write form: %w", err)
	}
	if err := w.WriteField("message", msg.Text); err != nil {
		return nil, fmt.Errorf("chat: write form: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, ref.Name()))
	h.Set("Content-Type", ref.Type())
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("chat: write form: %w", err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return nil, fmt.Errorf("chat: read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("chat: write form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+imageMessagePath, &buf)
	if err != nil {
		return nil, fmt.Errorf("chat: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

type historyEntry struct {
	Content   string            `json:"message_content"`
	Sender    transcript.Sender `json:"sender_type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]any    `json:"metadata"`
}

type historyResponse struct {
	Success  *bool          `json:"success,omitempty"`
	Messages []historyEntry `json:"messages"`
}

// History implements Service.
func (c *Client) History(ctx context.Context, userID string, limit int) ([]transcript.Turn, error) {
	if userID == "" {
		return nil, ErrNoUserID
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	u := c.base + historyPath + url.PathEscape(userID) + "?" + url.Values{
		"limit": {strconv.Itoa(limit)},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: create request: %w", err)
	}

	var out historyResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Success != nil && !*out.Success {
		return nil, ErrRejected
	}

	turns := make([]transcript.Turn, 0, len(out.Messages))
	for _, m := range out.Messages {
		turns = append(turns, transcript.Turn{
			Content:   m.Content,
			Sender:    m.Sender,
			Timestamp: m.Timestamp,
			Metadata:  m.Metadata,
		})
	}
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
	return turns, nil
}

// do sends req and decodes a JSON body into out. Non-2xx responses become
// *APIError carrying the body's error field when present.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("chat: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := fmt.Sprintf("HTTP error! status: %d", resp.StatusCode)
		if sonic.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		c.logger.Warn("chat request failed", "path", req.URL.Path, "status", resp.StatusCode, "error", msg)
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("chat: empty response from %s", req.URL.Path)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("chat: decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Verify Client implements Service at compile time.
var _ Service = (*Client)(nil)
