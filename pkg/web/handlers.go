package web

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-dynprot/pkg/attachment"
	"github.com/teslashibe/go-dynprot/pkg/capture"
	"github.com/teslashibe/go-dynprot/pkg/dispatch"
	"github.com/teslashibe/go-dynprot/pkg/hub"
	"github.com/teslashibe/go-dynprot/pkg/pcm"
	"github.com/teslashibe/go-dynprot/pkg/session"
)

// SendMessageRequest is the JSON body of POST /api/session/messages.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// VoiceRequest is the body of POST /api/session/voice.
type VoiceRequest struct {
	Enabled bool `json:"enabled"`
}

// DraftRequest is the body of PUT /api/session/capture/draft.
type DraftRequest struct {
	Text string `json:"text"`
}

// HealthResponse reports the event relay status.
type HealthResponse struct {
	Status       string `json:"status"`
	EventsActive bool   `json:"eventsActive"`
	Clients      int    `json:"clients"`
}

// HistoryRequest is the optional body of POST /api/session/history.
type HistoryRequest struct {
	Limit int `json:"limit"`
}

// handleState returns the session state
func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(s.session.State())
}

// handleTranscript returns every turn
func (s *Server) handleTranscript(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"messages": s.session.Transcript().All()})
}

// handleSendMessage accepts JSON {message} or a multipart form with
// message and an optional image part.
func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var (
		text string
		ref  *attachment.Ref
	)

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		text = c.FormValue("message")
		saved, err := s.saveUpload(c)
		if err != nil {
			return err
		}
		if saved != nil {
			ref = saved
			defer func() {
				if err := os.Remove(saved.URI); err != nil {
					s.logger.Debug("remove upload", "error", err)
				}
			}()
		}
	} else {
		var req SendMessageRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
		text = req.Message
	}

	if err := s.session.Send(c.UserContext(), text, ref); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"state":    s.session.State(),
		"messages": s.session.Transcript().All(),
	})
}

func (s *Server) saveUpload(c *fiber.Ctx) (*attachment.Ref, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		// No image part.
		return nil, nil
	}

	ext := filepath.Ext(fh.Filename)
	path := filepath.Join(s.uploadDir, "upload_"+uuid.NewString()+ext)
	if err := c.SaveFile(fh, path); err != nil {
		s.logger.Warn("save upload failed", "error", err)
		return nil, fiber.NewError(fiber.StatusInternalServerError, "could not store image")
	}

	return &attachment.Ref{
		URI:       path,
		MediaType: fh.Header.Get(fiber.HeaderContentType),
		Filename:  fh.Filename,
	}, nil
}

// handleVoice toggles reply playback
func (s *Server) handleVoice(c *fiber.Ctx) error {
	var req VoiceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	s.session.SetVoiceOutput(req.Enabled)
	return c.JSON(s.session.State())
}

func (s *Server) handleCaptureStart(c *fiber.Ctx) error {
	if err := s.session.StartCapture(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(s.session.State())
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:       "ok",
		EventsActive: s.events.IsRunning(),
		Clients:      s.events.ClientCount(),
	})
}

// handleGetDraft returns the dictated text waiting for auto-submit.
func (s *Server) handleGetDraft(c *fiber.Ctx) error {
	return c.JSON(DraftRequest{Text: s.session.Draft()})
}

// handleSetDraft lets the user correct dictated text before it is sent.
func (s *Server) handleSetDraft(c *fiber.Ctx) error {
	var req DraftRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	s.session.SetDraft(req.Text)
	return c.JSON(DraftRequest{Text: s.session.Draft()})
}

func (s *Server) handleCaptureStop(c *fiber.Ctx) error {
	if err := s.session.StopCapture(); err != nil {
		s.logger.Warn("stop capture", "error", err)
	}
	return c.JSON(s.session.State())
}

func (s *Server) handleReset(c *fiber.Ctx) error {
	s.session.Reset()
	return c.JSON(s.session.State())
}

// handleHistory loads stored history, limit from body or ?limit=
func (s *Server) handleHistory(c *fiber.Ctx) error {
	var req HistoryRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
	}
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid limit")
		}
		req.Limit = n
	}

	if err := s.session.LoadHistory(c.UserContext(), req.Limit); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": s.session.Transcript().All()})
}

// handleError maps domain errors to status codes
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, dispatch.ErrEmptyMessage):
		code = fiber.StatusBadRequest
	case errors.Is(err, session.ErrBusySending), errors.Is(err, session.ErrBusySpeaking):
		code = fiber.StatusConflict
	case errors.Is(err, capture.ErrCaptureUnavailable):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, session.ErrClosed):
		code = fiber.StatusGone
	default:
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// handleEventsWS streams session events, starting with the current state
func (s *Server) handleEventsWS(c *websocket.Conn) {
	st := s.session.State()
	initial, err := hub.EncodeJSON(Event{Type: EventState, State: &st})
	if err != nil {
		s.logger.Warn("encode state", "error", err)
		return
	}
	client := hub.NewClient(s.events, c, initial)
	client.Run()
	s.logger.Debug("events client left", "clients", s.events.ClientCount())
}

// handleAudioWS forwards binary PCM16 frames to the recognizer while
// capture is listening. Frames arriving while idle are dropped. Clients
// streaming a different format declare it with ?rate= and ?channels=.
func (s *Server) handleAudioWS(c *websocket.Conn) {
	from := pcm.Format{
		SampleRate: queryInt(c.Query("rate"), s.audioFmt.SampleRate),
		Channels:   queryInt(c.Query("channels"), s.audioFmt.Channels),
	}
	sink, err := pcm.NewSink(s.audio, from, s.audioFmt)
	if err != nil {
		s.logger.Warn("audio stream rejected", "error", err)
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error()))
		return
	}

	var dropped int
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := sink.Write(data); err != nil {
			if errors.Is(err, capture.ErrNotListening) {
				dropped++
				continue
			}
			s.logger.Warn("forward audio", "error", err)
		}
	}
	if dropped > 0 {
		s.logger.Debug("audio frames dropped while idle", "frames", dropped)
	}
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
