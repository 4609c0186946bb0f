package capture_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-dynprot/pkg/capture"
)

type fakeDeepgram struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	auth   string
	query  string
	audio  int
	closed bool
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.query = r.URL.RawQuery
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			f.mu.Lock()
			f.audio++
			first := f.audio == 1
			f.mu.Unlock()
			if first {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SpeechStarted","channel":[0],"timestamp":0.1}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"J'ai mangé"}]}}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"J'ai mangé"}]}}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"30g de poulet"}]}}`))
			}
			continue
		}
		if strings.Contains(string(data), "CloseStream") {
			f.mu.Lock()
			f.closed = true
			f.mu.Unlock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type signals struct {
	mu  sync.Mutex
	got []capture.Signal
	end chan struct{}
}

func newSignals() *signals {
	return &signals{end: make(chan struct{}, 1)}
}

func (s *signals) emit(sig capture.Signal) {
	s.mu.Lock()
	s.got = append(s.got, sig)
	s.mu.Unlock()
	if sig.Kind == capture.SignalSpeechEnd || sig.Kind == capture.SignalError {
		s.end <- struct{}{}
	}
}

func (s *signals) snapshot() []capture.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.Signal(nil), s.got...)
}

func TestNewDeepgram(t *testing.T) {
	if _, err := capture.NewDeepgram(); !errors.Is(err, capture.ErrNoAPIKey) {
		t.Errorf("NewDeepgram() = %v, want ErrNoAPIKey", err)
	}
	if _, err := capture.NewDeepgram(capture.WithDeepgramAPIKey("k"), capture.WithDeepgramSampleRate(0)); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestDeepgramSession(t *testing.T) {
	fake := &fakeDeepgram{t: t}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dg, err := capture.NewDeepgram(
		capture.WithDeepgramAPIKey("dg-key"),
		capture.WithDeepgramURL(wsURL(srv)),
		capture.WithDeepgramCloseTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}

	if err := dg.Write([]byte{0, 0}); !errors.Is(err, capture.ErrNotListening) {
		t.Errorf("Write before Start = %v, want ErrNotListening", err)
	}

	sigs := newSignals()
	if err := dg.Start(context.Background(), "fr-FR", sigs.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !dg.Listening() {
		t.Error("expected Listening after Start")
	}
	if err := dg.Write(make([]byte, 320)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var final bool
		for _, s := range sigs.snapshot() {
			if s.Kind == capture.SignalResult && s.Final {
				final = true
			}
		}
		if final {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no final result; got %+v", sigs.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := dg.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-sigs.end:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	got := sigs.snapshot()
	if got[0].Kind != capture.SignalSpeechStart {
		t.Errorf("first signal = %+v, want speech start", got[0])
	}
	var finals []string
	var sawPartial bool
	for _, s := range got {
		if s.Kind == capture.SignalResult && s.Final {
			finals = append(finals, s.Text)
		}
		if s.Kind == capture.SignalResult && !s.Final {
			sawPartial = true
		}
	}
	if len(finals) != 1 || finals[0] != "J'ai mangé 30g de poulet" {
		t.Errorf("finals = %q", finals)
	}
	if !sawPartial {
		t.Error("expected a partial result")
	}
	if last := got[len(got)-1]; last.Kind != capture.SignalSpeechEnd {
		t.Errorf("last signal = %+v, want speech end", last)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.auth != "Token dg-key" {
		t.Errorf("Authorization = %q", fake.auth)
	}
	for _, want := range []string{"language=fr-FR", "encoding=linear16", "sample_rate=16000"} {
		if !strings.Contains(fake.query, want) {
			t.Errorf("query %q missing %q", fake.query, want)
		}
	}
	if !fake.closed {
		t.Error("CloseStream was not sent")
	}
	if dg.Listening() {
		t.Error("expected not listening after end")
	}
}

func TestDeepgramConnectionLost(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"))
		conn.Close()
	}))
	defer srv.Close()

	dg, err := capture.NewDeepgram(capture.WithDeepgramAPIKey("k"), capture.WithDeepgramURL(wsURL(srv)))
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}
	sigs := newSignals()
	if err := dg.Start(context.Background(), "fr-FR", sigs.emit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-sigs.end:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal signal")
	}
	got := sigs.snapshot()
	if last := got[len(got)-1]; last.Kind != capture.SignalError {
		t.Errorf("last signal = %+v, want error", last)
	}
}

func TestDeepgramDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	dg, err := capture.NewDeepgram(capture.WithDeepgramAPIKey("bad"), capture.WithDeepgramURL(wsURL(srv)))
	if err != nil {
		t.Fatalf("NewDeepgram: %v", err)
	}
	rec, err := capture.New(dg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rec.Start(context.Background(), "fr-FR"); !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Errorf("Start = %v, want ErrCaptureUnavailable", err)
	}
	if rec.State() != capture.Idle {
		t.Error("expected idle after failed start")
	}
}
