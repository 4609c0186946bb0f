package chat_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/teslashibe/go-dynprot/pkg/attachment"
	"github.com/teslashibe/go-dynprot/pkg/chat"
	"github.com/teslashibe/go-dynprot/pkg/transcript"
)

func newClient(t *testing.T, srv *httptest.Server, opts ...chat.Option) *chat.Client {
	t.Helper()
	opts = append([]chat.Option{chat.WithBaseURL(srv.URL + "/api"), chat.WithToken("secret")}, opts...)
	c, err := chat.NewClient(opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient(t *testing.T) {
	if _, err := chat.NewClient(); !errors.Is(err, chat.ErrNoBaseURL) {
		t.Errorf("NewClient() = %v, want ErrNoBaseURL", err)
	}
}

func TestSendJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/message" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]string
		raw, _ := io.ReadAll(r.Body)
		if err := sonic.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["userId"] != "u-42" || body["message"] != "J'ai mangé 30g de poulet" {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"response":"Bien noté, 30g ajoutés.","analysis":{"protein":30}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	reply, err := c.Send(context.Background(), chat.Message{UserID: "u-42", Text: "J'ai mangé 30g de poulet"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Response != "Bien noté, 30g ajoutés." {
		t.Errorf("Response = %q", reply.Response)
	}
	if reply.Analysis["protein"] != float64(30) {
		t.Errorf("Analysis = %v", reply.Analysis)
	}
}

func TestSendMultipart(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "x.jpg")
	if err := os.WriteFile(imgPath, []byte("\xff\xd8\xff jpeg bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/message/image" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("userId") != "u-42" {
			t.Errorf("userId = %q", r.FormValue("userId"))
		}
		if _, ok := r.MultipartForm.Value["message"]; !ok || r.FormValue("message") != "" {
			t.Errorf("message field = %v", r.MultipartForm.Value["message"])
		}
		file, hdr, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("image part: %v", err)
		}
		defer file.Close()
		if hdr.Filename != "x.jpg" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("part Content-Type = %q", ct)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "\xff\xd8\xff jpeg bytes" {
			t.Errorf("image bytes = %q", data)
		}
		_, _ = w.Write([]byte(`{"success":true,"response":"Une belle assiette."}`))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	reply, err := c.Send(context.Background(), chat.Message{
		UserID:     "u-42",
		Attachment: &attachment.Ref{URI: imgPath, MediaType: "image/png"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Response != "Une belle assiette." {
		t.Errorf("Response = %q", reply.Response)
	}
}

func TestSendAttachmentOpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.Send(context.Background(), chat.Message{
		UserID:     "u-42",
		Attachment: &attachment.Ref{URI: "content://media/1"},
	})
	if !errors.Is(err, attachment.ErrUnsupportedURI) {
		t.Errorf("Send = %v, want ErrUnsupportedURI", err)
	}
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantAPI  bool
		wantMsg  string
		rejected bool
	}{
		{name: "error field", status: 400, body: `{"error":"Message requis"}`, wantAPI: true, wantMsg: "Message requis"},
		{name: "no body", status: 502, body: ``, wantAPI: true, wantMsg: "HTTP error! status: 502"},
		{name: "not json", status: 500, body: `<html>oops</html>`, wantAPI: true, wantMsg: "HTTP error! status: 500"},
		{name: "unsuccessful", status: 200, body: `{"success":false,"error":"quota"}`, rejected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newClient(t, srv)
			_, err := c.Send(context.Background(), chat.Message{UserID: "u", Text: "bonjour"})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.rejected && !errors.Is(err, chat.ErrRejected) {
				t.Errorf("err = %v, want ErrRejected", err)
			}
			if tt.wantAPI {
				var apiErr *chat.APIError
				if !errors.As(err, &apiErr) {
					t.Fatalf("err = %v, want *APIError", err)
				}
				if apiErr.StatusCode != tt.status || apiErr.Message != tt.wantMsg {
					t.Errorf("APIError = %+v", apiErr)
				}
			}
		})
	}
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/history/u-42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "20" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		_, _ = w.Write([]byte(`{"messages":[
			{"id":7,"message_content":"Bien noté.","sender_type":"ai","timestamp":"2026-01-02T10:00:05Z","metadata":{"protein":30}},
			{"id":6,"message_content":"30g de poulet","sender_type":"user","timestamp":"2026-01-02T10:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	turns, err := c.History(context.Background(), "u-42", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d", len(turns))
	}
	if turns[0].Sender != transcript.SenderUser || turns[1].Sender != transcript.SenderAssistant {
		t.Errorf("turns not ordered oldest first: %+v", turns)
	}
	if turns[1].Metadata["protein"] != float64(30) {
		t.Errorf("metadata = %v", turns[1].Metadata)
	}

	if _, err := c.History(context.Background(), "", 5); !errors.Is(err, chat.ErrNoUserID) {
		t.Errorf("History without user = %v", err)
	}
}

func TestMock(t *testing.T) {
	m := chat.NewMock("ok")
	reply, err := m.Send(context.Background(), chat.Message{UserID: "u", Text: "salut"})
	if err != nil || reply.Response != "ok" {
		t.Fatalf("Send = %v, %v", reply, err)
	}
	if got := m.Messages(); len(got) != 1 || got[0].Text != "salut" {
		t.Errorf("Messages = %+v", got)
	}
}
