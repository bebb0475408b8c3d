package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sony/gobreaker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// botAPIStub fakes the Bot API: it records sendMessage bodies and lets a
// test script the response per request.
type botAPIStub struct {
	mu     sync.Mutex
	sends  []sendMessageRequest
	handle func(req sendMessageRequest) (int, string)
}

func (b *botAPIStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bot123:tok/") {
			t.Errorf("request path %q missing bot token prefix", r.URL.Path)
		}
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding sendMessage body: %v", err)
		}
		b.mu.Lock()
		b.sends = append(b.sends, req)
		b.mu.Unlock()

		status, body := http.StatusOK, `{"ok":true,"result":{}}`
		if b.handle != nil {
			status, body = b.handle(req)
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
}

func (b *botAPIStub) recorded() []sendMessageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sendMessageRequest(nil), b.sends...)
}

func TestSendMessage(t *testing.T) {
	stub := &botAPIStub{}
	srv := stub.server(t)
	defer srv.Close()

	c := NewClient(srv.URL, "123:tok", discardLogger())
	if err := c.SendMessage(context.Background(), "-100", "**hello**"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	sends := stub.recorded()
	if len(sends) != 1 {
		t.Fatalf("got %d requests, want 1", len(sends))
	}
	got := sends[0]
	if got.ChatID != "-100" || got.Text != "**hello**" {
		t.Errorf("request = %+v", got)
	}
	if got.ParseMode != "Markdown" {
		t.Errorf("ParseMode = %q, want Markdown", got.ParseMode)
	}
	if !got.DisableWebPagePreview {
		t.Error("link previews should be disabled")
	}
}

func TestSendMessage_MarkdownFallback(t *testing.T) {
	stub := &botAPIStub{}
	stub.handle = func(req sendMessageRequest) (int, string) {
		if req.ParseMode == "Markdown" {
			return http.StatusBadRequest, `{"ok":false,"description":"can't parse entities"}`
		}
		return http.StatusOK, `{"ok":true,"result":{}}`
	}
	srv := stub.server(t)
	defer srv.Close()

	c := NewClient(srv.URL, "123:tok", discardLogger())
	if err := c.SendMessage(context.Background(), "-100", "broken [markdown"); err != nil {
		t.Fatalf("SendMessage() error = %v, want plain-text fallback to succeed", err)
	}

	sends := stub.recorded()
	if len(sends) != 2 {
		t.Fatalf("got %d requests, want markdown try plus plain retry", len(sends))
	}
	if sends[0].ParseMode != "Markdown" || sends[1].ParseMode != "" {
		t.Errorf("parse modes = %q, %q; want Markdown then plain", sends[0].ParseMode, sends[1].ParseMode)
	}
}

func TestSendMessage_TruncatesLongText(t *testing.T) {
	stub := &botAPIStub{}
	srv := stub.server(t)
	defer srv.Close()

	c := NewClient(srv.URL, "123:tok", discardLogger())
	long := strings.Repeat("错", maxMessageLen+500)
	if err := c.SendMessage(context.Background(), "-100", long); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	sends := stub.recorded()
	if len(sends) != 1 {
		t.Fatalf("got %d requests, want 1", len(sends))
	}
	sent := []rune(sends[0].Text)
	if len(sent) > maxMessageLen {
		t.Errorf("sent %d runes, cap is %d", len(sent), maxMessageLen)
	}
	if !strings.HasSuffix(sends[0].Text, truncateNotice) {
		t.Error("truncated message should end with the truncation notice")
	}
}

func TestSendMessage_BreakerOpensOnServerErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"ok":false,"description":"bad gateway"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "123:tok", discardLogger())
	for i := 0; i < 6; i++ {
		if err := c.SendMessage(context.Background(), "-100", "x"); err == nil {
			t.Fatalf("send %d should fail", i+1)
		}
	}

	// Six straight server failures trip the breaker; the next send is
	// rejected locally.
	before := hits
	err := c.SendMessage(context.Background(), "-100", "x")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("error = %v, want open breaker", err)
	}
	if hits != before {
		t.Errorf("open breaker still reached the server (%d -> %d hits)", before, hits)
	}
}

func TestGetUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("offset"); got != "42" {
			t.Errorf("offset = %q, want 42", got)
		}
		io.WriteString(w, `{"ok":true,"result":[
			{"update_id":42,"message":{"message_id":7,"text":"/status","chat":{"id":-100},"from":{"id":5,"username":"ops"}}},
			{"update_id":43,"message":{"message_id":8,"text":"hi","chat":{"id":-100}}}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "123:tok", discardLogger())
	updates, err := c.GetUpdates(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(updates))
	}
	first := updates[0]
	if first.UpdateID != 42 || first.Message == nil || first.Message.Text != "/status" {
		t.Errorf("first update = %+v", first)
	}
	if first.Message.Chat.ID != -100 || first.Message.From.Username != "ops" {
		t.Errorf("first message routing = %+v", first.Message)
	}
	if updates[1].Message.From != nil {
		t.Error("second update should have no sender")
	}
}

func TestGetMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getMe") {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"ok":true,"result":{"id":99,"username":"guard_bot"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "123:tok", discardLogger())
	me, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe() error = %v", err)
	}
	if me.ID != 99 || me.Username != "guard_bot" {
		t.Errorf("GetMe() = %+v", me)
	}
}

func TestGetMe_BadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"ok":false,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "123:tok", discardLogger())
	if _, err := c.GetMe(context.Background()); err == nil {
		t.Fatal("GetMe() with a rejected token should fail")
	}
}
