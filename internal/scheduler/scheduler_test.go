package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dalin7768/domainNameGuard/internal/checker"
	"github.com/dalin7768/domainNameGuard/internal/config"
	"github.com/dalin7768/domainNameGuard/internal/tracker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	chatID string
	text   string
}

// fakeSender records every send; err, when set, fails them all.
type fakeSender struct {
	mu    sync.Mutex
	sends []sentMessage
	err   error
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeSender) texts(chatID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sends {
		if s.chatID == chatID {
			out = append(out, s.text)
		}
	}
	return out
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func newTestScheduler(t *testing.T, content string) (*Scheduler, *fakeSender, *config.Manager) {
	t.Helper()
	mgr, err := config.NewManager(writeConfig(t, content), discardLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cfg := mgr.Snapshot()
	probe := checker.New(cfg.Check, cfg.Security, discardLogger())
	trk := tracker.New(filepath.Join(t.TempDir(), "errors.json"), 30, discardLogger())
	sender := &fakeSender{}
	return New(mgr, probe, trk, sender, discardLogger()), sender, mgr
}

func singleChatConfig(url, level string) string {
	return fmt.Sprintf(`{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": [%q],
  "check": {"timeout_seconds": 2, "retry_count": 0},
  "notification": {"level": %q, "cooldown_minutes": 0}
}`, url, level)
}

func TestRunCheck_AllHealthySummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, sender, _ := newTestScheduler(t, singleChatConfig(srv.URL, "all"))
	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}

	msgs := sender.texts("-100")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1: %q", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "✅ **全部正常**") {
		t.Errorf("summary missing all-clear header:\n%s", msgs[0])
	}

	st := s.Status()
	if st.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", st.Rounds)
	}
	if st.Last.Total != 1 || st.Last.Success != 1 || st.Last.Failed != 0 {
		t.Errorf("Last = %+v, want 1 total / 1 success", st.Last)
	}
	if !st.NextRun.After(st.LastCheck) {
		t.Errorf("NextRun %v not after LastCheck %v", st.NextRun, st.LastCheck)
	}
	if st.Checking {
		t.Error("Checking should be false after the round")
	}
}

func TestRunCheck_ErrorLevelQuietWhenHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, sender, _ := newTestScheduler(t, singleChatConfig(srv.URL, "error"))
	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}
	if sender.count() != 0 {
		t.Errorf("healthy run at level error sent %d messages, want 0", sender.count())
	}
}

func TestRunCheck_ErrorLevelReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, sender, _ := newTestScheduler(t, singleChatConfig(srv.URL, "error"))
	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}

	msgs := sender.texts("-100")
	if len(msgs) == 0 {
		t.Fatal("failing run at level error sent nothing")
	}
	if !strings.Contains(msgs[0], "❌ 异常域名: 1 个") {
		t.Errorf("summary missing failure count:\n%s", msgs[0])
	}
}

func TestRunCheck_SmartDeltaThenReminder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, sender, _ := newTestScheduler(t, singleChatConfig(srv.URL, "smart"))

	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("first RunCheck() error = %v", err)
	}
	msgs := sender.texts("-100")
	if len(msgs) != 1 {
		t.Fatalf("after first round got %d messages, want 1: %q", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "🆕 **新出现问题 (1个)**") {
		t.Errorf("first round should announce the new error:\n%s", msgs[0])
	}

	// Same failure again: no set change, but it is unacknowledged and the
	// cooldown is zero, so a reminder goes out.
	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("second RunCheck() error = %v", err)
	}
	msgs = sender.texts("-100")
	if len(msgs) != 2 {
		t.Fatalf("after second round got %d messages, want 2", len(msgs))
	}
	if !strings.Contains(msgs[1], "🔴 **持续异常**: 仍有 1 个域名未恢复") {
		t.Errorf("second round should remind about the lingering error:\n%s", msgs[1])
	}
	if strings.Contains(msgs[1], "新出现问题") {
		t.Errorf("reminder should not re-announce the error as new:\n%s", msgs[1])
	}
}

func TestRunCheck_SmartRecoveryNotice(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, sender, _ := newTestScheduler(t, singleChatConfig(srv.URL, "smart"))

	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("first RunCheck() error = %v", err)
	}
	failing.Store(false)
	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("second RunCheck() error = %v", err)
	}

	msgs := sender.texts("-100")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %q", len(msgs), msgs)
	}
	if !strings.Contains(msgs[1], "✅ **已恢复正常 (1个)**") {
		t.Errorf("recovery round should announce the comeback:\n%s", msgs[1])
	}
}

func TestRunCheck_RecoveryNoticeDisabled(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	content := fmt.Sprintf(`{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": [%q],
  "check": {"timeout_seconds": 2, "retry_count": 0},
  "notification": {"level": "smart", "cooldown_minutes": 0, "notify_on_recovery": false}
}`, srv.URL)
	s, sender, _ := newTestScheduler(t, content)

	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("first RunCheck() error = %v", err)
	}
	failing.Store(false)
	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("second RunCheck() error = %v", err)
	}

	// Only the initial error notice: the recovery is deliberately silent and
	// nothing is left unacknowledged.
	if got := sender.count(); got != 1 {
		t.Errorf("got %d messages, want 1: %q", got, sender.texts("-100"))
	}
}

func TestRunCheck_ManualSendsStartNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Level smart would keep a healthy scheduled run silent; a manual run
	// still reports in full, preceded by the kickoff notice.
	s, sender, _ := newTestScheduler(t, singleChatConfig(srv.URL, "smart"))
	if err := s.RunCheck(context.Background(), true); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}

	msgs := sender.texts("-100")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want start notice plus summary: %q", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "🔍 **域名检查启动**") {
		t.Errorf("first message should be the kickoff notice:\n%s", msgs[0])
	}
	if !strings.Contains(msgs[1], "✅ **全部正常**") {
		t.Errorf("second message should be the summary:\n%s", msgs[1])
	}
}

func TestRunCheck_NoEndpoints(t *testing.T) {
	content := `{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": []
}`
	s, sender, _ := newTestScheduler(t, content)
	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}
	if sender.count() != 0 {
		t.Errorf("empty watch list sent %d messages, want 0", sender.count())
	}
	if got := s.Status().Rounds; got != 0 {
		t.Errorf("Rounds = %d, want 0", got)
	}
}

func TestRunCheck_GroupRoutesAreScoped(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	content := fmt.Sprintf(`{
  "telegram": {
    "bot_token": "123:tok",
    "chat_id": "-100",
    "groups": {
      "-200": {"name": "shop", "domains": [%q]},
      "-300": {"name": "blog", "domains": [%q]}
    }
  },
  "domains": [],
  "check": {"timeout_seconds": 2, "retry_count": 0},
  "notification": {"level": "all"}
}`, badSrv.URL, okSrv.URL)
	s, sender, _ := newTestScheduler(t, content)

	if err := s.RunCheck(context.Background(), false); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}

	shop := sender.texts("-200")
	if len(shop) != 1 || !strings.Contains(shop[0], "❌ 异常域名: 1 个") {
		t.Errorf("shop group should see its failure: %q", shop)
	}
	blog := sender.texts("-300")
	if len(blog) != 1 || !strings.Contains(blog[0], "✅ **全部正常**") {
		t.Errorf("blog group should see all clear: %q", blog)
	}
	if blog != nil && strings.Contains(blog[0], badSrv.URL) {
		t.Errorf("blog group report leaked another group's endpoint:\n%s", blog[0])
	}
	if primary := sender.texts("-100"); len(primary) != 0 {
		t.Errorf("primary chat has no route when groups exist, got %q", primary)
	}
}

func TestStopCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	content := fmt.Sprintf(`{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": [%q],
  "check": {"timeout_seconds": 60, "retry_count": 0},
  "notification": {"level": "error"}
}`, srv.URL)
	s, _, _ := newTestScheduler(t, content)

	if s.StopCheck() {
		t.Error("StopCheck() with nothing in flight should report false")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.RunCheck(context.Background(), false) }()

	deadline := time.After(5 * time.Second)
	for !s.Checking() {
		select {
		case <-deadline:
			t.Fatal("round never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !s.StopCheck() {
		t.Error("StopCheck() with a round in flight should report true")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunCheck() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled round did not return")
	}
	if s.Checking() {
		t.Error("Checking() should be false once the round returned")
	}
}

func TestRunCheck_NewestRequestWins(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// First probe hangs until the manual check cancels it.
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	content := fmt.Sprintf(`{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": [%q],
  "check": {"timeout_seconds": 60, "retry_count": 0, "show_eta": false},
  "notification": {"level": "all"}
}`, srv.URL)
	s, sender, _ := newTestScheduler(t, content)

	errCh := make(chan error, 1)
	go func() { errCh <- s.RunCheck(context.Background(), false) }()

	deadline := time.After(5 * time.Second)
	for !s.Checking() {
		select {
		case <-deadline:
			t.Fatal("round never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.RunCheck(context.Background(), true); err != nil {
		t.Fatalf("manual RunCheck() error = %v", err)
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("preempted round error = %v, want context.Canceled", err)
	}

	msgs := sender.texts("-100")
	if len(msgs) != 1 || !strings.Contains(msgs[0], "✅ **全部正常**") {
		t.Errorf("manual round should deliver the only summary: %q", msgs)
	}
}

func TestReload_IntervalRestart(t *testing.T) {
	base := `{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": ["example.com"],
  "check": {"interval_minutes": %d}
}`
	s, _, mgr := newTestScheduler(t, fmt.Sprintf(base, 30))

	if err := os.WriteFile(mgr.Path(), []byte(fmt.Sprintf(base, 15)), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	oldIv, newIv, err := s.Reload()
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if oldIv != 30 || newIv != 15 {
		t.Errorf("Reload() = (%d, %d), want (30, 15)", oldIv, newIv)
	}
	select {
	case <-s.rescheduled:
	default:
		t.Error("interval change should restart the cycle timer")
	}

	// Unchanged interval leaves the running timer alone.
	oldIv, newIv, err = s.Reload()
	if err != nil {
		t.Fatalf("second Reload() error = %v", err)
	}
	if oldIv != 15 || newIv != 15 {
		t.Errorf("second Reload() = (%d, %d), want (15, 15)", oldIv, newIv)
	}
	select {
	case <-s.rescheduled:
		t.Error("unchanged interval should not restart the cycle timer")
	default:
	}
}

func TestRouteScope_MatchesByHost(t *testing.T) {
	// Results carry normalized probe URLs, so the scope has to match the
	// host however the operator spelled the endpoint.
	scope := newRouteScope([]string{
		"example.com",
		"https://api.example.com/health",
		"ws.chat.example.com",
	})

	results := []checker.Result{
		{Domain: "example.com", URL: "https://example.com"},
		{Domain: "api.example.com", URL: "https://api.example.com/health"},
		{Domain: "ws.chat.example.com", URL: "wss://ws.chat.example.com"},
		{Domain: "other.com", URL: "https://other.com"},
	}
	got := scope.filter(results)
	if len(got) != 3 {
		t.Fatalf("filter kept %d results, want 3", len(got))
	}
	for _, r := range got {
		if r.Domain == "other.com" {
			t.Error("filter kept an endpoint outside the route")
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, sender, _ := newTestScheduler(t, `{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": []
}`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want deadline exceeded", err)
	}
	if sender.count() != 0 {
		t.Errorf("idle loop sent %d messages, want 0", sender.count())
	}
}

func TestReload_BadConfigKeepsOld(t *testing.T) {
	s, _, mgr := newTestScheduler(t, `{
  "telegram": {"bot_token": "123:tok", "chat_id": "-100"},
  "domains": ["example.com"]
}`)

	if err := os.WriteFile(mgr.Path(), []byte(`{"telegram": {}}`), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	oldIv, newIv, err := s.Reload()
	if err == nil {
		t.Fatal("Reload() with an invalid file should fail")
	}
	if oldIv != 30 || newIv != 30 {
		t.Errorf("failed Reload() = (%d, %d), want interval untouched (30, 30)", oldIv, newIv)
	}
	if got := mgr.Snapshot().Telegram.BotToken; got != "123:tok" {
		t.Errorf("failed reload replaced the live config, BotToken = %q", got)
	}
}
