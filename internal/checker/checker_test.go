package checker

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dalin7768/domainNameGuard/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChecker(timeoutSec, retries, delaySec, width int) *Checker {
	return New(config.CheckConfig{
		TimeoutSeconds:    timeoutSec,
		RetryCount:        retries,
		RetryDelaySeconds: delaySec,
		MaxConcurrent:     width,
	}, config.SecurityConfig{}, discardLogger())
}

func TestResolveProbe(t *testing.T) {
	tests := []struct {
		raw     string
		tryHTTP bool
		wantURL string
		wantWS  bool
	}{
		{"example.com", false, "https://example.com", false},
		{"example.com", true, "http://example.com", false},
		{"http://example.com", false, "http://example.com", false},
		{"https://example.com", false, "https://example.com", false},
		{"https://example.com", true, "https://example.com", false},
		{"ws://chat.example.com", false, "ws://chat.example.com", true},
		{"wss://chat.example.com", false, "wss://chat.example.com", true},
		{"ws.example.com", false, "wss://ws.example.com", true},
		{"ws.example.com", true, "wss://ws.example.com", true},
		{"wshop.example.com", false, "https://wshop.example.com", false},
	}
	for _, tt := range tests {
		gotURL, gotWS := resolveProbe(tt.raw, tt.tryHTTP)
		if gotURL != tt.wantURL || gotWS != tt.wantWS {
			t.Errorf("resolveProbe(%q, %v) = (%q, %v), want (%q, %v)",
				tt.raw, tt.tryHTTP, gotURL, gotWS, tt.wantURL, tt.wantWS)
		}
	}
}

func TestDowngradeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com", "http://example.com"},
		{"example.com", "example.com"},
		{"http://example.com", "http://example.com"},
	}
	for _, tt := range tests {
		if got := downgradeAddress(tt.in); got != tt.want {
			t.Errorf("downgradeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		probeURL string
		original string
		want     string
	}{
		{"https://example.com/path", "example.com/path", "example.com"},
		{"https://example.com:8443", "example.com:8443", "example.com:8443"},
		{"wss://ws.example.com", "ws.example.com", "ws.example.com"},
	}
	for _, tt := range tests {
		if got := displayName(tt.probeURL, tt.original); got != tt.want {
			t.Errorf("displayName(%q, %q) = %q, want %q", tt.probeURL, tt.original, got, tt.want)
		}
	}
}

func TestCheckOnce_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantStatus Status
	}{
		{"ok", 200, StatusSuccess},
		{"no content", 204, StatusSuccess},
		{"forbidden still up", 403, StatusSuccess},
		{"unauthorized still up", 401, StatusSuccess},
		{"not found", 404, StatusHTTPError},
		{"service unavailable", 503, StatusHTTPError},
		{"bad gateway", 502, StatusHTTPError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			c := newTestChecker(5, 0, 0, 2)
			res := c.CheckOnce(context.Background(), srv.URL, false)

			if res.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", res.Status, tt.wantStatus)
			}
			if res.StatusCode != tt.code {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.code)
			}
			if tt.wantStatus == StatusHTTPError && !strings.Contains(res.ErrorMessage, "状态码") {
				t.Errorf("ErrorMessage = %q, want status code text", res.ErrorMessage)
			}
			if tt.wantStatus == StatusSuccess && res.ResponseTime <= 0 {
				t.Error("ResponseTime not recorded on success")
			}
		})
	}
}

func TestCheckOnce_SecurityScan(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		header      map[string]string
		body        string
		extra       []string
		want        Status
	}{
		{
			name:        "safe browsing phrase",
			contentType: "text/html",
			body:        "<html><body>Deceptive site ahead</body></html>",
			want:        StatusSecurityWarning,
		},
		{
			name:        "browser warning phrase",
			contentType: "text/html; charset=utf-8",
			body:        "<html>WARNING: suspected phishing page</html>",
			want:        StatusSecurityWarning,
		},
		{
			name:        "phishing header",
			contentType: "text/html",
			header:      map[string]string{"X-Phishing-Warning": "1"},
			body:        "<html>fine</html>",
			want:        StatusPhishingWarning,
		},
		{
			name:        "cdn block needs both markers",
			contentType: "text/html",
			body:        "<html>Access denied by Cloudflare</html>",
			want:        StatusSecurityWarning,
		},
		{
			name:        "access denied alone is not a block",
			contentType: "text/html",
			body:        "<html>access denied</html>",
			want:        StatusSuccess,
		},
		{
			name:        "phrase in non-html body ignored",
			contentType: "text/plain",
			body:        "deceptive site ahead",
			want:        StatusSuccess,
		},
		{
			name:        "configured extra phrase",
			contentType: "text/html",
			body:        "<html>该网站已被监管部门标记</html>",
			extra:       []string{"该网站已被监管部门标记"},
			want:        StatusSecurityWarning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := New(config.CheckConfig{TimeoutSeconds: 5, MaxConcurrent: 2},
				config.SecurityConfig{ExtraPhrases: tt.extra}, discardLogger())
			res := c.CheckOnce(context.Background(), srv.URL, false)

			if res.Status != tt.want {
				t.Errorf("Status = %v, want %v", res.Status, tt.want)
			}
		})
	}
}

func TestCheckOnce_TLSDowngradeToHTTP(t *testing.T) {
	// A plain HTTP listener probed over https fails the TLS handshake; the
	// probe must fall back to plain http against the same address and see
	// the healthy endpoint.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")

	tests := []struct {
		name string
		raw  string
	}{
		{"explicit https", "https://" + host},
		{"bare host and port", host},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChecker(5, 0, 0, 2)
			res := c.CheckOnce(context.Background(), tt.raw, false)

			if res.Status != StatusSuccess {
				t.Fatalf("Status = %v (%s), want success after downgrade", res.Status, res.ErrorMessage)
			}
			if !strings.HasPrefix(res.URL, "http://") {
				t.Errorf("URL = %q, want plain http after downgrade", res.URL)
			}
		})
	}
}

func TestCheckOnce_SelfSignedCertificate(t *testing.T) {
	// A TLS listener with a self-signed certificate: the verifying client
	// fails, the downgrade probes plain http on the TLS port, and the
	// listener answers 400 over plain HTTP. The endpoint is reported as an
	// HTTP error rather than left as a TLS failure.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestChecker(5, 0, 0, 2)
	res := c.CheckOnce(context.Background(), srv.URL, false)

	if res.Status != StatusHTTPError {
		t.Errorf("Status = %v, want http_error from the downgraded probe", res.Status)
	}
	if !strings.HasPrefix(res.URL, "http://") {
		t.Errorf("URL = %q, want plain http after downgrade", res.URL)
	}
}

func TestCheckOnce_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestChecker(1, 0, 0, 2)
	res := c.CheckOnce(context.Background(), srv.URL, false)

	if res.Status != StatusTimeout {
		t.Fatalf("Status = %v, want timeout", res.Status)
	}
	if !strings.Contains(res.ErrorMessage, "未重试") {
		t.Errorf("ErrorMessage = %q, want single-attempt marker", res.ErrorMessage)
	}
	if !strings.Contains(res.ErrorMessage, "1秒") {
		t.Errorf("ErrorMessage = %q, want timeout seconds", res.ErrorMessage)
	}
}

func TestCheck_RetriesTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestChecker(1, 1, 0, 2)
	res := c.Check(context.Background(), srv.URL, 0, false)

	if res.Status != StatusTimeout {
		t.Fatalf("Status = %v, want timeout", res.Status)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2 (one retry)", got)
	}
	if !strings.Contains(res.ErrorMessage, "已重试1次") {
		t.Errorf("ErrorMessage = %q, want retry count", res.ErrorMessage)
	}
}

func TestCheck_RecoversOnRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestChecker(1, 2, 0, 2)
	res := c.Check(context.Background(), srv.URL, 0, false)

	if res.Status != StatusSuccess {
		t.Errorf("Status = %v (%s), want success after retry", res.Status, res.ErrorMessage)
	}
}

func TestCheckOnce_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := newTestChecker(5, 0, 0, 2)
	res := c.CheckOnce(context.Background(), "http://"+addr, false)

	if res.Status != StatusConnectionError {
		t.Errorf("Status = %v (%s), want connection_error", res.Status, res.ErrorMessage)
	}
}

func TestCheckOnce_DNSError(t *testing.T) {
	c := newTestChecker(5, 0, 0, 2)
	res := c.CheckOnce(context.Background(), "https://no-such-host.invalid", false)

	if res.Status != StatusDNSError {
		t.Errorf("Status = %v (%s), want dns_error", res.Status, res.ErrorMessage)
	}
}

func TestProbeWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := newTestChecker(5, 0, 0, 2)

	res := c.CheckOnce(context.Background(), wsURL, false)
	if res.Status != StatusSuccess {
		t.Errorf("Status = %v (%s), want success", res.Status, res.ErrorMessage)
	}
	if res.ResponseTime <= 0 {
		t.Error("ResponseTime not recorded")
	}
}

func TestProbeWebSocket_BadHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := newTestChecker(5, 0, 0, 2)

	res := c.CheckOnce(context.Background(), wsURL, false)
	if res.Status != StatusWebSocketError {
		t.Errorf("Status = %v (%s), want websocket_error", res.Status, res.ErrorMessage)
	}
}

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestClassifyProbeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{
			name: "dns typed error",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: &net.DNSError{Err: "no such host", Name: "x"}},
			want: StatusDNSError,
		},
		{
			name: "context deadline",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: context.DeadlineExceeded},
			want: StatusTimeout,
		},
		{
			name: "dial timeout",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: fakeTimeoutError{}}},
			want: StatusTimeout,
		},
		{
			name: "certificate verification",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: &tls.CertificateVerificationError{Err: errors.New("x509: certificate signed by unknown authority")}},
			want: StatusSSLError,
		},
		{
			name: "tls record header",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: errors.New("tls: first record does not look like a TLS handshake")},
			want: StatusSSLError,
		},
		{
			name: "connection refused",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
			want: StatusConnectionError,
		},
		{
			name: "connection reset",
			err:  &url.Error{Op: "Get", URL: "https://x", Err: &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}},
			want: StatusConnectionError,
		},
		{
			name: "hostname containing cert does not skew class",
			err:  &url.Error{Op: "Get", URL: "https://certsite.example.com", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
			want: StatusConnectionError,
		},
		{
			name: "unsupported protocol",
			err:  &url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)},
			want: StatusConnectionError,
		},
		{
			name: "anything else",
			err:  errors.New("mystery failure"),
			want: StatusUnknownError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := classifyProbeError(tt.err)
			if got != tt.want {
				t.Errorf("classifyProbeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorDescription(t *testing.T) {
	r := Result{Status: StatusHTTPError, StatusCode: 522, ErrorMessage: "状态码：522"}
	desc := r.ErrorDescription()
	if !strings.Contains(desc, "522") || !strings.Contains(desc, "详细信息") {
		t.Errorf("ErrorDescription() = %q, want 522 details", desc)
	}

	r = Result{Status: StatusHTTPError, StatusCode: 451}
	if !strings.Contains(r.ErrorDescription(), "法律原因") {
		t.Errorf("ErrorDescription() = %q, want legal text for 451", r.ErrorDescription())
	}

	r = Result{Status: StatusHTTPError, StatusCode: 418}
	if !strings.Contains(r.ErrorDescription(), "客户端错误") {
		t.Errorf("ErrorDescription() = %q, want client error bucket", r.ErrorDescription())
	}

	r = Result{Status: StatusDNSError}
	if !strings.Contains(r.ErrorDescription(), "DNS") {
		t.Errorf("ErrorDescription() = %q, want DNS text", r.ErrorDescription())
	}
}
