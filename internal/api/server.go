// Package api exposes the inbound HTTP interface: a relay endpoint that
// forwards arbitrary text into the alert chat, plus health and status probes.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/dalin7768/domainNameGuard/internal/config"
)

const serviceName = "Domain Monitor HTTP API"

const (
	shutdownGrace = 5 * time.Second

	// visitorCap triggers a sweep of idle rate-limiter entries.
	visitorCap = 1024
	visitorTTL = 10 * time.Minute
)

// Messenger is the outbound side the relay endpoint needs.
type Messenger interface {
	SendRaw(ctx context.Context, chatID, text, parseMode string, disablePreview bool) error
}

// Server serves the HTTP API. Auth, the IP allowlist, and the rate limit all
// read the live config on each request, so chat-side changes apply without a
// listener restart.
type Server struct {
	cfg    *config.Manager
	sender Messenger
	logger *slog.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// NewServer builds the API server around the live config and a messenger.
func NewServer(cfg *config.Manager, sender Messenger, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sender:   sender,
		logger:   logger,
		visitors: make(map[string]*visitor),
	}
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
	}))
	r.Use(s.allowIPs, s.rateLimit)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)
		r.Post("/sendMsg", s.handleSendMsg)
	})
	return r
}

// Run serves until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	httpCfg := s.cfg.Snapshot().HTTPAPI
	srv := &http.Server{
		Addr:              net.JoinHostPort(httpCfg.Host, strconv.Itoa(httpCfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("http api listening", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping http api: %w", err)
		}
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("http api server: %w", err)
	}
}

type sendMsgRequest struct {
	Msg            *string `json:"msg"`
	ParseMode      *string `json:"parse_mode"`
	DisablePreview *bool   `json:"disable_preview"`
}

type sendMsgResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MsgLength int    `json:"msg_length"`
	Timestamp string `json:"timestamp"`
}

type failureResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Timestamp   string `json:"timestamp"`
	TelegramBot string `json:"telegram_bot"`
}

type statusResponse struct {
	Service     string       `json:"service"`
	Status      string       `json:"status"`
	Host        string       `json:"host"`
	Port        int          `json:"port"`
	Timestamp   string       `json:"timestamp"`
	TelegramBot statusBot    `json:"telegram_bot"`
	Config      statusConfig `json:"config"`
}

type statusBot struct {
	Connected bool   `json:"connected"`
	ChatID    string `json:"chat_id"`
}

type statusConfig struct {
	DomainsCount      int    `json:"domains_count"`
	NotificationLevel string `json:"notification_level"`
}

func (s *Server) handleSendMsg(w http.ResponseWriter, r *http.Request) {
	msg, parseMode, disablePreview, badReq := parseSendMsg(r)
	if badReq != "" {
		s.fail(w, http.StatusBadRequest, badReq)
		return
	}
	if s.sender == nil {
		s.fail(w, http.StatusServiceUnavailable, "Telegram机器人未初始化")
		return
	}

	length := utf8.RuneCountInString(msg)
	s.logger.Info("relaying api message",
		"ip", clientIP(r), "user_agent", r.UserAgent(), "msg_length", length)

	chatID := s.cfg.Snapshot().Telegram.ChatID
	if err := s.sender.SendRaw(r.Context(), chatID, msg, parseMode, disablePreview); err != nil {
		s.logger.Error("relaying api message failed", "error", err)
		s.fail(w, http.StatusInternalServerError, "Telegram消息发送失败")
		return
	}

	writeJSON(w, http.StatusOK, s.logger, sendMsgResponse{
		Success:   true,
		Message:   "消息发送成功",
		MsgLength: length,
		Timestamp: timestamp(),
	})
}

// parseSendMsg reads the relay payload from JSON or form data. A non-empty
// badReq is the client-facing 400 text.
func parseSendMsg(r *http.Request) (msg, parseMode string, disablePreview bool, badReq string) {
	parseMode = "Markdown"
	disablePreview = true

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req sendMsgRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return "", "", false, "JSON格式错误"
		}
		if req.Msg == nil {
			return "", "", false, "缺少必要参数: msg"
		}
		if *req.Msg == "" {
			return "", "", false, "消息内容不能为空且必须为字符串"
		}
		msg = *req.Msg
		if req.ParseMode != nil {
			parseMode = *req.ParseMode
		}
		if req.DisablePreview != nil {
			disablePreview = *req.DisablePreview
		}
		return msg, parseMode, disablePreview, ""
	}

	if err := r.ParseForm(); err != nil || !r.PostForm.Has("msg") {
		return "", "", false, "缺少必要参数: msg"
	}
	msg = r.PostForm.Get("msg")
	if msg == "" {
		return "", "", false, "消息内容不能为空且必须为字符串"
	}
	if r.PostForm.Has("parse_mode") {
		parseMode = r.PostForm.Get("parse_mode")
	}
	if r.PostForm.Has("disable_preview") {
		disablePreview = r.PostForm.Get("disable_preview") != "false"
	}
	return msg, parseMode, disablePreview, ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	bot := "disconnected"
	if s.sender != nil {
		bot = "connected"
	}
	writeJSON(w, http.StatusOK, s.logger, healthResponse{
		Status:      "healthy",
		Service:     serviceName,
		Timestamp:   timestamp(),
		TelegramBot: bot,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Snapshot()
	writeJSON(w, http.StatusOK, s.logger, statusResponse{
		Service:   serviceName,
		Status:    "running",
		Host:      cfg.HTTPAPI.Host,
		Port:      cfg.HTTPAPI.Port,
		Timestamp: timestamp(),
		TelegramBot: statusBot{
			Connected: s.sender != nil,
			ChatID:    cfg.Telegram.ChatID,
		},
		Config: statusConfig{
			DomainsCount:      len(s.cfg.AllDomains()),
			NotificationLevel: cfg.Notification.Level,
		},
	})
}

// requireKey enforces the API key when auth is enabled. The key may arrive
// as a Bearer token, an X-API-Key header, or an api_key query parameter.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := s.cfg.Snapshot().HTTPAPI.Auth
		if !auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		// An empty configured key must not turn into "everyone matches".
		if auth.APIKey == "" ||
			subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(auth.APIKey)) != 1 {
			s.logger.Warn("rejected api request with bad key", "ip", clientIP(r))
			s.fail(w, http.StatusUnauthorized, "无效的API密钥")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

// allowIPs rejects callers outside the configured allowlist. Entries are
// single addresses or CIDR ranges; an empty list admits everyone.
func (s *Server) allowIPs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := s.cfg.Snapshot().HTTPAPI.AllowedIPs
		if len(allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !ipAllowed(ip, allowed) {
			s.logger.Warn("rejected api request from disallowed ip", "ip", ip)
			s.fail(w, http.StatusForbidden, "IP不在允许列表中")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ipAllowed(ip string, allowed []string) bool {
	addr := net.ParseIP(ip)
	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && addr != nil && cidr.Contains(addr) {
				return true
			}
			continue
		}
		if entry == ip {
			return true
		}
	}
	return false
}

// rateLimit applies the per-IP request budget.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.cfg.Snapshot().HTTPAPI.RateLimit
		if !limit.Enabled || limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !s.allow(clientIP(r), limit.RequestsPerMinute) {
			s.fail(w, http.StatusTooManyRequests, "请求过于频繁，请稍后再试")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow checks one request against the caller's limiter, creating it on
// first sight. Burst equals the per-minute budget. Idle entries are swept
// once the table grows past visitorCap.
func (s *Server) allow(ip string, rpm int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	v, ok := s.visitors[ip]
	if !ok || v.rpm != rpm {
		v = &visitor{
			limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm),
			rpm:     rpm,
		}
		s.visitors[ip] = v
	}
	v.lastSeen = now

	if len(s.visitors) > visitorCap {
		for addr, seen := range s.visitors {
			if now.Sub(seen.lastSeen) > visitorTTL {
				delete(s.visitors, addr)
			}
		}
	}
	return v.limiter.Allow()
}

// clientIP resolves the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) fail(w http.ResponseWriter, status int, text string) {
	writeJSON(w, status, s.logger, failureResponse{
		Error:     text,
		Timestamp: timestamp(),
	})
}

func writeJSON(w http.ResponseWriter, status int, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encoding api response failed", "error", err)
	}
}

func timestamp() string {
	return time.Now().Format(time.RFC3339)
}
