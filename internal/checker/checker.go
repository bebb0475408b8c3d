// Package checker probes web endpoints over HTTP and WebSocket and
// classifies every failure into an actionable status.
package checker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dalin7768/domainNameGuard/internal/config"
)

// Status classifies one probe outcome.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusDNSError        Status = "dns_error"
	StatusConnectionError Status = "connection_error"
	StatusTimeout         Status = "timeout"
	StatusHTTPError       Status = "http_error"
	StatusSSLError        Status = "ssl_error"
	StatusWebSocketError  Status = "websocket_error"
	StatusPhishingWarning Status = "phishing_warning"
	StatusSecurityWarning Status = "security_warning"
	StatusUnknownError    Status = "unknown_error"
)

// Result is the outcome of probing one endpoint.
type Result struct {
	Domain       string
	URL          string
	Status       Status
	StatusCode   int
	ErrorMessage string
	ResponseTime time.Duration
	Timestamp    time.Time
}

// IsSuccess reports whether the endpoint answered normally.
func (r Result) IsSuccess() bool { return r.Status == StatusSuccess }

// ErrorDescription renders a human-readable account of the failure.
func (r Result) ErrorDescription() string {
	var base string
	switch r.Status {
	case StatusDNSError:
		base = "DNS 解析失败：无法解析域名地址"
	case StatusConnectionError:
		base = "连接错误：无法建立与服务器的连接"
	case StatusTimeout:
		base = "请求超时：服务器响应时间过长"
	case StatusHTTPError:
		base = r.httpErrorDescription()
	case StatusSSLError:
		base = "SSL 证书错误：证书验证失败或已过期"
	case StatusWebSocketError:
		base = "WebSocket 连接失败：无法建立 WebSocket 连接"
	case StatusPhishingWarning:
		base = "⚠️ 安全警告：该网站可能是钓鱼网站或存在安全风险"
	case StatusSecurityWarning:
		base = "⚠️ 浏览器安全警告：该网站被标记为不安全（可能被Google等浏览器拦截）"
	default:
		base = "未知错误：请检查日志了解详情"
	}
	if r.ErrorMessage != "" {
		return base + "\n详细信息：" + r.ErrorMessage
	}
	return base
}

var httpErrorDetails = map[int]string{
	400: "错误请求（400）：服务器无法理解请求",
	401: "未授权（401）：需要身份验证",
	403: "禁止访问（403）：服务器拒绝请求",
	404: "页面不存在（404）：请求的资源未找到",
	405: "方法不允许（405）：请求方法不被允许",
	408: "请求超时（408）：服务器等待请求超时",
	429: "请求过多（429）：触发了速率限制",
	500: "服务器内部错误（500）：服务器遇到错误",
	502: "网关错误（502）：上游服务器错误响应",
	503: "服务不可用（503）：服务器暂时无法处理请求",
	504: "网关超时（504）：上游服务器响应超时",
	520: "Web服务器返回未知错误（520）：源站返回空响应",
	521: "Web服务器宕机（521）：源站拒绝连接",
	522: "连接超时（522）：无法连接到源站服务器",
	523: "源站不可达（523）：无法到达源站服务器",
	524: "超时发生（524）：与源站建立连接但未收到响应",
	525: "SSL握手失败（525）：无法与源站协商SSL/TLS连接",
	526: "无效的SSL证书（526）：源站SSL证书无效",
}

func (r Result) httpErrorDescription() string {
	if r.StatusCode == 0 {
		return "HTTP 错误：未知状态码"
	}
	if r.StatusCode == 451 {
		return "法律原因不可用（451）：由于法律原因该内容不可用（可能涉及版权或地区限制）"
	}
	if desc, ok := httpErrorDetails[r.StatusCode]; ok {
		return desc
	}
	kind := "未知错误"
	switch {
	case r.StatusCode >= 400 && r.StatusCode < 500:
		kind = "客户端错误"
	case r.StatusCode >= 500 && r.StatusCode < 600:
		kind = "服务器错误"
	}
	return fmt.Sprintf("HTTP 错误（%d）：%s", r.StatusCode, kind)
}

// Status codes treated as an endpoint answering normally. Redirects and
// auth challenges mean the server is up even if content is gated.
var successCodes = map[int]bool{
	200: true, 201: true, 202: true, 203: true, 204: true,
	301: true, 302: true, 303: true, 304: true, 307: true, 308: true,
	401: true, 403: true,
}

const (
	quickTimeout      = 5 * time.Second
	quickRetryDelay   = 2 * time.Second
	securityScanLimit = 5000
	bodyDrainLimit    = 32 << 10
	keepaliveExpiry   = 30 * time.Second
)

// Checker probes endpoints with pooled HTTP clients, one verifying TLS and
// one not. Probe width is bounded and optionally load-adjusted.
type Checker struct {
	timeout    time.Duration
	retryCount int
	retryDelay time.Duration
	autoAdjust bool

	extraPhrases []string

	mu                sync.Mutex
	maxConcurrent     int
	initialConcurrent int
	client            *http.Client
	clientNoVerify    *http.Client

	lastStatus *statusCache

	perfMu       sync.Mutex
	perfHistory  []time.Duration
	lastDuration time.Duration

	logger *slog.Logger
}

// New builds a Checker from the check section of the configuration.
func New(cfg config.CheckConfig, security config.SecurityConfig, logger *slog.Logger) *Checker {
	phrases := make([]string, 0, len(security.ExtraPhrases))
	for _, p := range security.ExtraPhrases {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Checker{
		timeout:           time.Duration(cfg.TimeoutSeconds) * time.Second,
		retryCount:        cfg.RetryCount,
		retryDelay:        time.Duration(cfg.RetryDelaySeconds) * time.Second,
		autoAdjust:        cfg.AutoAdjustConcurrent,
		extraPhrases:      phrases,
		maxConcurrent:     cfg.MaxConcurrent,
		initialConcurrent: cfg.MaxConcurrent,
		lastStatus:        newStatusCache(maxStatusCache),
		logger:            logger,
	}
}

// Reconfigure applies a fresh check section, so settings changed from chat
// take effect on the next run. Probe state (last statuses, response-time
// window) survives. Callers must not reconfigure while a run is in flight.
func (c *Checker) Reconfigure(cfg config.CheckConfig, security config.SecurityConfig) {
	phrases := make([]string, 0, len(security.ExtraPhrases))
	for _, p := range security.ExtraPhrases {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	c.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	c.retryCount = cfg.RetryCount
	c.retryDelay = time.Duration(cfg.RetryDelaySeconds) * time.Second
	c.autoAdjust = cfg.AutoAdjustConcurrent
	c.extraPhrases = phrases

	c.mu.Lock()
	widthChanged := c.maxConcurrent != cfg.MaxConcurrent
	c.maxConcurrent = cfg.MaxConcurrent
	c.initialConcurrent = cfg.MaxConcurrent
	c.mu.Unlock()
	if widthChanged {
		c.CloseClients()
	}
}

// httpClient returns the pooled client for the requested verification mode,
// building it on first use.
func (c *Checker) httpClient(noVerify bool) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if noVerify {
		if c.clientNoVerify == nil {
			c.clientNoVerify = newPooledClient(c.maxConcurrent, true)
			c.logger.Debug("created non-verifying http client pool", "max_conns", c.maxConcurrent*2)
		}
		return c.clientNoVerify
	}
	if c.client == nil {
		c.client = newPooledClient(c.maxConcurrent, false)
		c.logger.Debug("created http client pool", "max_conns", c.maxConcurrent*2)
	}
	return c.client
}

func newPooledClient(width int, noVerify bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: width,
			MaxConnsPerHost:     width * 2,
			IdleConnTimeout:     keepaliveExpiry,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: noVerify},
			ForceAttemptHTTP2:   !noVerify,
		},
	}
}

// CloseClients drops both connection pools. The next probe rebuilds them.
func (c *Checker) CloseClients() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseIdleConnections()
		c.client = nil
	}
	if c.clientNoVerify != nil {
		c.clientNoVerify.CloseIdleConnections()
		c.clientNoVerify = nil
	}
}

func (c *Checker) probeTimeout(quick bool) time.Duration {
	if quick {
		return quickTimeout
	}
	return c.timeout
}

func (c *Checker) retryBudget(quick bool) (int, time.Duration) {
	if quick {
		return 1, quickRetryDelay
	}
	return c.retryCount, c.retryDelay
}

// resolveProbe normalizes an operator-supplied address into the URL actually
// probed. Bare hosts default to https, or http on a downgrade attempt; a
// bare host starting with "ws." is treated as a WebSocket endpoint.
func resolveProbe(rawURL string, tryHTTP bool) (probeURL string, ws bool) {
	if strings.HasPrefix(rawURL, "ws://") || strings.HasPrefix(rawURL, "wss://") {
		return rawURL, true
	}
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return rawURL, false
	}
	if strings.HasPrefix(rawURL, "ws.") {
		return "wss://" + rawURL, true
	}
	if tryHTTP {
		return "http://" + rawURL, false
	}
	return "https://" + rawURL, false
}

// downgradeAddress rewrites an explicit https address to http. Bare hosts
// stay bare; resolveProbe gives them the http scheme on the retry.
func downgradeAddress(rawURL string) string {
	if strings.HasPrefix(rawURL, "https://") {
		return "http://" + strings.TrimPrefix(rawURL, "https://")
	}
	return rawURL
}

func displayName(probeURL, original string) string {
	if u, err := url.Parse(probeURL); err == nil && u.Host != "" {
		return u.Host
	}
	return original
}

// EndpointHost returns the host an operator-supplied address reports as,
// matching Result.Domain for the same input.
func EndpointHost(rawURL string) string {
	probeURL, _ := resolveProbe(rawURL, false)
	return displayName(probeURL, rawURL)
}

// CheckOnce probes rawURL exactly once with no retries. A TLS failure on an
// https probe is retried a single time over plain http with certificate
// verification off, keyed on the operator's original address.
func (c *Checker) CheckOnce(ctx context.Context, rawURL string, quick bool) Result {
	timeout := c.probeTimeout(quick)

	probeURL, ws := resolveProbe(rawURL, false)
	if ws {
		return c.probeWebSocket(ctx, probeURL, rawURL, timeout)
	}

	res := c.probeHTTP(ctx, probeURL, rawURL, timeout, false)
	if res.Status == StatusSSLError && strings.HasPrefix(probeURL, "https://") {
		c.logger.Info("tls failure, retrying over plain http", "domain", res.Domain)
		httpURL, _ := resolveProbe(downgradeAddress(rawURL), true)
		res = c.probeHTTP(ctx, httpURL, rawURL, timeout, true)
	}

	if res.Status == StatusTimeout {
		res.ErrorMessage = fmt.Sprintf("%s（%d秒，未重试）", res.ErrorMessage, int(timeout.Seconds()))
	}
	return res
}

// Check probes rawURL and retries timeouts and connection failures up to the
// configured budget. attempt counts probes already spent on this endpoint,
// so a follow-up pass after a failed first sweep starts at 1.
func (c *Checker) Check(ctx context.Context, rawURL string, attempt int, quick bool) Result {
	timeout := c.probeTimeout(quick)
	maxRetries, delay := c.retryBudget(quick)

	probeURL, ws := resolveProbe(rawURL, false)
	if ws {
		return c.probeWebSocket(ctx, probeURL, rawURL, timeout)
	}

	tryHTTP := false
	for {
		res := c.probeHTTP(ctx, probeURL, rawURL, timeout, tryHTTP)

		if res.Status == StatusSSLError && !tryHTTP && strings.HasPrefix(probeURL, "https://") {
			c.logger.Info("tls failure, retrying over plain http", "domain", res.Domain)
			probeURL, _ = resolveProbe(downgradeAddress(rawURL), true)
			tryHTTP = true
			attempt = 0
			continue
		}

		retryable := res.Status == StatusTimeout || res.Status == StatusConnectionError
		if retryable && attempt < maxRetries && ctx.Err() == nil {
			attempt++
			c.logger.Info("retrying endpoint", "domain", res.Domain, "attempt", attempt, "delay", delay)
			if sleepCtx(ctx, delay) != nil {
				return decorateTimeout(res, timeout, attempt-1)
			}
			continue
		}

		return decorateTimeout(res, timeout, attempt)
	}
}

// decorateTimeout appends the timeout duration and retry count to a timeout
// result's message; other statuses pass through untouched.
func decorateTimeout(res Result, timeout time.Duration, attempts int) Result {
	if res.Status != StatusTimeout {
		return res
	}
	if attempts > 0 {
		res.ErrorMessage = fmt.Sprintf("%s（%d秒，已重试%d次）", res.ErrorMessage, int(timeout.Seconds()), attempts)
	} else {
		res.ErrorMessage = fmt.Sprintf("%s（%d秒）", res.ErrorMessage, int(timeout.Seconds()))
	}
	return res
}

func (c *Checker) probeHTTP(ctx context.Context, probeURL, original string, timeout time.Duration, tryHTTP bool) Result {
	name := displayName(probeURL, original)
	noVerify := tryHTTP || strings.HasPrefix(probeURL, "http://")
	client := c.httpClient(noVerify)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return Result{Domain: name, URL: probeURL, Status: StatusUnknownError, ErrorMessage: err.Error(), Timestamp: time.Now()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		status, msg := classifyProbeError(err)
		c.logger.Error("probe failed", "domain", name, "url", probeURL, "status", string(status), "error", msg)
		return Result{Domain: name, URL: probeURL, Status: status, ErrorMessage: msg, Timestamp: time.Now()}
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, io.LimitReader(resp.Body, bodyDrainLimit))

	elapsed := time.Since(start)

	// Security scan comes before the status check so a 200 warning page is
	// not reported as healthy.
	if status, found := c.securityStatus(resp); found {
		c.logger.Warn("security issue detected", "domain", name, "url", probeURL, "status", string(status))
		return Result{
			Domain:       name,
			URL:          probeURL,
			Status:       status,
			StatusCode:   resp.StatusCode,
			ErrorMessage: "网站可能存在安全风险",
			ResponseTime: elapsed,
			Timestamp:    time.Now(),
		}
	}

	if successCodes[resp.StatusCode] {
		c.logger.Debug("probe succeeded", "domain", name, "code", resp.StatusCode, "elapsed", elapsed)
		return Result{
			Domain:       name,
			URL:          probeURL,
			Status:       StatusSuccess,
			StatusCode:   resp.StatusCode,
			ResponseTime: elapsed,
			Timestamp:    time.Now(),
		}
	}

	c.logger.Warn("unexpected status code", "domain", name, "url", probeURL, "code", resp.StatusCode)
	return Result{
		Domain:       name,
		URL:          probeURL,
		Status:       StatusHTTPError,
		StatusCode:   resp.StatusCode,
		ErrorMessage: fmt.Sprintf("状态码：%d", resp.StatusCode),
		ResponseTime: elapsed,
		Timestamp:    time.Now(),
	}
}

func (c *Checker) probeWebSocket(ctx context.Context, wsURL, original string, timeout time.Duration) Result {
	name := displayName(wsURL, original)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	start := time.Now()
	conn, _, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err == nil {
		elapsed := time.Since(start)
		conn.Close()
		c.logger.Debug("websocket probe succeeded", "domain", name, "elapsed", elapsed)
		return Result{Domain: name, URL: wsURL, Status: StatusSuccess, ResponseTime: elapsed, Timestamp: time.Now()}
	}

	status, msg := classifyWebSocketError(err, timeout)
	c.logger.Error("websocket probe failed", "domain", name, "url", wsURL, "status", string(status), "error", msg)
	return Result{Domain: name, URL: wsURL, Status: status, ErrorMessage: msg, Timestamp: time.Now()}
}

var dnsErrorHints = []string{
	"name or service not known",
	"getaddrinfo failed",
	"nodename nor servname",
	"cannot resolve",
	"no such host",
	"temporary failure in name resolution",
	"dns lookup failed",
	"nxdomain",
}

var tlsErrorHints = []string{
	"ssl",
	"tls",
	"certificate",
	"cert",
	"handshake",
	"verification",
	"verify failed",
	"self signed",
	"x509",
	"expired",
}

var connectionErrorHints = []string{
	"connection refused",
	"actively refused",
	"network unreachable",
	"network is unreachable",
	"no route to host",
	"host is unreachable",
	"connection reset",
	"reset by peer",
	"connection aborted",
	"broken pipe",
	"connection lost",
}

// classifyProbeError maps a transport failure onto a status. Substring
// matching runs against the unwrapped error so hostnames embedded in the
// outer message cannot skew the class.
func classifyProbeError(err error) (Status, string) {
	inner := err
	var uerr *url.Error
	if errors.As(err, &uerr) {
		inner = uerr.Err
	}
	msg := inner.Error()
	lower := strings.ToLower(msg)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || containsAny(lower, dnsErrorHints) {
		return StatusDNSError, msg
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return StatusTimeout, "连接建立超时"
		}
		return StatusTimeout, "请求超时"
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) || containsAny(lower, tlsErrorHints) {
		return StatusSSLError, msg
	}

	if isConnectionError(err, lower) {
		return StatusConnectionError, msg
	}

	if containsAny(lower, []string{"proxy", "socks", "authentication required", "unsupported protocol", "protocol error"}) {
		return StatusConnectionError, msg
	}

	return StatusUnknownError, msg
}

func isConnectionError(err error, lower string) bool {
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	if containsAny(lower, connectionErrorHints) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func classifyWebSocketError(err error, timeout time.Duration) (Status, string) {
	msg := err.Error()
	lower := strings.ToLower(msg)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || containsAny(lower, dnsErrorHints) {
		return StatusDNSError, msg
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return StatusTimeout, fmt.Sprintf("WebSocket连接超时（%d秒）", int(timeout.Seconds()))
	}

	if strings.Contains(lower, "malformed ws or wss url") {
		return StatusWebSocketError, "无效的WebSocket URL格式"
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) || containsAny(lower, tlsErrorHints) {
		return StatusSSLError, msg
	}

	return StatusWebSocketError, msg
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// Phrases browsers and safe-browsing interstitials put on warning pages.
var googleWarningPhrases = []string{
	"deceptive site ahead",
	"this site may harm your computer",
	"the site ahead contains malware",
	"phishing attack ahead",
	"this site has been reported as unsafe",
}

var browserWarningPhrases = []string{
	"reported attack site",
	"suspected phishing site",
	"warning: suspected phishing",
	"this website has been reported",
	"dangerous site",
	"unsafe website",
}

// securityStatus inspects a response for phishing or warning-page markers.
// Header flags win outright; HTML bodies are scanned up to a fixed prefix.
func (c *Checker) securityStatus(resp *http.Response) (Status, bool) {
	if resp.Header.Get("X-Phishing-Warning") != "" || resp.Header.Get("X-Malware-Warning") != "" {
		return StatusPhishingWarning, true
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "text/html") {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, securityScanLimit))
	if err != nil {
		return "", false
	}
	content := strings.ToLower(string(body))

	for _, phrase := range googleWarningPhrases {
		if strings.Contains(content, phrase) {
			c.logger.Warn("safe browsing warning phrase found", "phrase", phrase)
			return StatusSecurityWarning, true
		}
	}
	for _, phrase := range browserWarningPhrases {
		if strings.Contains(content, phrase) {
			c.logger.Warn("browser warning phrase found", "phrase", phrase)
			return StatusSecurityWarning, true
		}
	}
	for _, phrase := range c.extraPhrases {
		if strings.Contains(content, phrase) {
			c.logger.Warn("configured warning phrase found", "phrase", phrase)
			return StatusSecurityWarning, true
		}
	}

	if strings.Contains(content, "blocked for security reasons") || strings.Contains(content, "access denied") {
		if strings.Contains(content, "cloudflare") || strings.Contains(content, "security challenge") {
			c.logger.Warn("endpoint blocked by security service")
			return StatusSecurityWarning, true
		}
	}

	return "", false
}
