package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager owns the live configuration. Readers take snapshots; every mutator
// persists to disk before returning.
type Manager struct {
	mu     sync.RWMutex
	path   string
	cfg    *Config
	logger *slog.Logger

	// Watcher
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
	selfWrite time.Time
}

// NewManager loads the configuration at path and wraps it in a Manager.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cfg: cfg, logger: logger}, nil
}

// Snapshot returns a deep copy of the current configuration.
func (m *Manager) Snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.path
}

// Reload re-reads the file from disk. On parse or validation failure the
// previous configuration stays live and the error is returned.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.Info("configuration reloaded", "path", m.path, "domains", len(m.AllDomains()))
	return nil
}

// saveLocked persists the current configuration. Callers hold m.mu.
func (m *Manager) saveLocked() error {
	m.selfWrite = time.Now()
	return Save(m.path, m.cfg)
}

// Routing

// RouteGroup is one notification target: a chat id and the endpoints it
// watches. When no groups are configured the primary chat is the only route.
type RouteGroup struct {
	ChatID  string
	Name    string
	Domains []string
	Admins  []string
}

// Routes returns the notification routing set in stable order.
func (m *Manager) Routes() []RouteGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.cfg.Telegram.Groups) == 0 {
		return []RouteGroup{{
			ChatID:  m.cfg.Telegram.ChatID,
			Domains: append([]string(nil), m.cfg.Domains...),
		}}
	}
	routes := make([]RouteGroup, 0, len(m.cfg.Telegram.Groups))
	for _, id := range sortedGroupIDs(m.cfg.Telegram.Groups) {
		g := m.cfg.Telegram.Groups[id]
		routes = append(routes, RouteGroup{
			ChatID:  id,
			Name:    g.Name,
			Domains: append([]string(nil), g.Domains...),
			Admins:  append([]string(nil), g.Admins...),
		})
	}
	return routes
}

// AllDomains returns the union of every route's endpoints, first occurrence
// order preserved.
func (m *Manager) AllDomains() []string {
	seen := make(map[string]bool)
	var all []string
	for _, route := range m.Routes() {
		for _, d := range route.Domains {
			if !seen[d] {
				seen[d] = true
				all = append(all, d)
			}
		}
	}
	return all
}

// DomainsFor returns the endpoint list a chat manages: its group's list when
// the chat is a configured group, the top-level list otherwise.
func (m *Manager) DomainsFor(chatID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.getDomainsLocked(chatID)...)
}

// KnownChat reports whether chatID is the primary chat or a configured group.
func (m *Manager) KnownChat(chatID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if chatID == m.cfg.Telegram.ChatID {
		return true
	}
	_, ok := m.cfg.Telegram.Groups[chatID]
	return ok
}

// IsAdmin reports whether username may run privileged commands. An empty
// global admin list authorizes everyone; otherwise the global list plus the
// source group's admins are consulted, with or without a leading @.
func (m *Manager) IsAdmin(username, chatID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.cfg.Telegram.AdminUsers) == 0 {
		return true
	}
	if username == "" {
		return false
	}
	if containsAdmin(m.cfg.Telegram.AdminUsers, username) {
		return true
	}
	if g, ok := m.cfg.Telegram.Groups[chatID]; ok {
		return containsAdmin(g.Admins, username)
	}
	return false
}

func containsAdmin(admins []string, username string) bool {
	bare := strings.TrimPrefix(username, "@")
	for _, a := range admins {
		if a == username || strings.TrimPrefix(a, "@") == bare {
			return true
		}
	}
	return false
}

// Domain management

// getDomainsLocked picks the list a chat's add/remove operates on: the source
// group's list when the chat is a configured group, the top-level list
// otherwise. Callers hold m.mu.
func (m *Manager) getDomainsLocked(chatID string) []string {
	if g, ok := m.cfg.Telegram.Groups[chatID]; ok {
		return g.Domains
	}
	return m.cfg.Domains
}

func (m *Manager) setDomainsLocked(chatID string, domains []string) {
	if g, ok := m.cfg.Telegram.Groups[chatID]; ok {
		g.Domains = domains
		m.cfg.Telegram.Groups[chatID] = g
		return
	}
	m.cfg.Domains = domains
}

// AddDomain appends an endpoint to the chat's list, refusing duplicates that
// differ only by http/https scheme.
func (m *Manager) AddDomain(chatID, url string) (string, error) {
	url = strings.TrimSpace(url)
	m.mu.Lock()
	defer m.mu.Unlock()

	domains := m.getDomainsLocked(chatID)
	for _, d := range domains {
		if d == url || stripScheme(d) == url {
			return "", fmt.Errorf("域名 %s 已存在", url)
		}
	}
	m.setDomainsLocked(chatID, append(domains, url))
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("✅ 成功添加: %s", url), nil
}

// RemoveDomain deletes an endpoint from the chat's list, matching with or
// without scheme.
func (m *Manager) RemoveDomain(chatID, url string) (string, error) {
	url = strings.TrimSpace(url)
	m.mu.Lock()
	defer m.mu.Unlock()

	domains := m.getDomainsLocked(chatID)
	found := -1
	for i, d := range domains {
		if d == url || stripScheme(d) == url {
			found = i
			break
		}
	}
	if found < 0 {
		return "", fmt.Errorf("域名 %s 不存在", url)
	}
	m.setDomainsLocked(chatID, append(domains[:found:found], domains[found+1:]...))
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("❌ 已删除: %s", url), nil
}

// ClearDomains empties the chat's endpoint list.
func (m *Manager) ClearDomains(chatID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.getDomainsLocked(chatID))
	m.setDomainsLocked(chatID, []string{})
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("已清空 %d 个域名", count), nil
}

// Check tuning

// SetInterval updates the check period in minutes.
func (m *Manager) SetInterval(minutes int) (string, error) {
	if minutes < 1 {
		return "", fmt.Errorf("检查间隔不能小于 1 分钟")
	}
	if minutes > 1440 {
		return "", fmt.Errorf("检查间隔不能大于 1440 分钟（24小时）")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Check.IntervalMinutes = minutes
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("检查间隔已设置为 %d 分钟", minutes), nil
}

// SetTimeout updates the per-probe timeout in seconds.
func (m *Manager) SetTimeout(seconds int) (string, error) {
	if seconds < 1 {
		return "", fmt.Errorf("超时时间不能小于 1 秒")
	}
	if seconds > 300 {
		return "", fmt.Errorf("超时时间不能大于 300 秒")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Check.TimeoutSeconds = seconds
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("超时时间已设置为 %d 秒", seconds), nil
}

// SetRetry updates the retry count.
func (m *Manager) SetRetry(count int) (string, error) {
	if count < 0 {
		return "", fmt.Errorf("重试次数不能为负数")
	}
	if count > 10 {
		return "", fmt.Errorf("重试次数不能大于 10")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Check.RetryCount = count
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("重试次数已设置为 %d", count), nil
}

// SetMaxConcurrent updates the worker pool width.
func (m *Manager) SetMaxConcurrent(n int) (string, error) {
	if n < 1 || n > 200 {
		return "", fmt.Errorf("并发数必须在 1-200 之间")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Check.MaxConcurrent = n
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("并发线程数已设置为: %d", n), nil
}

// SetNotifyLevel switches between all/error/smart notification modes.
func (m *Manager) SetNotifyLevel(level string) error {
	switch level {
	case "all", "error", "smart":
	default:
		return fmt.Errorf("无效的通知级别")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Notification.Level = level
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return fmt.Errorf("保存配置失败")
	}
	return nil
}

// ToggleAutoAdjust flips adaptive concurrency and returns the new value.
func (m *Manager) ToggleAutoAdjust() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Check.AutoAdjustConcurrent = !m.cfg.Check.AutoAdjustConcurrent
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return false, fmt.Errorf("保存配置失败")
	}
	return m.cfg.Check.AutoAdjustConcurrent, nil
}

// SetDailyReportEnabled switches the daily report task on or off.
func (m *Manager) SetDailyReportEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.DailyReport.Enabled = enabled
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return fmt.Errorf("保存配置失败")
	}
	return nil
}

// SetDailyReportTime updates the HH:MM send time.
func (m *Manager) SetDailyReportTime(clock string) error {
	if _, err := ParseClock(clock); err != nil {
		return fmt.Errorf("无效的时间格式")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.DailyReport.Time = clock
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return fmt.Errorf("保存配置失败")
	}
	return nil
}

// Admin management

// AddAdmin registers an admin username, stored with a leading @.
func (m *Manager) AddAdmin(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("用户名不能为空")
	}
	if !strings.HasPrefix(username, "@") {
		username = "@" + username
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if containsAdmin(m.cfg.Telegram.AdminUsers, username) {
		return "", fmt.Errorf("用户 %s 已是管理员", username)
	}
	m.cfg.Telegram.AdminUsers = append(m.cfg.Telegram.AdminUsers, username)
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("成功添加管理员: %s", username), nil
}

// RemoveAdmin deletes an admin username, matching with or without @.
func (m *Manager) RemoveAdmin(username string) (string, error) {
	username = strings.TrimSpace(username)
	bare := strings.TrimPrefix(username, "@")
	m.mu.Lock()
	defer m.mu.Unlock()
	found := -1
	for i, a := range m.cfg.Telegram.AdminUsers {
		if a == username || strings.TrimPrefix(a, "@") == bare {
			found = i
			break
		}
	}
	if found < 0 {
		return "", fmt.Errorf("用户 %s 不是管理员", username)
	}
	admins := m.cfg.Telegram.AdminUsers
	m.cfg.Telegram.AdminUsers = append(admins[:found:found], admins[found+1:]...)
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return fmt.Sprintf("成功移除管理员: %s", username), nil
}

// RotateAPIKey stores a fresh random API key for the HTTP interface and
// returns it.
func (m *Manager) RotateAPIKey() (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.HTTPAPI.Auth.APIKey = key
	if err := m.saveLocked(); err != nil {
		m.logger.Error("saving config", "error", err)
		return "", fmt.Errorf("保存配置失败")
	}
	return key, nil
}

// Watch starts an fsnotify watcher on the config file. External edits trigger
// onChange after a successful reload; the manager's own saves are ignored.
func (m *Manager) Watch(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	// Watch the directory so editor rename-and-replace writes are seen.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching config dir: %w", err)
	}

	m.watcher = w
	m.watchDone = make(chan struct{})

	go func() {
		var debounce *time.Timer
		pending := make(chan struct{}, 1)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				m.mu.RLock()
				self := time.Since(m.selfWrite) < time.Second
				m.mu.RUnlock()
				if self {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			case <-pending:
				if err := m.Reload(); err != nil {
					m.logger.Warn("config file changed but reload failed", "error", err)
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", "error", err)
			case <-m.watchDone:
				return
			}
		}
	}()
	return nil
}

// StopWatch shuts the watcher down.
func (m *Manager) StopWatch() {
	if m.watcher != nil {
		close(m.watchDone)
		m.watcher.Close()
		m.watcher = nil
	}
}
