// Package config handles loading, validation, and persistence of the
// monitor configuration document.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete monitor configuration.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram" yaml:"telegram"`
	Check        CheckConfig        `json:"check" yaml:"check"`
	Domains      []string           `json:"domains" yaml:"domains"`
	Notification NotificationConfig `json:"notification" yaml:"notification"`
	History      HistoryConfig      `json:"history" yaml:"history"`
	DailyReport  DailyReportConfig  `json:"daily_report" yaml:"daily_report"`
	HTTPAPI      HTTPAPIConfig      `json:"http_api" yaml:"http_api"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Security     SecurityConfig     `json:"security" yaml:"security"`
}

// TelegramConfig holds messenger credentials and routing.
type TelegramConfig struct {
	BotToken   string           `json:"bot_token" yaml:"bot_token" validate:"required"`
	ChatID     string           `json:"chat_id" yaml:"chat_id" validate:"required"`
	AdminUsers []string         `json:"admin_users" yaml:"admin_users"`
	Groups     map[string]Group `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// Group is one chat group with its own endpoint subset. When any groups are
// configured they supersede the top-level domains list for probing.
type Group struct {
	Name    string   `json:"name" yaml:"name"`
	Domains []string `json:"domains" yaml:"domains"`
	Admins  []string `json:"admins" yaml:"admins"`
}

// CheckConfig tunes the probe engine.
type CheckConfig struct {
	IntervalMinutes      int  `json:"interval_minutes" yaml:"interval_minutes" validate:"min=1,max=1440"`
	TimeoutSeconds       int  `json:"timeout_seconds" yaml:"timeout_seconds" validate:"min=1,max=300"`
	RetryCount           int  `json:"retry_count" yaml:"retry_count" validate:"min=0,max=10"`
	RetryDelaySeconds    int  `json:"retry_delay_seconds" yaml:"retry_delay_seconds" validate:"min=0,max=300"`
	MaxConcurrent        int  `json:"max_concurrent" yaml:"max_concurrent" validate:"min=1,max=200"`
	AutoAdjustConcurrent bool `json:"auto_adjust_concurrent" yaml:"auto_adjust_concurrent"`
	BatchNotify          bool `json:"batch_notify" yaml:"batch_notify"`
	ShowETA              bool `json:"show_eta" yaml:"show_eta"`
}

// NotificationConfig controls when check results are pushed to chat.
type NotificationConfig struct {
	Level            string `json:"level" yaml:"level" validate:"oneof=all error smart"`
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold" validate:"min=1,max=100"`
	CooldownMinutes  int    `json:"cooldown_minutes" yaml:"cooldown_minutes" validate:"min=0,max=1440"`
	NotifyOnRecovery bool   `json:"notify_on_recovery" yaml:"notify_on_recovery"`
}

// HistoryConfig controls the error history store.
type HistoryConfig struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	RetentionDays int  `json:"retention_days" yaml:"retention_days" validate:"min=1"`
}

// DailyReportConfig schedules the daily statistics report.
type DailyReportConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Time    string `json:"time" yaml:"time"` // "HH:MM", 24h local
}

// HTTPAPIConfig controls the inbound HTTP interface.
type HTTPAPIConfig struct {
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	Host       string          `json:"host" yaml:"host"`
	Port       int             `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Auth       APIAuthConfig   `json:"auth" yaml:"auth"`
	RateLimit  RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	AllowedIPs []string        `json:"allowed_ips" yaml:"allowed_ips"`
}

// APIAuthConfig holds the shared API key check.
type APIAuthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// RateLimitConfig bounds request rate per client IP.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute" yaml:"requests_per_minute" validate:"min=0"`
}

// LoggingConfig controls log level and file rotation.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	File        string `json:"file" yaml:"file"`
	MaxSizeMB   int    `json:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	BackupCount int    `json:"backup_count" yaml:"backup_count" validate:"min=0"`
}

// SecurityConfig extends the built-in unsafe-site phrase list.
type SecurityConfig struct {
	ExtraPhrases []string `json:"extra_phrases" yaml:"extra_phrases"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// defaults returns a Config pre-filled with default values; file content is
// unmarshalled over it.
func defaults() *Config {
	return &Config{
		Check: CheckConfig{
			IntervalMinutes:      30,
			TimeoutSeconds:       10,
			RetryCount:           2,
			RetryDelaySeconds:    5,
			MaxConcurrent:        10,
			AutoAdjustConcurrent: true,
			ShowETA:              true,
		},
		Notification: NotificationConfig{
			Level:            "smart",
			FailureThreshold: 2,
			CooldownMinutes:  60,
			NotifyOnRecovery: true,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		DailyReport: DailyReportConfig{
			Time: "00:00",
		},
		HTTPAPI: HTTPAPIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 60,
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			File:        "domain_monitor.log",
			MaxSizeMB:   10,
			BackupCount: 5,
		},
	}
}

// Load reads and parses the configuration file. Files ending in .yaml or .yml
// are parsed as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.DailyReport.Time != "" {
		if _, err := ParseClock(c.DailyReport.Time); err != nil {
			return fmt.Errorf("daily_report.time: %w", err)
		}
	}
	for _, entry := range c.HTTPAPI.AllowedIPs {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			if net.ParseIP(entry) == nil {
				return fmt.Errorf("http_api.allowed_ips entry %q is neither IP nor CIDR", entry)
			}
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug/info/warn/error", c.Logging.Level)
	}
	return nil
}

// ParseClock parses a "HH:MM" 24h clock string into hour and minute.
func ParseClock(s string) (time.Duration, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("invalid HH:MM time %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid HH:MM time %q", s)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Telegram.AdminUsers = append([]string(nil), c.Telegram.AdminUsers...)
	if c.Telegram.Groups != nil {
		out.Telegram.Groups = make(map[string]Group, len(c.Telegram.Groups))
		for id, g := range c.Telegram.Groups {
			g.Domains = append([]string(nil), g.Domains...)
			g.Admins = append([]string(nil), g.Admins...)
			out.Telegram.Groups[id] = g
		}
	}
	out.Domains = append([]string(nil), c.Domains...)
	out.HTTPAPI.AllowedIPs = append([]string(nil), c.HTTPAPI.AllowedIPs...)
	out.Security.ExtraPhrases = append([]string(nil), c.Security.ExtraPhrases...)
	return &out
}

// Save writes the configuration to path with a backup-and-restore discipline:
// the current file is renamed to *.bak first, the new content written, and the
// backup deleted on success or restored on failure.
func Save(path string, cfg *Config) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	bak := path + ".bak"
	hadOld := false
	if _, statErr := os.Stat(path); statErr == nil {
		if err := os.Rename(path, bak); err != nil {
			return fmt.Errorf("backing up config: %w", err)
		}
		hadOld = true
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		if hadOld {
			if restoreErr := os.Rename(bak, path); restoreErr != nil {
				return fmt.Errorf("writing config: %w (restore failed: %v)", err, restoreErr)
			}
		}
		return fmt.Errorf("writing config: %w", err)
	}

	if hadOld {
		os.Remove(bak)
	}
	return nil
}

// GenerateAPIKey produces a 32-byte URL-safe random key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// stripScheme removes an http/https prefix for endpoint equality checks; the
// stored form keeps whatever the operator typed.
func stripScheme(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	return s
}

// sortedGroupIDs returns group chat ids in stable order.
func sortedGroupIDs(groups map[string]Group) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
