// Domain Guard
//
// Watches HTTP and WebSocket endpoints on a schedule and reports
// reachability changes to a Telegram chat. The same chat drives the service:
// endpoints, cadence, and notification policy are adjusted with bot
// commands, and an optional HTTP API relays external messages into the chat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dalin7768/domainNameGuard/internal/api"
	"github.com/dalin7768/domainNameGuard/internal/checker"
	"github.com/dalin7768/domainNameGuard/internal/config"
	"github.com/dalin7768/domainNameGuard/internal/notify"
	"github.com/dalin7768/domainNameGuard/internal/scheduler"
	"github.com/dalin7768/domainNameGuard/internal/telegram"
	"github.com/dalin7768/domainNameGuard/internal/tracker"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// exitRestart tells the supervising wrapper to start a fresh process.
const exitRestart = 3

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("domainguard %s (built %s)\n", version, buildTime)
		return 0
	}

	// Log settings live in the config file, so read it once up front just
	// for the logger; the manager takes over from there.
	boot, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load config: %v\n", err)
		return 1
	}
	logger := newLogger(boot.Logging)
	slog.SetDefault(logger)

	mgr, err := config.NewManager(*configPath, logger)
	if err != nil {
		logger.Error("loading config failed", "error", err)
		return 1
	}
	cfg := mgr.Snapshot()

	logger.Info("starting domainguard",
		"version", version,
		"domains", len(mgr.AllDomains()),
		"interval_minutes", cfg.Check.IntervalMinutes,
		"notification_level", cfg.Notification.Level,
		"http_api", cfg.HTTPAPI.Enabled,
	)

	client := telegram.NewClient(telegram.DefaultAPIBase, cfg.Telegram.BotToken, logger)

	// A bad token should fail the boot, not surface as endless poll errors.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	me, err := client.GetMe(startupCtx)
	cancelStartup()
	if err != nil {
		logger.Error("telegram connectivity check failed", "error", err)
		return 1
	}
	logger.Info("telegram bot connected", "username", me.Username)

	probe := checker.New(cfg.Check, cfg.Security, logger)
	historyPath := filepath.Join(filepath.Dir(mgr.Path()), "error_history.json")
	trk := tracker.New(historyPath, cfg.History.RetentionDays, logger)
	sched := scheduler.New(mgr, probe, trk, client, logger)
	bot := telegram.NewBot(client, mgr, trk, sched, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return sched.RunDailyReport(gctx) })
	g.Go(func() error { return bot.Run(gctx) })
	if cfg.HTTPAPI.Enabled {
		apiServer := api.NewServer(mgr, client, logger)
		g.Go(func() error { return apiServer.Run(gctx) })
	}

	if err := mgr.Watch(func() { onConfigEdit(logger, mgr, sched, client) }); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	defer mgr.StopWatch()

	announce(client, mgr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case code = <-bot.ExitRequests():
		logger.Info("chat requested exit", "code", code)
	case <-gctx.Done():
		code = 1
	}

	farewell(client, mgr, logger, code)

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker failed", "error", err)
		if code == 0 {
			code = 1
		}
	}

	logger.Info("shutdown complete", "exit_code", code)
	return code
}

// newLogger builds the process logger: JSON to stdout, teed into a rotating
// file when one is configured.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var sink io.Writer = os.Stdout
	if cfg.File != "" {
		sink = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.BackupCount,
		})
	}
	return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
}

// announce broadcasts the boot notice with the active configuration.
func announce(client *telegram.Client, mgr *config.Manager, logger *slog.Logger) {
	cfg := mgr.Snapshot()
	daily := ""
	if cfg.DailyReport.Enabled {
		daily = cfg.DailyReport.Time
	}
	msg := notify.Startup(notify.StartupInfo{
		DomainCount:      len(mgr.AllDomains()),
		IntervalMinutes:  cfg.Check.IntervalMinutes,
		MaxConcurrent:    cfg.Check.MaxConcurrent,
		TimeoutSeconds:   cfg.Check.TimeoutSeconds,
		RetryCount:       cfg.Check.RetryCount,
		Level:            cfg.Notification.Level,
		NotifyOnRecovery: cfg.Notification.NotifyOnRecovery,
		FailureThreshold: cfg.Notification.FailureThreshold,
		DailyReportTime:  daily,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.SendMessage(ctx, cfg.Telegram.ChatID, msg); err != nil {
		logger.Error("sending startup notice failed", "error", err)
	}
}

// farewell tells the chat the service is going away; restarts and stops read
// differently. The send gets at most two seconds so shutdown never hangs on a
// dead messenger.
func farewell(client *telegram.Client, mgr *config.Manager, logger *slog.Logger, code int) {
	notice := notify.StoppedNotice
	if code == exitRestart {
		notice = notify.RestartingNotice
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.SendMessage(ctx, mgr.Snapshot().Telegram.ChatID, notice); err != nil {
		logger.Error("sending shutdown notice failed", "error", err)
	}
}

// onConfigEdit runs after the watcher reloaded an externally edited file.
// The scheduler re-reads its cadence; the chat hears about interval changes
// the same way it does for /reload.
func onConfigEdit(logger *slog.Logger, mgr *config.Manager, sched *scheduler.Scheduler, client *telegram.Client) {
	oldInterval, newInterval, err := sched.Reload()
	if err != nil {
		logger.Error("applying edited config failed", "error", err)
		return
	}
	logger.Info("config reloaded after external edit", "interval_minutes", newInterval)
	if oldInterval == newInterval {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.SendMessage(ctx, mgr.Snapshot().Telegram.ChatID, notify.ReloadNotice(oldInterval, newInterval)); err != nil {
		logger.Error("sending reload notice failed", "error", err)
	}
}
