// Package scheduler drives the check cycle: it probes on the configured
// cadence, folds results into the error tracker, applies the notification
// policy per chat, and accumulates the day's statistics for the daily
// report.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalin7768/domainNameGuard/internal/checker"
	"github.com/dalin7768/domainNameGuard/internal/config"
	"github.com/dalin7768/domainNameGuard/internal/notify"
	"github.com/dalin7768/domainNameGuard/internal/tracker"
)

const (
	// errorBackoff is the pause after a failed round before the cycle loop
	// tries again.
	errorBackoff = time.Minute
	// interMessagePause spaces consecutive sends to one chat so paginated
	// reports do not trip Telegram's flood control.
	interMessagePause = 500 * time.Millisecond
	// progressFloor is the minimum endpoint count between progress lines.
	progressFloor = 50
)

// Sender delivers one rendered message to a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// RoundStats summarizes the latest completed round for /status.
type RoundStats struct {
	Total      int
	Success    int
	Failed     int
	ErrorTypes map[string]int
}

// Status is the live service state exposed to the bot.
type Status struct {
	StartedAt time.Time
	LastCheck time.Time
	NextRun   time.Time
	Rounds    int
	Checking  bool
	Last      RoundStats
}

// Scheduler owns the periodic check loop and the manual-check entry point.
type Scheduler struct {
	cfg     *config.Manager
	probe   *checker.Checker
	tracker *tracker.Tracker
	policy  *notify.Policy
	sender  Sender
	logger  *slog.Logger

	startedAt   time.Time
	rescheduled chan struct{}

	// checkMu serializes rounds; the in-flight round holds it.
	checkMu sync.Mutex

	mu        sync.Mutex
	runCancel context.CancelFunc
	interval  int
	last      RoundStats
	lastCheck time.Time
	nextRun   time.Time
	rounds    int
	day       *notify.DailyStats
}

// New wires a Scheduler around an already-constructed probe engine, tracker,
// and sender.
func New(cfg *config.Manager, probe *checker.Checker, trk *tracker.Tracker, sender Sender, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		probe:       probe,
		tracker:     trk,
		policy:      notify.NewPolicy(),
		sender:      sender,
		logger:      logger,
		startedAt:   time.Now(),
		rescheduled: make(chan struct{}, 1),
		interval:    cfg.Snapshot().Check.IntervalMinutes,
		day:         notify.NewDailyStats(time.Now()),
	}
}

// Run executes check rounds until ctx ends. The interval is the upper bound
// on cycle time: a round that finishes early is followed by a pause for the
// remainder, one that overruns triggers the next round immediately plus a
// warning in chat. The first round starts with no pre-delay.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cycleStart := time.Now()
		interval := s.cfg.Snapshot().Check.IntervalMinutes
		s.setInterval(interval)
		maxCycle := time.Duration(interval) * time.Minute
		s.logger.Info("starting check cycle", "max_cycle_minutes", interval)

		err := s.RunCheck(ctx, false)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.Canceled):
			// A manual check preempted this round; keep the cadence.
			s.logger.Info("scheduled round preempted")
		default:
			s.logger.Error("check round failed", "error", err)
			if err := s.sleepOrReschedule(ctx, errorBackoff); err != nil {
				return err
			}
			continue
		}

		elapsed := time.Since(cycleStart)
		if elapsed >= maxCycle {
			s.logger.Warn("round outlasted the cycle, starting next immediately",
				"elapsed", elapsed.Round(time.Second), "max_cycle", maxCycle)
			s.broadcast(ctx, notify.Overrun(interval))
			continue
		}
		if err := s.sleepOrReschedule(ctx, maxCycle-elapsed); err != nil {
			return err
		}
	}
}

// sleepOrReschedule pauses for d. A reschedule signal ends the pause early
// so a changed interval takes effect without waiting out the old one.
func (s *Scheduler) sleepOrReschedule(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.rescheduled:
		s.logger.Info("cycle timer restarted")
		return nil
	case <-t.C:
		return nil
	}
}

// Reload re-reads the configuration file. When the check interval changed
// the cycle timer restarts so the new cadence applies from now. Returns the
// previous and the current interval in minutes.
func (s *Scheduler) Reload() (oldInterval, newInterval int, err error) {
	s.mu.Lock()
	oldInterval = s.interval
	s.mu.Unlock()

	if err := s.cfg.Reload(); err != nil {
		return oldInterval, oldInterval, err
	}

	newInterval = s.cfg.Snapshot().Check.IntervalMinutes
	s.setInterval(newInterval)
	if newInterval != oldInterval {
		select {
		case s.rescheduled <- struct{}{}:
		default:
		}
	}
	return oldInterval, newInterval, nil
}

func (s *Scheduler) setInterval(minutes int) {
	s.mu.Lock()
	s.interval = minutes
	s.mu.Unlock()
}

// RunCheck executes one full round. Any round already in flight is cancelled
// and waited out first, so the newest request always wins the probe slot.
func (s *Scheduler) RunCheck(ctx context.Context, manual bool) error {
	s.StopCheck()
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.setRunCancel(cancel)
	defer func() {
		cancel()
		s.setRunCancel(nil)
	}()

	return s.round(runCtx, manual)
}

// StopCheck cancels the in-flight round, if any, and reports whether there
// was one.
func (s *Scheduler) StopCheck() bool {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Checking reports whether a round is in flight.
func (s *Scheduler) Checking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCancel != nil
}

func (s *Scheduler) setRunCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()
}

// round is one complete check: probe, diff, record, notify.
func (s *Scheduler) round(ctx context.Context, manual bool) error {
	cfg := s.cfg.Snapshot()
	domains := s.cfg.AllDomains()
	if len(domains) == 0 {
		s.logger.Warn("no endpoints configured, skipping round")
		return nil
	}

	start := time.Now()
	logger := s.logger.With("run_id", uuid.NewString())
	logger.Info("starting check round", "manual", manual, "domains", len(domains))

	s.mu.Lock()
	s.lastCheck = start
	s.rounds++
	s.mu.Unlock()

	// Settings changed from chat apply from this round on.
	s.probe.Reconfigure(cfg.Check, cfg.Security)

	if manual && cfg.Check.ShowETA {
		s.broadcast(ctx, notify.CheckStart(notify.CheckStartInfo{
			DomainCount:      len(domains),
			MaxConcurrent:    cfg.Check.MaxConcurrent,
			TimeoutSeconds:   cfg.Check.TimeoutSeconds,
			Level:            cfg.Notification.Level,
			NotifyOnRecovery: cfg.Notification.NotifyOnRecovery,
			FailureThreshold: cfg.Notification.FailureThreshold,
		}))
	}

	var onBatch checker.BatchFunc
	if cfg.Check.BatchNotify {
		onBatch = func(results []checker.Result, batch, totalBatches int, eta time.Duration) {
			succeeded := 0
			for _, r := range results {
				if r.IsSuccess() {
					succeeded++
				}
			}
			s.broadcast(ctx, notify.BatchDone(batch, totalBatches, succeeded, len(results)-succeeded, eta))
		}
	}

	var onProgress checker.ProgressFunc
	if cfg.Check.ShowETA && len(domains) > progressFloor {
		step := len(domains) / 4
		if step < progressFloor {
			step = progressFloor
		}
		onProgress = func(done, total int, eta time.Duration) {
			if done%step == 0 && done < total {
				s.broadcast(ctx, notify.Progress(done, total, eta))
			}
		}
	}

	results, err := s.probe.CheckBatch(ctx, domains, onBatch, onProgress)
	if err != nil {
		return fmt.Errorf("probing endpoints: %w", err)
	}

	now := time.Now()
	maxCycle := time.Duration(cfg.Check.IntervalMinutes) * time.Minute
	nextRun := now
	if elapsed := now.Sub(start); elapsed < maxCycle {
		nextRun = now.Add(maxCycle - elapsed)
	}
	s.setNextRun(nextRun)

	diff := s.tracker.Update(results)
	s.recordRound(results)
	s.notifyRoutes(ctx, cfg, manual, results, diff, now, nextRun)

	success := 0
	for _, r := range results {
		if r.IsSuccess() {
			success++
		} else {
			logger.Warn("endpoint unhealthy",
				"domain", r.Domain, "status", string(r.Status), "error", r.ErrorMessage)
		}
	}
	logger.Info("check round finished",
		"success", success, "failed", len(results)-success,
		"duration", time.Since(start).Round(100*time.Millisecond))
	return nil
}

// routeScope filters result sets down to one route's endpoints. Matching is
// by host, since results carry the normalized probe URL rather than the
// operator's original spelling.
type routeScope map[string]bool

func newRouteScope(domains []string) routeScope {
	scope := make(routeScope, len(domains))
	for _, d := range domains {
		scope[checker.EndpointHost(d)] = true
	}
	return scope
}

func (scope routeScope) filter(results []checker.Result) []checker.Result {
	var out []checker.Result
	for _, r := range results {
		if scope[r.Domain] {
			out = append(out, r)
		}
	}
	return out
}

// notifyRoutes applies the notification policy per chat route and delivers
// the rendered pages. Each route sees only its own endpoints.
func (s *Scheduler) notifyRoutes(ctx context.Context, cfg *config.Config, manual bool, results []checker.Result, diff tracker.Diff, now, nextRun time.Time) {
	unacked := s.tracker.Unacknowledged()

	for _, route := range s.cfg.Routes() {
		scope := newRouteScope(route.Domains)
		scoped := scope.filter(results)
		if len(scoped) == 0 {
			continue
		}
		scopedDiff := tracker.Diff{
			NewErrors:  scope.filter(diff.NewErrors),
			Recovered:  scope.filter(diff.Recovered),
			Persistent: scope.filter(diff.Persistent),
		}
		if !cfg.Notification.NotifyOnRecovery {
			scopedDiff.Recovered = nil
		}
		scopedUnacked := len(scope.filter(unacked))

		decision := s.policy.Decide(route.ChatID, notify.Input{
			Level:           cfg.Notification.Level,
			IsManual:        manual,
			CooldownMinutes: cfg.Notification.CooldownMinutes,
			Results:         scoped,
			Diff:            scopedDiff,
			Unacknowledged:  scopedUnacked,
		})

		var pages []string
		switch decision {
		case notify.SendSummary:
			pages = notify.Summary(scoped, now, nextRun)
		case notify.SendDelta:
			pages = notify.Delta(scopedDiff.NewErrors, scopedDiff.Recovered, len(scopedDiff.Persistent), scoped, now, nextRun)
		case notify.SendReminder:
			pages = notify.Delta(nil, nil, scopedUnacked, scoped, now, nextRun)
		default:
			continue
		}
		s.sendPages(ctx, route.ChatID, pages)
	}
}

// sendPages delivers a paginated report to one chat, spacing the sends.
func (s *Scheduler) sendPages(ctx context.Context, chatID string, pages []string) {
	for i, page := range pages {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interMessagePause):
			}
		}
		if err := s.sender.SendMessage(ctx, chatID, page); err != nil {
			s.logger.Error("sending report page failed",
				"chat_id", chatID, "page", i+1, "pages", len(pages), "error", err)
		}
	}
}

// broadcast sends one service notice to every configured chat.
func (s *Scheduler) broadcast(ctx context.Context, text string) {
	seen := make(map[string]bool)
	for _, route := range s.cfg.Routes() {
		if seen[route.ChatID] {
			continue
		}
		seen[route.ChatID] = true
		if err := s.sender.SendMessage(ctx, route.ChatID, text); err != nil {
			s.logger.Error("sending notice failed", "chat_id", route.ChatID, "error", err)
		}
	}
}

// recordRound folds a finished round into /status state and the day bucket.
func (s *Scheduler) recordRound(results []checker.Result) {
	stats := RoundStats{Total: len(results), ErrorTypes: make(map[string]int)}
	for _, r := range results {
		if r.IsSuccess() {
			stats.Success++
		} else {
			stats.Failed++
			stats.ErrorTypes[string(r.Status)]++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = stats
	if today := time.Now().Format("2006-01-02"); s.day.Day() != today {
		s.day = notify.NewDailyStats(time.Now())
	}
	s.day.Observe(results)
}

func (s *Scheduler) setNextRun(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}

// Status reports the live service state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		StartedAt: s.startedAt,
		LastCheck: s.lastCheck,
		NextRun:   s.nextRun,
		Rounds:    s.rounds,
		Checking:  s.runCancel != nil,
		Last:      s.last,
	}
}
