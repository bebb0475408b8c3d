package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dalin7768/domainNameGuard/internal/config"
	"github.com/dalin7768/domainNameGuard/internal/notify"
)

const (
	// configRecheck caps every wait so report settings changed from chat
	// converge within the hour, no restart needed.
	configRecheck = time.Hour
	// reportRetry is the pause before retrying a failed report send.
	reportRetry = time.Hour
)

// RunDailyReport emits the day's statistics at the configured local time
// until ctx ends. The loop never sleeps longer than an hour at a stretch and
// re-reads the configuration on every wake.
func (s *Scheduler) RunDailyReport(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cfg := s.cfg.Snapshot()
		if !cfg.DailyReport.Enabled {
			if err := sleepCtx(ctx, configRecheck); err != nil {
				return err
			}
			continue
		}

		clock, err := config.ParseClock(cfg.DailyReport.Time)
		if err != nil {
			s.logger.Error("invalid daily report time, using midnight",
				"time", cfg.DailyReport.Time, "error", err)
			clock = 0
		}

		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(clock)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		wait := next.Sub(now)
		if wait > configRecheck {
			if err := sleepCtx(ctx, configRecheck); err != nil {
				return err
			}
			continue
		}
		s.logger.Info("next daily report scheduled",
			"at", next.Format("2006-01-02 15:04"), "wait", wait.Round(time.Minute))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}

		if err := s.SendDailyReport(ctx); err != nil {
			s.logger.Error("daily report failed, retrying later", "error", err)
			if err := sleepCtx(ctx, reportRetry); err != nil {
				return err
			}
			continue
		}
		s.ResetDay()
	}
}

// SendDailyReport renders the current day bucket and broadcasts it. The
// bucket is left alone so a manual /dailyreport now does not clear the day.
func (s *Scheduler) SendDailyReport(ctx context.Context) error {
	s.mu.Lock()
	day := s.day
	s.mu.Unlock()

	msg := notify.DailyReport(day)

	var firstErr error
	seen := make(map[string]bool)
	for _, route := range s.cfg.Routes() {
		if seen[route.ChatID] {
			continue
		}
		seen[route.ChatID] = true
		if err := s.sender.SendMessage(ctx, route.ChatID, msg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sending daily report to %s: %w", route.ChatID, err)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	s.logger.Info("daily report sent", "day", day.Day(), "rounds", day.Rounds())
	return nil
}

// ResetDay starts a fresh statistics bucket for the current date.
func (s *Scheduler) ResetDay() {
	s.mu.Lock()
	s.day = notify.NewDailyStats(time.Now())
	s.mu.Unlock()
}

// sleepCtx pauses for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
