package notify

import (
	"sync"
	"time"

	"github.com/dalin7768/domainNameGuard/internal/checker"
	"github.com/dalin7768/domainNameGuard/internal/tracker"
)

// Decision says what, if anything, a check run should send to a chat.
type Decision int

const (
	Suppress Decision = iota
	SendSummary
	SendDelta
	SendReminder
)

// Input carries one run's outcome for one chat. Recovered entries must
// already be stripped when recovery notices are disabled.
type Input struct {
	Level           string
	IsManual        bool
	CooldownMinutes int
	Results         []checker.Result
	Diff            tracker.Diff
	Unacknowledged  int
}

// Policy applies the notification level to a run's outcome.
//
// Manual runs always report in full, as does level "all". Level "error"
// reports only runs with at least one failure. Level "smart" reports set
// changes, plus a reminder while unacknowledged errors linger; reminders
// repeat at most once per cooldown window and any delta send resets the
// window. The per-endpoint failure streak is bookkeeping for display, it
// never gates a send.
type Policy struct {
	mu           sync.Mutex
	streaks      map[string]int
	lastReminder map[string]time.Time
	now          func() time.Time
}

// NewPolicy builds an empty policy. Streaks start at zero for every
// endpoint, so a failure on the very first run already counts as one.
func NewPolicy() *Policy {
	return &Policy{
		streaks:      make(map[string]int),
		lastReminder: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Decide inspects one run's outcome for the given chat and picks a send.
func (p *Policy) Decide(chatID string, in Input) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range in.Results {
		if r.IsSuccess() {
			p.streaks[r.URL] = 0
		} else {
			p.streaks[r.URL]++
		}
	}

	if in.IsManual {
		return SendSummary
	}

	switch in.Level {
	case "all":
		return SendSummary
	case "error":
		for _, r := range in.Results {
			if !r.IsSuccess() {
				return SendSummary
			}
		}
		return Suppress
	}

	// smart, and the fallback for anything unrecognized
	if len(in.Diff.NewErrors) > 0 || len(in.Diff.Recovered) > 0 {
		p.lastReminder[chatID] = p.now()
		return SendDelta
	}
	if in.Unacknowledged > 0 && p.reminderDueLocked(chatID, in.CooldownMinutes) {
		return SendReminder
	}
	return Suppress
}

func (p *Policy) reminderDueLocked(chatID string, cooldownMinutes int) bool {
	now := p.now()
	if cooldownMinutes > 0 {
		if last, ok := p.lastReminder[chatID]; ok {
			if now.Sub(last) < time.Duration(cooldownMinutes)*time.Minute {
				return false
			}
		}
	}
	p.lastReminder[chatID] = now
	return true
}

// Streak reports how many consecutive runs the endpoint has failed.
func (p *Policy) Streak(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaks[url]
}
