// Package tracker keeps error state between check runs, diffs consecutive
// runs into new, recovered, and persistent failures, and journals the
// transitions to disk.
package tracker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dalin7768/domainNameGuard/internal/checker"
)

const maxHistoryRecords = 10000

// Record is one journal entry: an endpoint entering an error state or
// recovering from one.
type Record struct {
	Domain           string     `json:"domain_name"`
	Status           string     `json:"status"`
	ErrorType        string     `json:"error_type,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	Acknowledged     bool       `json:"acknowledged"`
	AcknowledgedTime *time.Time `json:"acknowledged_time,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

// Diff is the outcome of folding one check run into the tracked state. The
// three sets are disjoint: an endpoint whose error type changed counts as a
// new error, not a persistent one.
type Diff struct {
	NewErrors  []checker.Result
	Recovered  []checker.Result
	Persistent []checker.Result
}

// Statistics summarizes the journal over a time window.
type Statistics struct {
	TotalErrors     int
	TotalRecoveries int
	ErrorTypes      map[string]int
	TopErrorDomains []DomainCount
	CurrentErrors   int
	Acknowledged    int
	Unacknowledged  int
}

// DomainCount pairs an endpoint with how often it erred in the window.
type DomainCount struct {
	Domain string
	Count  int
}

type historyFile struct {
	History      []Record  `json:"history"`
	Acknowledged []string  `json:"acknowledged_errors"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Tracker owns the current error set, the acknowledgement set, and the
// journal. An empty path keeps everything in memory only.
type Tracker struct {
	mu            sync.Mutex
	path          string
	retentionDays int

	current      map[string]checker.Result
	order        []string
	previous     map[string]checker.Result
	acknowledged map[string]bool
	history      []Record

	logger *slog.Logger
}

// New builds a Tracker, loading any existing journal at path.
func New(path string, retentionDays int, logger *slog.Logger) *Tracker {
	t := &Tracker{
		path:          path,
		retentionDays: retentionDays,
		current:       make(map[string]checker.Result),
		previous:      make(map[string]checker.Result),
		acknowledged:  make(map[string]bool),
		logger:        logger,
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	if t.path == "" {
		return
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Error("reading history file", "path", t.path, "error", err)
		}
		return
	}
	var file historyFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.logger.Error("parsing history file, starting fresh", "path", t.path, "error", err)
		return
	}
	t.history = file.History
	for _, domain := range file.Acknowledged {
		t.acknowledged[domain] = true
	}
	t.pruneExpiredLocked()
	t.logger.Info("loaded error history", "records", len(t.history))
}

// saveLocked persists the journal. Callers hold t.mu.
func (t *Tracker) saveLocked() {
	if t.path == "" {
		return
	}
	t.pruneExpiredLocked()

	acked := make([]string, 0, len(t.acknowledged))
	for domain := range t.acknowledged {
		acked = append(acked, domain)
	}
	sort.Strings(acked)

	file := historyFile{
		History:      t.history,
		Acknowledged: acked,
		LastUpdated:  time.Now(),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		t.logger.Error("encoding history file", "error", err)
		return
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		t.logger.Error("writing history file", "path", t.path, "error", err)
	}
}

func (t *Tracker) pruneExpiredLocked() {
	if t.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -t.retentionDays)
	kept := t.history[:0]
	for _, r := range t.history {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	t.history = kept
}

func (t *Tracker) addRecordLocked(rec Record) {
	t.history = append(t.history, rec)
	if len(t.history) > maxHistoryRecords {
		t.history = append([]Record(nil), t.history[len(t.history)-maxHistoryRecords:]...)
	}
}

// Update folds one run's results into the tracked state and reports what
// changed. Recovery means the endpoint probed healthy this run; an endpoint
// that merely left the watch list recovers nothing. Acknowledgements only
// survive for endpoints still in the current error set.
func (t *Tracker) Update(results []checker.Result) Diff {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.previous = t.current
	prevOrder := t.order

	t.current = make(map[string]checker.Result)
	t.order = t.order[:0:0]
	healthy := make(map[string]bool)

	for _, r := range results {
		if r.IsSuccess() {
			healthy[r.Domain] = true
			continue
		}
		if _, seen := t.current[r.Domain]; !seen {
			t.order = append(t.order, r.Domain)
		}
		t.current[r.Domain] = r
	}

	var diff Diff
	now := time.Now()

	for _, domain := range t.order {
		result := t.current[domain]
		prev, wasError := t.previous[domain]
		switch {
		case !wasError:
			diff.NewErrors = append(diff.NewErrors, result)
			t.addRecordLocked(errorRecord(result, now))
		case prev.Status != result.Status:
			// A different failure mode is news even for a known-bad endpoint.
			diff.NewErrors = append(diff.NewErrors, result)
			t.addRecordLocked(errorRecord(result, now))
		default:
			diff.Persistent = append(diff.Persistent, result)
		}
	}

	for _, domain := range prevOrder {
		if !healthy[domain] {
			continue
		}
		prev := t.previous[domain]
		rec := checker.Result{
			Domain:    domain,
			URL:       prev.URL,
			Status:    checker.StatusSuccess,
			Timestamp: now,
		}
		diff.Recovered = append(diff.Recovered, rec)
		t.addRecordLocked(Record{
			Domain:    domain,
			Status:    "recovered",
			Timestamp: now,
			Notes:     "域名已恢复正常",
		})
	}

	for domain := range t.acknowledged {
		if _, stillFailing := t.current[domain]; !stillFailing {
			delete(t.acknowledged, domain)
		}
	}

	t.saveLocked()
	return diff
}

func errorRecord(r checker.Result, now time.Time) Record {
	return Record{
		Domain:    r.Domain,
		Status:    string(r.Status),
		ErrorType: string(r.Status),
		Timestamp: now,
		Notes:     r.ErrorMessage,
	}
}

// Acknowledge marks a currently failing endpoint as handled so reminders stop
// until it recovers. It reports false when the endpoint has no active error.
func (t *Tracker) Acknowledge(domain, notes string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, failing := t.current[domain]; !failing {
		return false
	}
	t.acknowledged[domain] = true

	// Stamp the newest unacknowledged journal entry for the endpoint.
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].Domain == domain && !t.history[i].Acknowledged {
			now := time.Now()
			t.history[i].Acknowledged = true
			t.history[i].AcknowledgedTime = &now
			if notes != "" {
				t.history[i].Notes = notes
			}
			break
		}
	}

	t.saveLocked()
	t.logger.Info("error acknowledged", "domain", domain)
	return true
}

// IsAcknowledged reports whether the endpoint's active error is handled.
func (t *Tracker) IsAcknowledged(domain string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acknowledged[domain]
}

// CurrentErrors returns the active failures in their run order.
func (t *Tracker) CurrentErrors() []checker.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]checker.Result, 0, len(t.order))
	for _, domain := range t.order {
		out = append(out, t.current[domain])
	}
	return out
}

// Unacknowledged returns active failures nobody has claimed yet.
func (t *Tracker) Unacknowledged() []checker.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]checker.Result, 0, len(t.order))
	for _, domain := range t.order {
		if !t.acknowledged[domain] {
			out = append(out, t.current[domain])
		}
	}
	return out
}

// AcknowledgedErrors returns active failures somebody claimed.
func (t *Tracker) AcknowledgedErrors() []checker.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []checker.Result
	for _, domain := range t.order {
		if t.acknowledged[domain] {
			out = append(out, t.current[domain])
		}
	}
	return out
}

// History returns journal entries, optionally filtered to one endpoint and a
// trailing window in days. Zero values disable each filter.
func (t *Tracker) History(domain string, days int) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cutoff time.Time
	if days > 0 {
		cutoff = time.Now().AddDate(0, 0, -days)
	}

	var out []Record
	for _, rec := range t.history {
		if domain != "" && rec.Domain != domain {
			continue
		}
		if days > 0 && !rec.Timestamp.After(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Statistics summarizes the journal over the trailing window.
func (t *Tracker) Statistics(days int) Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days)

	stats := Statistics{
		ErrorTypes:     make(map[string]int),
		CurrentErrors:  len(t.current),
		Acknowledged:   len(t.acknowledged),
		Unacknowledged: len(t.current) - len(t.acknowledged),
	}

	domainErrors := make(map[string]int)
	for _, rec := range t.history {
		if !rec.Timestamp.After(cutoff) {
			continue
		}
		if rec.Status == "recovered" {
			stats.TotalRecoveries++
			continue
		}
		stats.TotalErrors++
		if rec.ErrorType != "" {
			stats.ErrorTypes[rec.ErrorType]++
		}
		domainErrors[rec.Domain]++
	}

	for domain, count := range domainErrors {
		stats.TopErrorDomains = append(stats.TopErrorDomains, DomainCount{Domain: domain, Count: count})
	}
	sort.Slice(stats.TopErrorDomains, func(i, j int) bool {
		if stats.TopErrorDomains[i].Count != stats.TopErrorDomains[j].Count {
			return stats.TopErrorDomains[i].Count > stats.TopErrorDomains[j].Count
		}
		return stats.TopErrorDomains[i].Domain < stats.TopErrorDomains[j].Domain
	})
	if len(stats.TopErrorDomains) > 10 {
		stats.TopErrorDomains = stats.TopErrorDomains[:10]
	}

	return stats
}

// Describe renders a short account of a record for report lines.
func (r Record) Describe() string {
	marker := "❌"
	if r.Status == "recovered" {
		marker = "✅"
	}
	return fmt.Sprintf("%s %s - %s", marker, r.Timestamp.Format("15:04:05"), r.Domain)
}
