package checker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// quickModeThreshold is the run size above which probes switch to the
	// shorter quick-mode timeout and a single retry.
	quickModeThreshold = 50
	interBatchPause    = 500 * time.Millisecond
	maxStatusCache     = 1000
	perfHistoryLimit   = 10
)

// BatchFunc is invoked after each batch with that batch's results, the batch
// counters, and the estimated time remaining for the whole run.
type BatchFunc func(results []Result, batch, totalBatches int, eta time.Duration)

// ProgressFunc is invoked after each batch with overall run progress.
type ProgressFunc func(done, total int, eta time.Duration)

// CheckBatch probes urls in batches sized by the concurrency limit. Each
// batch gets one concurrent sweep and then a single retry pass over its
// timeouts and connection failures, so a slow endpoint never blocks the
// batch. Results come back in input order. On context cancellation the
// results collected so far are returned with the context error.
func (c *Checker) CheckBatch(ctx context.Context, urls []string, onBatch BatchFunc, onProgress ProgressFunc) ([]Result, error) {
	total := len(urls)
	if total == 0 {
		return nil, nil
	}

	width := c.Concurrent()
	totalBatches := (total + width - 1) / width
	c.logger.Info("starting check run", "domains", total, "concurrent", width, "batches", totalBatches)

	start := time.Now()
	quick := total > quickModeThreshold
	all := make([]Result, 0, total)

	batchIdx := 0
	processed := 0
	for processed < total {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		// Re-read the width each batch; the load-based adjuster may have
		// moved it.
		if c.autoAdjust && batchIdx > 0 {
			c.AdjustConcurrency()
			width = c.Concurrent()
		}

		end := processed + width
		if end > total {
			end = total
		}
		batch := urls[processed:end]
		current := batchIdx + 1

		remaining := total - processed
		totalBatches = batchIdx + (remaining+width-1)/width

		c.logger.Info("processing batch",
			"batch", current, "total_batches", totalBatches,
			"size", len(batch), "concurrent", width)

		results := c.runBatch(ctx, batch, width, quick)
		if err := ctx.Err(); err != nil {
			return all, err
		}

		c.retryPass(ctx, batch, results, width, quick, current)

		all = append(all, results...)
		for _, r := range results {
			c.lastStatus.set(r.URL, r.IsSuccess())
		}
		c.recordBatchPerformance(results)

		elapsed := time.Since(start)
		avgBatch := elapsed / time.Duration(current)
		eta := avgBatch * time.Duration(totalBatches-current)

		if onBatch != nil {
			onBatch(results, current, totalBatches, eta)
		}
		if onProgress != nil {
			onProgress(end, total, eta)
		}

		processed = end
		batchIdx++

		if processed < total {
			if err := sleepCtx(ctx, interBatchPause); err != nil {
				return all, err
			}
		}
	}

	duration := time.Since(start)
	c.setLastDuration(duration)

	success := 0
	for _, r := range all {
		if r.IsSuccess() {
			success++
		}
	}
	c.logger.Info("check run finished",
		"domains", total, "success", success, "failed", total-success,
		"duration", duration.Round(100*time.Millisecond))

	// Drop the pools after every run so idle connections never leak between
	// cycles.
	c.CloseClients()

	return all, nil
}

// runBatch sweeps one batch concurrently with single-shot probes.
func (c *Checker) runBatch(ctx context.Context, batch []string, width int, quick bool) []Result {
	results := make([]Result, len(batch))
	sem := semaphore.NewWeighted(int64(width))
	var wg sync.WaitGroup
	for i, u := range batch {
		i, u := i, u
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{Domain: u, URL: u, Status: StatusUnknownError, ErrorMessage: "检查已取消", Timestamp: time.Now()}
				return
			}
			defer sem.Release(1)
			results[i] = c.CheckOnce(ctx, u, quick)
		}()
	}
	wg.Wait()
	return results
}

// retryPass re-probes the batch entries that timed out or failed to connect,
// overwriting each result in place. HTTP, DNS, and TLS outcomes are final.
func (c *Checker) retryPass(ctx context.Context, batch []string, results []Result, width int, quick bool, currentBatch int) {
	if c.retryCount <= 0 {
		return
	}
	var retryIdx []int
	for i, r := range results {
		if r.Status == StatusTimeout || r.Status == StatusConnectionError {
			retryIdx = append(retryIdx, i)
		}
	}
	if len(retryIdx) == 0 || ctx.Err() != nil {
		return
	}

	c.logger.Info("retrying transient failures", "batch", currentBatch, "count", len(retryIdx))
	if sleepCtx(ctx, c.retryDelay) != nil {
		return
	}

	retryWidth := len(retryIdx)
	if retryWidth > width {
		retryWidth = width
	}
	sem := semaphore.NewWeighted(int64(retryWidth))
	var wg sync.WaitGroup
	for _, i := range retryIdx {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			results[i] = c.Check(ctx, batch[i], 1, quick)
		}()
	}
	wg.Wait()
}

// recordBatchPerformance folds a batch's mean response time into the window
// the load adjuster reads.
func (c *Checker) recordBatchPerformance(results []Result) {
	var sum time.Duration
	n := 0
	for _, r := range results {
		if r.ResponseTime > 0 {
			sum += r.ResponseTime
			n++
		}
	}
	if n == 0 {
		return
	}
	c.perfMu.Lock()
	c.perfHistory = append(c.perfHistory, sum/time.Duration(n))
	if len(c.perfHistory) > perfHistoryLimit {
		c.perfHistory = c.perfHistory[len(c.perfHistory)-perfHistoryLimit:]
	}
	c.perfMu.Unlock()
}

// recentAverage returns the mean of the last n recorded batch response
// times, or false when fewer than n are available.
func (c *Checker) recentAverage(n int) (time.Duration, bool) {
	c.perfMu.Lock()
	defer c.perfMu.Unlock()
	if len(c.perfHistory) < n {
		return 0, false
	}
	var sum time.Duration
	for _, d := range c.perfHistory[len(c.perfHistory)-n:] {
		sum += d
	}
	return sum / time.Duration(n), true
}

// LastDuration reports how long the previous full run took.
func (c *Checker) LastDuration() time.Duration {
	c.perfMu.Lock()
	defer c.perfMu.Unlock()
	return c.lastDuration
}

func (c *Checker) setLastDuration(d time.Duration) {
	c.perfMu.Lock()
	c.lastDuration = d
	c.perfMu.Unlock()
}

// IsRecovered reports whether an endpoint that probes healthy now was
// unhealthy the last time it was seen. Endpoints never seen report false.
func (c *Checker) IsRecovered(url string, current bool) bool {
	prev, ok := c.lastStatus.get(url)
	return ok && !prev && current
}

// statusCache remembers the last up/down state per endpoint in insertion
// order. When full it drops the older half wholesale.
type statusCache struct {
	mu    sync.Mutex
	max   int
	order []string
	state map[string]bool
}

func newStatusCache(max int) *statusCache {
	return &statusCache{max: max, state: make(map[string]bool)}
}

func (s *statusCache) set(url string, up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) >= s.max {
		half := len(s.order) / 2
		for _, k := range s.order[:half] {
			delete(s.state, k)
		}
		s.order = append([]string(nil), s.order[half:]...)
	}
	if _, known := s.state[url]; !known {
		s.order = append(s.order, url)
	}
	s.state[url] = up
}

func (s *statusCache) get(url string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.state[url]
	return up, ok
}

// sleepCtx sleeps for d unless the context ends first.
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
