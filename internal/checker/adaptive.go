package checker

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	minPoolWidth = 1
	maxPoolWidth = 200
	// adjustDeadband is the relative change below which a suggestion is
	// ignored, so the pool is not rebuilt for noise.
	adjustDeadband = 0.2
)

// Concurrent returns the current worker pool width.
func (c *Checker) Concurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxConcurrent
}

func (c *Checker) setConcurrent(n int) {
	c.mu.Lock()
	c.maxConcurrent = n
	c.mu.Unlock()
}

// AdjustConcurrency recomputes the pool width from system load and recent
// response times. When metrics cannot be read the width stays as it is.
func (c *Checker) AdjustConcurrency() int {
	if !c.autoAdjust {
		return c.Concurrent()
	}

	cpuPercents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercents) == 0 {
		return c.Concurrent()
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return c.Concurrent()
	}

	return c.applyAdjustment(cpuPercents[0], vm.UsedPercent)
}

// applyAdjustment holds the sizing rules, split from the metric reads so the
// rules are testable with synthetic load figures. Suggestions start from the
// configured width, never the drifted one, so the pool recovers when load
// does.
func (c *Checker) applyAdjustment(cpuPercent, memPercent float64) int {
	suggested := c.initialConcurrent

	switch {
	case cpuPercent > 80:
		suggested = atLeast(1, int(float64(c.initialConcurrent)*0.5))
		c.logger.Warn("high cpu load, shrinking concurrency", "cpu", cpuPercent, "suggested", suggested)
	case cpuPercent > 60:
		suggested = atLeast(2, int(float64(c.initialConcurrent)*0.7))
	case cpuPercent < 30:
		suggested = atMost(maxPoolWidth, c.initialConcurrent*2)
	}

	if memPercent > 85 {
		limit := atLeast(1, int(float64(c.initialConcurrent)*0.3))
		if limit < suggested {
			suggested = limit
		}
		c.logger.Warn("high memory pressure, capping concurrency", "mem", memPercent, "suggested", suggested)
	} else if memPercent > 70 {
		limit := atLeast(2, int(float64(c.initialConcurrent)*0.6))
		if limit < suggested {
			suggested = limit
		}
	}

	if recent, ok := c.recentAverage(3); ok {
		if recent > time.Duration(float64(c.timeout)*0.8) {
			suggested = atLeast(1, int(float64(suggested)*0.7))
			c.logger.Info("responses near timeout, shrinking concurrency", "recent_avg", recent, "suggested", suggested)
		}
	}

	suggested = atLeast(minPoolWidth, atMost(maxPoolWidth, suggested))

	current := c.Concurrent()
	diff := suggested - current
	if diff < 0 {
		diff = -diff
	}
	if float64(diff)/float64(current) > adjustDeadband {
		c.setConcurrent(suggested)
		c.logger.Info("adjusted concurrency",
			"from", current, "to", suggested,
			"cpu", cpuPercent, "mem", memPercent)
		// Pool limits are sized from the width, so rebuild.
		c.CloseClients()
		return suggested
	}
	return current
}

func atLeast(floor, n int) int {
	if n < floor {
		return floor
	}
	return n
}

func atMost(ceil, n int) int {
	if n > ceil {
		return ceil
	}
	return n
}
