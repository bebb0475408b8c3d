package checker

import (
	"testing"
	"time"
)

func TestApplyAdjustment(t *testing.T) {
	tests := []struct {
		name string
		cpu  float64
		mem  float64
		want int
	}{
		{"high cpu halves", 90, 50, 5},
		{"medium cpu", 65, 50, 7},
		{"idle cpu doubles", 20, 50, 20},
		{"normal load unchanged", 50, 50, 10},
		{"high memory wins", 50, 90, 3},
		{"medium memory", 50, 75, 6},
		{"idle cpu but high memory", 20, 90, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChecker(10, 0, 0, 10)
			got := c.applyAdjustment(tt.cpu, tt.mem)
			if got != tt.want {
				t.Errorf("applyAdjustment(%v, %v) = %d, want %d", tt.cpu, tt.mem, got, tt.want)
			}
			if c.Concurrent() != tt.want {
				t.Errorf("Concurrent() = %d, want %d", c.Concurrent(), tt.want)
			}
		})
	}
}

func TestApplyAdjustment_Deadband(t *testing.T) {
	c := newTestChecker(10, 0, 0, 10)
	c.setConcurrent(9)

	// Suggestion of 10 against a current width of 9 is within the deadband.
	if got := c.applyAdjustment(50, 50); got != 9 {
		t.Errorf("applyAdjustment() = %d, want 9 (unchanged)", got)
	}
}

func TestApplyAdjustment_SlowResponses(t *testing.T) {
	c := newTestChecker(10, 0, 0, 10)

	// Three batches averaging 9s against a 10s timeout cross the 80% line.
	slow := []Result{{Status: StatusSuccess, ResponseTime: 9 * time.Second}}
	for i := 0; i < 3; i++ {
		c.recordBatchPerformance(slow)
	}

	if got := c.applyAdjustment(50, 50); got != 7 {
		t.Errorf("applyAdjustment() = %d, want 7 after slow responses", got)
	}
}

func TestApplyAdjustment_FloorAndCeiling(t *testing.T) {
	// A width of 1 cannot shrink below 1 even under full load.
	c := newTestChecker(10, 0, 0, 1)
	if got := c.applyAdjustment(95, 95); got != 1 {
		t.Errorf("applyAdjustment() = %d, want floor of 1", got)
	}

	// Doubling from 150 hits the 200 ceiling.
	c = newTestChecker(10, 0, 0, 150)
	if got := c.applyAdjustment(10, 50); got != 200 {
		t.Errorf("applyAdjustment() = %d, want ceiling of 200", got)
	}
}

func TestAdjustConcurrency_DisabledIsNoop(t *testing.T) {
	c := newTestChecker(10, 0, 0, 10)
	// autoAdjust defaults to false in the test config.
	if got := c.AdjustConcurrency(); got != 10 {
		t.Errorf("AdjustConcurrency() = %d, want 10", got)
	}
}

func TestRecentAverage(t *testing.T) {
	c := newTestChecker(10, 0, 0, 2)

	if _, ok := c.recentAverage(3); ok {
		t.Error("recentAverage with empty history reported ok")
	}

	for _, d := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		c.recordBatchPerformance([]Result{{ResponseTime: d}})
	}
	avg, ok := c.recentAverage(3)
	if !ok || avg != 2*time.Second {
		t.Errorf("recentAverage(3) = (%v, %v), want (2s, true)", avg, ok)
	}
}
