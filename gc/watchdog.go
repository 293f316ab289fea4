// ABOUTME: Heap-occupancy trigger policy that decides when to collect
// ABOUTME: Polls the best-effort heap size and runs a cycle past a threshold

package gc

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultThreshold is the live-object count that triggers a collection
	DefaultThreshold = 2000

	// DefaultInterval is how often the watchdog samples the heap size
	DefaultInterval = 10 * time.Millisecond
)

// Watchdog triggers collections when the heap grows past Threshold. It reads
// Heap.Size without synchronization, so a trigger may fire slightly early
// or late; that is accepted.
type Watchdog struct {
	Coordinator *Coordinator
	Threshold   int
	Interval    time.Duration
	Logger      *slog.Logger

	// OnCycle, if set, is called after every triggered collection
	OnCycle func(CycleStats)
}

// Run polls until ctx is done and returns ctx.Err()
func (w *Watchdog) Run(ctx context.Context) error {
	threshold := w.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		size := w.Coordinator.Heap().Size()
		if size <= threshold {
			continue
		}
		cs := w.Coordinator.Collect()
		logger.Info("collection triggered",
			"cycle", cs.Cycle,
			"size", size,
			"threshold", threshold,
			"freed", cs.Freed,
			"survivors", cs.Survivors,
			"time", cs.Total)
		if w.OnCycle != nil {
			w.OnCycle(cs)
		}
	}
}
