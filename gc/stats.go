// ABOUTME: Per-cycle statistics and the running summary of all cycles
// ABOUTME: Pause and cycle time distributions are summarized with go-moremath

package gc

import (
	"sync"
	"time"

	"github.com/aclements/go-moremath/stats"
)

// CycleStats describes one collection
type CycleStats struct {
	Cycle        uint64        // 1-based cycle number
	Roots        int           // root references seeded, duplicates included
	Marked       int64         // objects enqueued by the mark phase
	Freed        int           // objects reclaimed by the sweep
	Survivors    int           // objects left in the heap
	PauseLatency time.Duration // time until every mutator was parked
	MarkTime     time.Duration
	SweepTime    time.Duration
	Total        time.Duration // request to resume
	PerWorker    []int64       // objects scanned by each mark worker
}

// Distribution summarizes a set of durations
type Distribution struct {
	Mean time.Duration
	Max  time.Duration
	P99  time.Duration
}

// Summary aggregates every cycle run by a Coordinator. Distributions cover
// the most recent cycles only.
type Summary struct {
	Cycles       uint64
	Freed        uint64
	PauseLatency Distribution
	CycleTime    Distribution
}

// historyLimit bounds the samples kept for distributions
const historyLimit = 1024

type history struct {
	mu     sync.Mutex
	cycles uint64
	freed  uint64
	pauses []float64
	totals []float64
}

// record adds a finished cycle and returns its cycle number
func (h *history) record(cs CycleStats) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cycles++
	h.freed += uint64(cs.Freed)
	h.pauses = appendBounded(h.pauses, float64(cs.PauseLatency))
	h.totals = appendBounded(h.totals, float64(cs.Total))
	return h.cycles
}

func (h *history) summary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Summary{
		Cycles:       h.cycles,
		Freed:        h.freed,
		PauseLatency: distribution(h.pauses),
		CycleTime:    distribution(h.totals),
	}
}

func appendBounded(xs []float64, x float64) []float64 {
	if len(xs) == historyLimit {
		copy(xs, xs[1:])
		xs = xs[:historyLimit-1]
	}
	return append(xs, x)
}

func distribution(xs []float64) Distribution {
	if len(xs) == 0 {
		return Distribution{}
	}
	sample := stats.Sample{Xs: append([]float64(nil), xs...)}
	_, hi := sample.Bounds()
	return Distribution{
		Mean: time.Duration(sample.Mean()),
		Max:  time.Duration(hi),
		P99:  time.Duration(sample.Quantile(0.99)),
	}
}
