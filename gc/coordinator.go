// ABOUTME: The collection cycle: pause, seed roots, parallel mark, sweep, resume
// ABOUTME: One explicit Coordinator owns its safepoint protocol and mark workers

// Package gc orchestrates stop-the-world collections. A Coordinator owns a
// safepoint.Protocol and a mark.Pool; mutators register with it and get a
// Mutator handle. Collect runs one full cycle:
//
//	Idle -> RequestingPause -> Marking -> Sweeping -> Resuming -> Idle
//
// Marking happens entirely inside the pause. There is no write barrier, so
// resuming mutators before the sweep would be unsound.
package gc

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prateek/stwgc/fault"
	"github.com/prateek/stwgc/graph"
	"github.com/prateek/stwgc/heap"
	"github.com/prateek/stwgc/mark"
	"github.com/prateek/stwgc/safepoint"
)

// Phase is the coordinator's position in a collection cycle
type Phase int32

const (
	Idle Phase = iota
	RequestingPause
	Marking
	Sweeping
	Resuming
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case RequestingPause:
		return "requesting-pause"
	case Marking:
		return "marking"
	case Sweeping:
		return "sweeping"
	case Resuming:
		return "resuming"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Config controls a Coordinator
type Config struct {
	// Workers is the number of mark workers. Defaults to GOMAXPROCS.
	Workers int

	// StallWarning logs when stopping the world takes longer than this.
	// Zero disables it.
	StallWarning time.Duration

	// CheckMarks re-derives reachability sequentially after every mark
	// phase and aborts if the parallel result differs. Expensive.
	CheckMarks bool

	// OnEnqueue is passed to the mark pool; see mark.Config
	OnEnqueue func(*heap.Object)

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns the configuration used when fields are left zero
func DefaultConfig() Config {
	return Config{
		Workers:      runtime.GOMAXPROCS(0),
		StallWarning: time.Second,
	}
}

// Coordinator runs collections over one heap
type Coordinator struct {
	heap      *heap.Heap
	safepoint *safepoint.Protocol
	pool      *mark.Pool
	logger    *slog.Logger

	checkMarks bool

	collectMu sync.Mutex // one cycle at a time
	phase     atomic.Int32
	closed    atomic.Bool

	mu       sync.Mutex // guards mutators
	mutators map[uint64]*Mutator

	stats history
}

// New creates a coordinator for h and starts its mark workers
func New(h *heap.Heap, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		heap: h,
		safepoint: safepoint.New(safepoint.Config{
			StallWarning: cfg.StallWarning,
			Logger:       logger,
		}),
		pool: mark.NewPool(mark.Config{
			Workers:   cfg.Workers,
			OnEnqueue: cfg.OnEnqueue,
			Logger:    logger,
		}),
		logger:     logger,
		checkMarks: cfg.CheckMarks,
		mutators:   make(map[uint64]*Mutator),
	}
}

// Heap returns the heap the coordinator collects
func (c *Coordinator) Heap() *heap.Heap { return c.heap }

// Phase returns the current cycle phase
func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

// Workers returns the number of mark workers
func (c *Coordinator) Workers() int { return c.pool.Workers() }

// Mutators returns the number of registered mutators
func (c *Coordinator) Mutators() int { return c.safepoint.Registered() }

// Register adds a mutator. If a collection is in progress it blocks until
// the collection finishes. It must not be called from a registered
// mutator's goroutine, which would never arrive at that collection's
// pause; use Mutator.Spawn there.
func (c *Coordinator) Register() *Mutator {
	if c.closed.Load() {
		fault.Abort(c.logger, "gc.Register", "coordinator is closed")
	}
	return c.adopt(c.safepoint.Register())
}

func (c *Coordinator) adopt(t *safepoint.Thread) *Mutator {
	m := &Mutator{c: c, thread: t}

	c.mu.Lock()
	c.mutators[m.thread.ID()] = m
	c.mu.Unlock()
	return m
}

// Collect runs one full collection and blocks until mutators are resumed.
// It must not be called from a registered mutator's goroutine; use
// Mutator.Collect there. Concurrent calls, including Mutator.Collect and
// Snapshot, are serialized.
func (c *Coordinator) Collect() CycleStats {
	return c.collect(nil)
}

func (c *Coordinator) collect(self *safepoint.Thread) CycleStats {
	c.lockCycle(self)
	defer c.collectMu.Unlock()

	if c.closed.Load() {
		fault.Abort(c.logger, "gc.Collect", "coordinator is closed")
	}
	start := time.Now()
	var cs CycleStats

	c.setPhase(RequestingPause)
	cs.PauseLatency = c.safepoint.RequestPause(self)
	c.heap.BeginExclusive()

	c.setPhase(Marking)
	markStart := time.Now()
	c.pool.Begin()
	cs.Roots = c.seedRoots()
	drain := c.pool.Drain()
	if c.checkMarks {
		c.verifyMarks()
	}
	cs.Marked = drain.Enqueued
	cs.PerWorker = drain.PerWorker
	cs.MarkTime = time.Since(markStart)

	c.setPhase(Sweeping)
	sweepStart := time.Now()
	swept := c.heap.Sweep(c.isDead)
	c.heap.EndExclusive()
	cs.Freed = swept.Freed
	cs.Survivors = swept.Survivors
	cs.SweepTime = time.Since(sweepStart)

	c.setPhase(Resuming)
	c.safepoint.Resume()
	c.setPhase(Idle)

	cs.Total = time.Since(start)
	cs.Cycle = c.stats.record(cs)

	c.logger.Debug("collection finished",
		"cycle", cs.Cycle,
		"roots", cs.Roots,
		"marked", cs.Marked,
		"freed", cs.Freed,
		"survivors", cs.Survivors,
		"pause", cs.PauseLatency,
		"total", cs.Total)
	return cs
}

// lockCycle takes collectMu. A mutator keeps polling while another cycle
// or snapshot holds it, since that cycle may be waiting for it to arrive.
func (c *Coordinator) lockCycle(self *safepoint.Thread) {
	if self == nil {
		c.collectMu.Lock()
		return
	}
	for !c.collectMu.TryLock() {
		self.Poll()
		runtime.Gosched()
	}
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
}

// seedRoots pushes every registered mutator's roots. World is stopped.
func (c *Coordinator) seedRoots() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, m := range c.mutators {
		m.roots.Each(func(obj *heap.Object) {
			c.pool.Push(obj)
			n++
		})
	}
	return n
}

// isDead is the sweep predicate: white objects die, black ones are reset
// to white for the next cycle.
func (c *Coordinator) isDead(obj *heap.Object) bool {
	switch color := obj.Color(); color {
	case heap.White:
		return true
	case heap.Black:
		obj.Whiten()
		return false
	default:
		fault.Abort(c.logger, "gc.Sweep", "%v is %v at sweep time", obj, color)
		return false
	}
}

// verifyMarks compares the parallel mark against a sequential walk of a
// snapshot. World is stopped.
func (c *Coordinator) verifyMarks() {
	g := c.snapshotLocked()
	live := graph.Reachable(g)
	g.ForEachObject(func(obj *graph.Object) {
		black := obj.Color == heap.Black.String()
		if black == live[obj.ID] {
			return
		}
		if live[obj.ID] {
			var path []graph.ObjID
			if paths := graph.PathsToRoots(g, obj.ID, 1); len(paths) > 0 {
				path = paths[0].IDs
			}
			fault.Abort(c.logger, "gc.CheckMarks", "object %d is %s but reachable via %v", obj.ID, obj.Color, path)
		}
		fault.Abort(c.logger, "gc.CheckMarks", "object %d is %s but unreachable", obj.ID, obj.Color)
	})
}

// Snapshot stops the world and copies the heap graph and the union of all
// root sets into a detached graph. Must not be called from a mutator.
func (c *Coordinator) Snapshot() *graph.MemGraph {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()

	c.safepoint.RequestPause(nil)
	c.heap.BeginExclusive()
	g := c.snapshotLocked()
	c.heap.EndExclusive()
	c.safepoint.Resume()
	return g
}

func (c *Coordinator) snapshotLocked() *graph.MemGraph {
	g := graph.NewMemGraph()
	c.heap.ForEach(func(obj *heap.Object) {
		g.AddObject(graph.FromHeap(obj))
	})

	var roots graph.Roots
	c.mu.Lock()
	for _, m := range c.mutators {
		m.roots.Each(func(obj *heap.Object) {
			roots.IDs = append(roots.IDs, obj.ID())
		})
	}
	c.mu.Unlock()
	g.SetRoots(roots)
	return g
}

// Stats summarizes every cycle run so far
func (c *Coordinator) Stats() Summary {
	return c.stats.summary()
}

// Close stops the mark workers after any in-flight cycle. Registered
// mutators should be closed first.
func (c *Coordinator) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.collectMu.Lock()
	defer c.collectMu.Unlock()
	c.pool.Shutdown()
}
