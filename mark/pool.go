// ABOUTME: Parallel mark engine: long-lived workers draining a shared grey worklist
// ABOUTME: CAS on the mark word deduplicates pushes; drain detection ends each mark phase

// Package mark computes reachability in parallel. Workers live as long as
// the pool and park while the worklist is empty. The pool is only sound
// while the world is stopped: no mutator may rewrite reference slots
// between Begin and Drain, because there is no write barrier.
package mark

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"github.com/prateek/stwgc/fault"
	"github.com/prateek/stwgc/heap"
)

// Config controls the worker pool
type Config struct {
	// Workers is the number of mark workers. Defaults to GOMAXPROCS.
	Workers int

	// OnEnqueue, if set, is called by the goroutine that wins the mark CAS
	// for an object, just before the object is put on the worklist. It may
	// be called concurrently.
	OnEnqueue func(*heap.Object)

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// DrainStats describes one mark phase
type DrainStats struct {
	Enqueued  int64         // objects shaded grey and pushed
	Scanned   int64         // objects popped and blackened
	PerWorker []int64       // Scanned split by worker
	Duration  time.Duration // time spent in Drain
}

type counter struct {
	n atomic.Int64
	_ cpu.CacheLinePad
}

// Pool is a fixed set of mark workers sharing one worklist
type Pool struct {
	mu       sync.Mutex
	workC    *sync.Cond // worklist became non-empty, or shutdown
	idleC    *sync.Cond // worklist empty and no worker active
	stack    []*heap.Object
	shutdown bool

	_        cpu.CacheLinePad
	active   atomic.Int32
	_        cpu.CacheLinePad
	enqueued atomic.Int64
	scanned  []counter

	onEnqueue func(*heap.Object)
	logger    *slog.Logger
	group     errgroup.Group
}

// NewPool starts the workers. They run until Shutdown.
func NewPool(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		scanned:   make([]counter, workers),
		onEnqueue: cfg.OnEnqueue,
		logger:    logger,
	}
	p.workC = sync.NewCond(&p.mu)
	p.idleC = sync.NewCond(&p.mu)

	for i := 0; i < workers; i++ {
		id := i
		p.group.Go(func() error {
			labels := pprof.Labels("stwgc", "mark-worker", "worker", strconv.Itoa(id))
			pprof.Do(context.Background(), labels, func(context.Context) {
				p.work(id)
			})
			return nil
		})
	}
	return p
}

// Workers returns the number of mark workers
func (p *Pool) Workers() int {
	return len(p.scanned)
}

// Begin starts a mark phase: the worklist is cleared and per-cycle
// counters reset.
func (p *Pool) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		fault.Abort(p.logger, "mark.Begin", "pool is shut down")
	}
	clear(p.stack)
	p.stack = p.stack[:0]
	p.enqueued.Store(0)
	for i := range p.scanned {
		p.scanned[i].n.Store(0)
	}
}

// Push shades obj grey and enqueues it. Only the caller that wins the
// white-to-grey CAS enqueues, so each object enters the worklist at most
// once per cycle. nil is ignored. Safe for concurrent use.
func (p *Pool) Push(obj *heap.Object) {
	if obj == nil || !obj.TryShade() {
		return
	}
	if p.onEnqueue != nil {
		p.onEnqueue(obj)
	}
	p.enqueued.Add(1)

	p.mu.Lock()
	p.stack = append(p.stack, obj)
	p.workC.Signal()
	p.mu.Unlock()
}

// pop removes an arbitrary grey object. Caller holds p.mu.
func (p *Pool) pop() *heap.Object {
	n := len(p.stack) - 1
	obj := p.stack[n]
	p.stack[n] = nil
	p.stack = p.stack[:n]
	return obj
}

func (p *Pool) work(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for len(p.stack) == 0 && !p.shutdown {
			p.workC.Wait()
		}
		if p.shutdown {
			return
		}

		// pop and the active increment happen under one lock hold, so an
		// empty list with zero active workers really is the end of marking
		obj := p.pop()
		p.active.Add(1)
		p.mu.Unlock()

		obj.Refs(p.Push)
		obj.Blacken()
		p.scanned[id].n.Add(1)

		p.mu.Lock()
		if p.active.Add(-1) == 0 && len(p.stack) == 0 {
			p.idleC.Broadcast()
		}
	}
}

// Drain wakes the workers and blocks until the worklist is empty and no
// worker is scanning. On return every object reachable from the pushed
// roots is black.
func (p *Pool) Drain() DrainStats {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		fault.Abort(p.logger, "mark.Drain", "pool is shut down")
	}
	p.workC.Broadcast()
	for len(p.stack) != 0 || p.active.Load() != 0 {
		p.idleC.Wait()
	}
	if n, active := len(p.stack), p.active.Load(); n != 0 || active != 0 {
		fault.Abort(p.logger, "mark.Drain", "drain detected with %d pending and %d active workers", n, active)
	}

	stats := DrainStats{
		Enqueued:  p.enqueued.Load(),
		PerWorker: make([]int64, len(p.scanned)),
		Duration:  time.Since(start),
	}
	for i := range p.scanned {
		stats.PerWorker[i] = p.scanned[i].n.Load()
		stats.Scanned += stats.PerWorker[i]
	}
	if stats.Scanned != stats.Enqueued {
		fault.Abort(p.logger, "mark.Drain", "scanned %d objects but enqueued %d", stats.Scanned, stats.Enqueued)
	}
	return stats
}

// Pending returns the current worklist length
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack)
}

// Active returns the number of workers currently scanning an object
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Shutdown stops and joins every worker. The worklist is discarded.
// Further calls are no-ops.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.stack = nil
	p.workC.Broadcast()
	p.idleC.Broadcast()
	p.mu.Unlock()

	p.group.Wait()
}
