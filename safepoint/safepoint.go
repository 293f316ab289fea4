// ABOUTME: Cooperative pause/resume protocol between the collector and mutators
// ABOUTME: Mutators poll a flag; a requested pause parks them until Resume

// Package safepoint implements the stop-the-world handshake. A coordinator
// calls RequestPause, which publishes a pause flag and waits until every
// registered mutator has arrived at a safepoint by calling Poll. Mutators
// stay parked until Resume.
//
// Pause latency is bounded only by the longest interval between two Poll
// calls in any mutator. A mutator that never polls stalls the pause forever;
// Config.StallWarning only reports that situation.
package safepoint

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/prateek/stwgc/fault"
)

// State is the global protocol state
type State int32

const (
	Running State = iota
	PauseRequested
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case PauseRequested:
		return "pause-requested"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config controls the protocol
type Config struct {
	// StallWarning logs a warning when a pause has not completed after this
	// long. The pause keeps waiting. Zero disables the warning.
	StallWarning time.Duration

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// Protocol coordinates pauses for one set of mutators
type Protocol struct {
	requested atomic.Bool
	_         cpu.CacheLinePad

	mu         sync.Mutex
	arrivedC   *sync.Cond // signalled when the last mutator arrives
	resumeC    *sync.Cond // broadcast on Resume
	state      State
	registered int
	arrived    int
	target     int
	epoch      uint64
	nextID     uint64
	threads    map[uint64]*Thread
	self       *Thread

	stallWarning time.Duration
	logger       *slog.Logger
}

// New creates a protocol with no registered mutators
func New(cfg Config) *Protocol {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		threads:      make(map[uint64]*Thread),
		stallWarning: cfg.StallWarning,
		logger:       logger,
	}
	p.arrivedC = sync.NewCond(&p.mu)
	p.resumeC = sync.NewCond(&p.mu)
	return p
}

// Register adds a mutator. If a pause is in progress it blocks until the
// world resumes, so the set of mutators never changes under a pause.
func (p *Protocol) Register() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.state != Running {
		p.resumeC.Wait()
	}
	return p.registerLocked()
}

// spawn registers a thread on behalf of a registered parent. While a pause
// is pending the parent arrives and parks, so the pause can complete.
func (p *Protocol) spawn(parent *Thread) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	if parent.gone {
		fault.Abort(p.logger, "safepoint.Spawn", "thread %d spawned after deregistering", parent.id)
	}
	for p.state != Running {
		if p.state == Paused {
			fault.Abort(p.logger, "safepoint.Spawn", "thread %d running while the world is paused", parent.id)
		}
		p.arrive(parent)
		epoch := p.epoch
		for p.epoch == epoch {
			p.resumeC.Wait()
		}
		parent.state.Store(int32(Active))
	}
	return p.registerLocked()
}

func (p *Protocol) registerLocked() *Thread {
	p.nextID++
	t := &Thread{p: p, id: p.nextID}
	p.threads[t.id] = t
	p.registered++
	return t
}

// RequestPause stops the world. It publishes the pause flag, fixes the
// number of mutators it waits for, and returns once all of them are parked
// at a safepoint, reporting how long that took.
//
// self is the calling mutator when a mutator requests the pause from its
// own goroutine; it counts as arrived. Pass nil from a non-mutator.
func (p *Protocol) RequestPause(self *Thread) time.Duration {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Running {
		fault.Abort(p.logger, "safepoint.RequestPause", "pause requested while %s", p.state)
	}
	p.state = PauseRequested
	p.requested.Store(true)
	p.arrived = 0
	p.target = p.registered
	if self != nil {
		if self.p != p || self.gone {
			fault.Abort(p.logger, "safepoint.RequestPause", "requesting thread %d is not registered", self.id)
		}
		p.arrive(self)
		p.self = self
	}

	epoch := p.epoch
	var stall *time.Timer
	if p.stallWarning > 0 {
		stall = time.AfterFunc(p.stallWarning, func() { p.reportStall(epoch, start) })
	}

	for p.arrived < p.target {
		p.arrivedC.Wait()
	}
	if p.arrived > p.target {
		fault.Abort(p.logger, "safepoint.RequestPause", "arrived %d exceeds target %d", p.arrived, p.target)
	}
	p.state = Paused
	if stall != nil {
		stall.Stop()
	}
	return time.Since(start)
}

// Resume releases every parked mutator and resets the arrival state
func (p *Protocol) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Paused {
		fault.Abort(p.logger, "safepoint.Resume", "resume while %s", p.state)
	}
	p.requested.Store(false)
	p.state = Running
	p.arrived = 0
	p.target = 0
	p.epoch++
	if p.self != nil {
		p.self.state.Store(int32(Active))
		p.self = nil
	}
	p.resumeC.Broadcast()
}

// arrive records t at the safepoint. Caller holds p.mu and releases it by
// defer, so an abort here unwinds cleanly.
func (p *Protocol) arrive(t *Thread) {
	if t.arrivedEpoch == p.epoch+1 {
		fault.Abort(p.logger, "safepoint.Poll", "thread %d arrived twice in one pause", t.id)
	}
	p.arrived++
	if p.arrived > p.target {
		fault.Abort(p.logger, "safepoint.Poll", "arrived %d exceeds target %d", p.arrived, p.target)
	}
	t.arrivedEpoch = p.epoch + 1
	t.state.Store(int32(AtSafepoint))
	if p.arrived == p.target {
		p.arrivedC.Signal()
	}
}

// park blocks a polling mutator until the current pause ends
func (p *Protocol) park(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Running:
		// flag was cleared between the load and the lock
		return
	case Paused:
		fault.Abort(p.logger, "safepoint.Poll", "thread %d running while the world is paused", t.id)
	}
	if t.gone {
		fault.Abort(p.logger, "safepoint.Poll", "thread %d polled after deregistering", t.id)
	}

	p.arrive(t)
	epoch := p.epoch
	for p.epoch == epoch {
		p.resumeC.Wait()
	}
	t.state.Store(int32(Active))
}

func (p *Protocol) deregister(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.gone {
		return
	}
	if p.state == Paused {
		fault.Abort(p.logger, "safepoint.Deregister", "thread %d deregistering while the world is paused", t.id)
	}
	t.gone = true
	delete(p.threads, t.id)
	p.registered--
	if p.state == PauseRequested {
		// t never arrived (arrived threads are parked), so it leaves the target
		p.target--
		if p.arrived >= p.target {
			p.arrivedC.Signal()
		}
	}
}

func (p *Protocol) reportStall(epoch uint64, start time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PauseRequested || p.epoch != epoch {
		return
	}
	var missing []uint64
	for id, t := range p.threads {
		if t.arrivedEpoch != p.epoch+1 {
			missing = append(missing, id)
		}
	}
	p.logger.Warn("safepoint pause stalled",
		"waited", time.Since(start),
		"arrived", p.arrived,
		"target", p.target,
		"missing", missing)
}

// State returns the current global state
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PauseRequested reports the pause flag without taking the lock
func (p *Protocol) PauseRequested() bool {
	return p.requested.Load()
}

// Registered returns the number of registered mutators
func (p *Protocol) Registered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

// Arrived returns the number of mutators parked in the current pause
func (p *Protocol) Arrived() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arrived
}

// Epoch returns the number of completed pauses
func (p *Protocol) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}
