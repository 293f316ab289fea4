// ABOUTME: Mutator handle: a registered application goroutine
// ABOUTME: Allocates, holds roots and cooperates with pauses via Safepoint

package gc

import (
	"github.com/prateek/stwgc/fault"
	"github.com/prateek/stwgc/heap"
	"github.com/prateek/stwgc/safepoint"
)

// Mutator is the handle a mutator goroutine uses to talk to the collector.
// A Mutator must be used by one goroutine only.
type Mutator struct {
	c      *Coordinator
	thread *safepoint.Thread
	roots  RootSet
}

// ID returns the mutator's registration number
func (m *Mutator) ID() uint64 { return m.thread.ID() }

// Roots returns the mutator's root set
func (m *Mutator) Roots() *RootSet { return &m.roots }

// Safepoint is the cooperative poll point. It returns immediately unless a
// collection wants the world stopped, in which case it parks until the
// collection finishes.
func (m *Mutator) Safepoint() { m.thread.Poll() }

// Allocate polls the safepoint, then allocates an object with slotCount
// reference slots. The new object is only protected once it is rooted or
// stored in a reachable slot, so the caller must do that before its next
// poll point. Allocation failure is returned unchanged.
func (m *Mutator) Allocate(slotCount int) (*heap.Object, error) {
	m.thread.Poll()
	return m.c.heap.Allocate(slotCount)
}

// Collect runs a collection cycle from this mutator's goroutine. The
// mutator counts as parked for the duration of the cycle.
func (m *Mutator) Collect() CycleStats {
	return m.c.collect(m.thread)
}

// Spawn registers a new mutator from this mutator's goroutine, for handing
// to a child goroutine. If a collection is pending this mutator parks at
// the safepoint until it finishes.
func (m *Mutator) Spawn() *Mutator {
	if m.c.closed.Load() {
		fault.Abort(m.c.logger, "gc.Spawn", "coordinator is closed")
	}
	return m.c.adopt(m.thread.Spawn())
}

// Close deregisters the mutator. Its roots stop protecting anything.
// Must not be called from inside a collection.
func (m *Mutator) Close() {
	m.c.mu.Lock()
	delete(m.c.mutators, m.thread.ID())
	m.c.mu.Unlock()

	m.thread.Deregister()
	m.roots.Clear()
}
