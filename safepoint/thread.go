// ABOUTME: Per-mutator handle for the safepoint protocol
// ABOUTME: Poll is the cooperative safepoint check mutators call periodically

package safepoint

import (
	"fmt"
	"sync/atomic"
)

// ThreadState is the per-mutator protocol state
type ThreadState int32

const (
	Active ThreadState = iota
	AtSafepoint
)

func (s ThreadState) String() string {
	switch s {
	case Active:
		return "active"
	case AtSafepoint:
		return "at-safepoint"
	}
	return fmt.Sprintf("ThreadState(%d)", int32(s))
}

// Thread is one registered mutator. It must be used by a single goroutine.
type Thread struct {
	p     *Protocol
	id    uint64
	state atomic.Int32

	// guarded by p.mu
	arrivedEpoch uint64 // epoch+1 of the last pause this thread arrived in
	gone         bool
}

// ID returns the registration number of the thread
func (t *Thread) ID() uint64 { return t.id }

// State returns the thread's protocol state
func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }

// Poll is the safepoint check. When no pause is requested it costs one
// atomic load. Otherwise the thread reports arrival and parks until Resume.
func (t *Thread) Poll() {
	if !t.p.requested.Load() {
		return
	}
	t.p.park(t)
}

// Spawn registers a new thread from t's goroutine. Unlike Protocol.Register
// it never holds up a pending pause: t arrives at the safepoint and the
// child is registered after the world resumes.
func (t *Thread) Spawn() *Thread {
	return t.p.spawn(t)
}

// Deregister removes the thread from the protocol. A thread leaving while a
// pause is being requested is dropped from that pause's target. Calling it
// more than once is a no-op.
func (t *Thread) Deregister() {
	t.p.deregister(t)
}
