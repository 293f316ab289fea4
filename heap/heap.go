// ABOUTME: The heap arena: sole owner of every live object
// ABOUTME: Synchronized allocation, best-effort size, exclusive iteration and sweep

package heap

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prateek/stwgc/fault"
)

// Config controls heap limits
type Config struct {
	// MaxObjects caps the number of live objects. Zero means unbounded.
	MaxObjects int

	// Logger receives violation reports. Defaults to slog.Default().
	Logger *slog.Logger
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Freed     int // objects destroyed
	Survivors int // objects left in the heap
}

// Heap is the authoritative collection of live objects
type Heap struct {
	mu      sync.Mutex
	objects map[ObjID]*Object
	nextID  ObjID

	live      atomic.Int64
	allocated atomic.Uint64
	exclusive atomic.Bool
	windows   atomic.Uint64 // stop-the-world windows opened so far

	maxObjects int
	logger     *slog.Logger
}

// New creates an empty heap
func New(cfg Config) *Heap {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Heap{
		objects:    make(map[ObjID]*Object),
		nextID:     1,
		maxObjects: cfg.MaxObjects,
		logger:     logger,
	}
}

// Allocate creates a white object with slotCount nil reference slots and
// registers it. The returned handle is non-owning.
func (h *Heap) Allocate(slotCount int) (*Object, error) {
	windows := h.windows.Load()
	if h.exclusive.Load() {
		fault.Abort(h.logger, "heap.Allocate", "allocation during stop-the-world")
	}
	if slotCount < 0 {
		return nil, fmt.Errorf("allocate %d slots: %w", slotCount, ErrAllocationFailure)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A caller that waited for the lock across a whole window was running
	// while the world was stopped, even if the window has closed by now.
	if h.exclusive.Load() || h.windows.Load() != windows {
		fault.Abort(h.logger, "heap.Allocate", "allocation raced a stop-the-world window")
	}

	if h.maxObjects > 0 && len(h.objects) >= h.maxObjects {
		return nil, fmt.Errorf("heap full at %d objects: %w", h.maxObjects, ErrAllocationFailure)
	}

	obj := &Object{
		id:    h.nextID,
		slots: make([]atomic.Pointer[Object], slotCount),
		heap:  h,
	}
	h.nextID++
	h.objects[obj.id] = obj
	h.live.Add(1)
	h.allocated.Add(1)
	return obj, nil
}

// Size returns the approximate number of live objects. It is not
// synchronized with allocation and is only meant for trigger heuristics.
func (h *Heap) Size() int {
	return int(h.live.Load())
}

// Allocated returns the number of objects ever allocated
func (h *Heap) Allocated() uint64 {
	return h.allocated.Load()
}

// Capacity returns the configured object limit, zero if unbounded
func (h *Heap) Capacity() int {
	return h.maxObjects
}

// Get returns the live object with the given ID, or nil
func (h *Heap) Get(id ObjID) *Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.objects[id]
}

// ForEach calls fn for every live object in ascending ID order.
// The caller must guarantee the heap is stable (inside a pause, or with no
// mutators running).
func (h *Heap) ForEach(fn func(*Object)) {
	h.mu.Lock()
	objs := make([]*Object, 0, len(h.objects))
	for _, obj := range h.objects {
		objs = append(objs, obj)
	}
	h.mu.Unlock()

	slices.SortFunc(objs, func(a, b *Object) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	for _, obj := range objs {
		fn(obj)
	}
}

// BeginExclusive marks the start of a stop-the-world window. Until
// EndExclusive, allocation and slot writes abort.
func (h *Heap) BeginExclusive() {
	if !h.exclusive.CompareAndSwap(false, true) {
		fault.Abort(h.logger, "heap.BeginExclusive", "heap already held exclusively")
	}
	h.windows.Add(1)
}

// EndExclusive closes the stop-the-world window
func (h *Heap) EndExclusive() {
	if !h.exclusive.CompareAndSwap(true, false) {
		fault.Abort(h.logger, "heap.EndExclusive", "heap not held exclusively")
	}
}

// Exclusive reports whether a stop-the-world window is open
func (h *Heap) Exclusive() bool {
	return h.exclusive.Load()
}

// Sweep destroys and deregisters every object for which isDead returns true.
// It must run inside BeginExclusive/EndExclusive.
func (h *Heap) Sweep(isDead func(*Object) bool) SweepResult {
	if !h.exclusive.Load() {
		fault.Abort(h.logger, "heap.Sweep", "sweep without exclusive access")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var res SweepResult
	for id, obj := range h.objects {
		if !isDead(obj) {
			res.Survivors++
			continue
		}
		obj.destroy()
		delete(h.objects, id)
		res.Freed++
	}
	h.live.Add(-int64(res.Freed))
	return res
}

// destroy poisons the object so stale handles fail instead of reading
// reclaimed state, and drops its outgoing references.
func (o *Object) destroy() {
	o.freed.Store(true)
	for i := range o.slots {
		o.slots[i].Store(nil)
	}
}
