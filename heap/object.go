// ABOUTME: Heap node type with identity, tri-color mark word and reference slots
// ABOUTME: Slots are atomics so any mutator holding the object may rewrite them

package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/prateek/stwgc/fault"
)

// ObjID is a unique identifier for a heap object. IDs are assigned in
// allocation order starting at 1 and are never reused.
type ObjID uint64

// Color is the tri-color mark state of an object
type Color uint32

const (
	White Color = iota // not yet seen this cycle
	Grey               // discovered, children not yet scanned
	Black              // scanned, all children discovered
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Grey:
		return "grey"
	case Black:
		return "black"
	}
	return fmt.Sprintf("Color(%d)", uint32(c))
}

// Object is a single heap node. The Heap owns it; every other holder
// (root sets, other objects' slots) keeps a non-owning handle.
type Object struct {
	id    ObjID
	color atomic.Uint32
	freed atomic.Bool
	slots []atomic.Pointer[Object]
	heap  *Heap
}

// ID returns the object's identity
func (o *Object) ID() ObjID { return o.id }

// NumSlots returns the fixed number of reference slots
func (o *Object) NumSlots() int { return len(o.slots) }

// Freed reports whether the object has been reclaimed by a sweep
func (o *Object) Freed() bool { return o.freed.Load() }

// ReadSlot returns the reference held in slot i, or nil
func (o *Object) ReadSlot(i int) (*Object, error) {
	if o.freed.Load() {
		return nil, fmt.Errorf("read slot %d of object %d: %w", i, o.id, ErrFreed)
	}
	if i < 0 || i >= len(o.slots) {
		return nil, fmt.Errorf("read slot %d of object %d with %d slots: %w", i, o.id, len(o.slots), ErrSlotIndex)
	}
	return o.slots[i].Load(), nil
}

// WriteSlot stores ref (which may be nil) into slot i.
//
// Writing while the heap is held exclusively means a mutator escaped the
// pause; that aborts.
func (o *Object) WriteSlot(i int, ref *Object) error {
	if o.heap != nil && o.heap.exclusive.Load() {
		fault.Abort(o.heap.logger, "heap.WriteSlot", "slot write on object %d during stop-the-world", o.id)
	}
	if o.freed.Load() {
		return fmt.Errorf("write slot %d of object %d: %w", i, o.id, ErrFreed)
	}
	if ref != nil && ref.freed.Load() {
		return fmt.Errorf("store object %d into slot %d of object %d: %w", ref.id, i, o.id, ErrFreed)
	}
	if i < 0 || i >= len(o.slots) {
		return fmt.Errorf("write slot %d of object %d with %d slots: %w", i, o.id, len(o.slots), ErrSlotIndex)
	}
	o.slots[i].Store(ref)
	return nil
}

// Refs calls fn for every non-nil outgoing reference, in slot order
func (o *Object) Refs(fn func(*Object)) {
	for i := range o.slots {
		if ref := o.slots[i].Load(); ref != nil {
			fn(ref)
		}
	}
}

// Color returns the current mark state
func (o *Object) Color() Color { return Color(o.color.Load()) }

// TryShade moves the object from white to grey. Exactly one caller per
// cycle wins; that caller owns enqueueing the object.
func (o *Object) TryShade() bool {
	return o.color.CompareAndSwap(uint32(White), uint32(Grey))
}

// Blacken records that every child of the object has been discovered
func (o *Object) Blacken() { o.color.Store(uint32(Black)) }

// Whiten resets the mark state for the next cycle
func (o *Object) Whiten() { o.color.Store(uint32(White)) }

func (o *Object) String() string {
	return fmt.Sprintf("obj#%d", o.id)
}
