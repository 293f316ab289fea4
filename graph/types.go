// ABOUTME: Core data types for heap snapshots
// ABOUTME: Defines the snapshot Object, its slot edges and the root set

package graph

import "github.com/prateek/stwgc/heap"

// ObjID identifies an object; it is the heap's allocation ID.
// Zero never names an object and stands for a nil slot.
type ObjID = heap.ObjID

// Nil is the ObjID recorded for an empty slot
const Nil ObjID = 0

// Object is a frozen copy of one heap object
type Object struct {
	ID    ObjID   // Unique identifier
	Color string  // Mark state when the snapshot was taken
	Ptrs  []ObjID // One entry per reference slot; Nil for an empty slot
}

// Roots is the union of every mutator's root set at snapshot time
type Roots struct {
	IDs []ObjID // Object IDs held directly by mutators
}

// FromHeap copies a single heap object. The caller must hold the world
// stopped so slots cannot change underneath the copy.
func FromHeap(o *heap.Object) *Object {
	obj := &Object{
		ID:    o.ID(),
		Color: o.Color().String(),
		Ptrs:  make([]ObjID, o.NumSlots()),
	}
	for i := range obj.Ptrs {
		if ref, err := o.ReadSlot(i); err == nil && ref != nil {
			obj.Ptrs[i] = ref.ID()
		}
	}
	return obj
}
