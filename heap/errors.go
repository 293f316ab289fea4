// ABOUTME: Sentinel errors returned by heap allocation and slot access
// ABOUTME: Callers match them with errors.Is

package heap

import "errors"

var (
	// ErrAllocationFailure is returned when the heap cannot hold another object
	ErrAllocationFailure = errors.New("allocation failure")

	// ErrSlotIndex is returned for a slot index outside [0, NumSlots)
	ErrSlotIndex = errors.New("slot index out of range")

	// ErrFreed is returned when a handle to a reclaimed object is used
	ErrFreed = errors.New("object has been freed")
)
