// ABOUTME: Per-mutator root set: the references a mutator currently holds live
// ABOUTME: Written only by its owner, read by the coordinator only while paused

package gc

import "github.com/prateek/stwgc/heap"

// RootSet models a mutator's stack and registers as an explicit set of
// references. It is not safe for concurrent writers; only the owning
// mutator may change it.
type RootSet struct {
	refs []*heap.Object
}

// Add inserts obj. nil and objects already present are ignored.
func (r *RootSet) Add(obj *heap.Object) {
	if obj == nil || r.Contains(obj) {
		return
	}
	r.refs = append(r.refs, obj)
}

// Remove drops obj and reports whether it was present
func (r *RootSet) Remove(obj *heap.Object) bool {
	for i, ref := range r.refs {
		if ref == obj {
			last := len(r.refs) - 1
			r.refs[i] = r.refs[last]
			r.refs[last] = nil
			r.refs = r.refs[:last]
			return true
		}
	}
	return false
}

// Contains reports whether obj is a root
func (r *RootSet) Contains(obj *heap.Object) bool {
	for _, ref := range r.refs {
		if ref == obj {
			return true
		}
	}
	return false
}

// Clear drops every root
func (r *RootSet) Clear() {
	clear(r.refs)
	r.refs = r.refs[:0]
}

// Len returns the number of roots
func (r *RootSet) Len() int {
	return len(r.refs)
}

// Each calls fn for every root in unspecified order
func (r *RootSet) Each(fn func(*heap.Object)) {
	for _, ref := range r.refs {
		fn(ref)
	}
}
