// ABOUTME: Graph interface and in-memory implementation for heap snapshots
// ABOUTME: Snapshots are detached from the live heap and safe to query at leisure

package graph

import (
	"slices"
	"sync"
)

// Graph is a read-mostly view of a heap snapshot
type Graph interface {
	// AddObject adds or replaces an object
	AddObject(obj *Object)

	// GetObject retrieves an object by ID, nil if absent
	GetObject(id ObjID) *Object

	// NumObjects returns the total number of objects
	NumObjects() int

	// ForEachObject visits all objects in ascending ID order
	ForEachObject(fn func(*Object))

	// SetRoots sets the root set
	SetRoots(roots Roots)

	// GetRoots returns the root set
	GetRoots() Roots
}

// MemGraph is an in-memory implementation of Graph
type MemGraph struct {
	mu      sync.RWMutex
	objects map[ObjID]*Object
	roots   Roots
}

// NewMemGraph creates an empty snapshot graph
func NewMemGraph() *MemGraph {
	return &MemGraph{
		objects: make(map[ObjID]*Object),
	}
}

func (g *MemGraph) AddObject(obj *Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[obj.ID] = obj
}

func (g *MemGraph) GetObject(id ObjID) *Object {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects[id]
}

func (g *MemGraph) NumObjects() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.RLock()
	ids := make([]ObjID, 0, len(g.objects))
	for id := range g.objects {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		if obj := g.GetObject(id); obj != nil {
			fn(obj)
		}
	}
}

func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = roots
}

func (g *MemGraph) GetRoots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roots
}
