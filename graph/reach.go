// ABOUTME: Sequential reachability over a snapshot graph
// ABOUTME: Serves as the reference answer the parallel mark is checked against

package graph

// Reachable returns the set of objects reachable from the roots through
// zero or more non-nil slots. Roots or pointers naming objects missing from
// the graph are ignored.
func Reachable(g Graph) map[ObjID]bool {
	seen := make(map[ObjID]bool)
	var stack []ObjID

	for _, id := range g.GetRoots().IDs {
		if id != Nil && !seen[id] && g.GetObject(id) != nil {
			seen[id] = true
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, ptr := range g.GetObject(id).Ptrs {
			if ptr == Nil || seen[ptr] || g.GetObject(ptr) == nil {
				continue
			}
			seen[ptr] = true
			stack = append(stack, ptr)
		}
	}
	return seen
}

// Unreachable returns, in ascending order, the IDs a collection of this
// snapshot would reclaim
func Unreachable(g Graph) []ObjID {
	live := Reachable(g)
	var dead []ObjID
	g.ForEachObject(func(obj *Object) {
		if !live[obj.ID] {
			dead = append(dead, obj.ID)
		}
	})
	return dead
}
