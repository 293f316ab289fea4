// ABOUTME: BFS search for retention paths from an object back to the root set
// ABOUTME: Answers "why is this object still alive" after a collection

package graph

// Path is a retention chain, starting at the queried object and ending at a root
type Path struct {
	IDs []ObjID
}

// PathsToRoots returns up to maxPaths shortest retention paths for from.
// An object that is itself a root yields the single path [from]. An
// unreachable object yields no paths.
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 || g.GetObject(from) == nil {
		return nil
	}

	isRoot := make(map[ObjID]bool)
	for _, id := range g.GetRoots().IDs {
		isRoot[id] = true
	}
	if isRoot[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	referrers := BuildReverseEdges(g)

	type step struct {
		id   ObjID
		path []ObjID
	}

	var result []Path
	queue := []step{{id: from, path: []ObjID{from}}}

	for len(queue) > 0 && len(result) < maxPaths {
		cur := queue[0]
		queue = queue[1:]

		for _, ref := range referrers[cur.id] {
			if contains(cur.path, ref) {
				continue
			}

			next := make([]ObjID, len(cur.path)+1)
			copy(next, cur.path)
			next[len(cur.path)] = ref

			if isRoot[ref] {
				result = append(result, Path{IDs: next})
				if len(result) >= maxPaths {
					break
				}
				continue
			}
			queue = append(queue, step{id: ref, path: next})
		}
	}

	return result
}

func contains(ids []ObjID, id ObjID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
