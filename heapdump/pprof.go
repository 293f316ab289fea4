// ABOUTME: Exports a heap snapshot as a pprof profile
// ABOUTME: Objects are bucketed by slot count and reachability so go tool pprof can browse them

package heapdump

import (
	"fmt"
	"io"
	"slices"

	"github.com/google/pprof/profile"

	"github.com/prateek/stwgc/graph"
)

type bucket struct {
	slots     int
	reachable bool
}

// Profile summarizes g with two sample values per bucket: the number of
// objects and the number of non-nil references they hold. Each bucket gets
// a synthetic frame named after its object shape, e.g. "object[2]".
func Profile(g graph.Graph) *profile.Profile {
	live := graph.Reachable(g)

	counts := make(map[bucket][2]int64)
	g.ForEachObject(func(obj *graph.Object) {
		b := bucket{slots: len(obj.Ptrs), reachable: live[obj.ID]}
		c := counts[b]
		c[0]++
		for _, ptr := range obj.Ptrs {
			if ptr != graph.Nil {
				c[1]++
			}
		}
		counts[b] = c
	})

	keys := make([]bucket, 0, len(counts))
	for b := range counts {
		keys = append(keys, b)
	}
	slices.SortFunc(keys, func(a, b bucket) int {
		if a.slots != b.slots {
			return a.slots - b.slots
		}
		switch {
		case a.reachable == b.reachable:
			return 0
		case a.reachable:
			return -1
		}
		return 1
	})

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "references", Unit: "count"},
		},
		DefaultSampleType: "objects",
		PeriodType:        &profile.ValueType{Type: "objects", Unit: "count"},
		Period:            1,
	}

	functions := make(map[int]*profile.Function)
	locations := make(map[int]*profile.Location)
	for _, b := range keys {
		loc, ok := locations[b.slots]
		if !ok {
			name := fmt.Sprintf("object[%d]", b.slots)
			fn := &profile.Function{ID: uint64(len(functions) + 1), Name: name, SystemName: name}
			functions[b.slots] = fn
			p.Function = append(p.Function, fn)

			loc = &profile.Location{ID: uint64(len(locations) + 1), Line: []profile.Line{{Function: fn}}}
			locations[b.slots] = loc
			p.Location = append(p.Location, loc)
		}

		c := counts[b]
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c[0], c[1]},
			Label:    map[string][]string{"reachable": {fmt.Sprint(b.reachable)}},
			NumLabel: map[string][]int64{"slots": {int64(b.slots)}},
		})
	}
	return p
}

// WritePprof writes Profile(g) in gzipped protobuf form
func WritePprof(w io.Writer, g graph.Graph) error {
	p := Profile(g)
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if err := p.Write(w); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
