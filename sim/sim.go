// ABOUTME: Randomized mutator workload used by the demo and the stress tests
// ABOUTME: Allocates, links, relinks and drops references while polling safepoints

// Package sim drives a gc.Mutator with a random mix of allocations and
// slot writes. Every object the workload touches is reached by walking
// from its own root, so reading a freed object means the collector
// reclaimed something live.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prateek/stwgc/gc"
	"github.com/prateek/stwgc/heap"
)

// ErrLiveObjectFreed is returned when the workload reaches a reclaimed object
var ErrLiveObjectFreed = errors.New("reachable object was freed")

// Config shapes the workload
type Config struct {
	Seed  int64
	Slots int           // reference slots per object, default 2
	Think time.Duration // pause between operations, default none
	Reach int           // max objects sampled per walk, default 64
}

// Result counts what a run did
type Result struct {
	Ops     int
	Allocs  int
	Relinks int
	Drops   int
}

// Run mutates until ctx is done. The root object is allocated first and
// kept in the mutator's root set for the whole run.
func Run(ctx context.Context, m *gc.Mutator, cfg Config) (Result, error) {
	if cfg.Slots <= 0 {
		cfg.Slots = 2
	}
	if cfg.Reach <= 0 {
		cfg.Reach = 64
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	var res Result
	root, err := m.Allocate(cfg.Slots)
	if err != nil {
		return res, fmt.Errorf("mutator %d: allocate root: %w", m.ID(), err)
	}
	m.Roots().Add(root)

	for ctx.Err() == nil {
		m.Safepoint()

		live, err := sample(root, cfg.Reach)
		if err != nil {
			return res, fmt.Errorf("mutator %d: %w", m.ID(), err)
		}
		parent := live[rng.Intn(len(live))]
		slot := rng.Intn(cfg.Slots)

		switch op := rng.Intn(10); {
		case op < 6:
			obj, err := m.Allocate(cfg.Slots)
			if err != nil {
				return res, fmt.Errorf("mutator %d: %w", m.ID(), err)
			}
			if err := parent.WriteSlot(slot, obj); err != nil {
				return res, fmt.Errorf("mutator %d: link: %w", m.ID(), err)
			}
			res.Allocs++
		case op < 8:
			target := live[rng.Intn(len(live))]
			if err := parent.WriteSlot(slot, target); err != nil {
				return res, fmt.Errorf("mutator %d: relink: %w", m.ID(), err)
			}
			res.Relinks++
		default:
			if err := parent.WriteSlot(slot, nil); err != nil {
				return res, fmt.Errorf("mutator %d: drop: %w", m.ID(), err)
			}
			res.Drops++
		}
		res.Ops++

		if cfg.Think > 0 {
			time.Sleep(cfg.Think)
		}
	}
	return res, nil
}

// sample walks breadth-first from root and returns up to limit live objects
func sample(root *heap.Object, limit int) ([]*heap.Object, error) {
	seen := map[heap.ObjID]bool{root.ID(): true}
	out := []*heap.Object{root}

	for i := 0; i < len(out) && len(out) < limit; i++ {
		obj := out[i]
		for s := 0; s < obj.NumSlots(); s++ {
			child, err := obj.ReadSlot(s)
			if errors.Is(err, heap.ErrFreed) {
				return nil, fmt.Errorf("walk from %v: %w", root, ErrLiveObjectFreed)
			}
			if err != nil {
				return nil, err
			}
			if child == nil || seen[child.ID()] {
				continue
			}
			if child.Freed() {
				return nil, fmt.Errorf("%v referenced from %v: %w", child, obj, ErrLiveObjectFreed)
			}
			seen[child.ID()] = true
			out = append(out, child)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
