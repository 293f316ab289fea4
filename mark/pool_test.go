// ABOUTME: Tests for the parallel mark worker pool
// ABOUTME: Verifies reachability closure, exactly-once enqueue and drain termination

package mark

import (
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/prateek/stwgc/heap"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// randomGraph allocates n objects with up to 3 slots each and links them
// randomly. Slot values are drawn so roughly a quarter of them stay nil.
func randomGraph(t *testing.T, rng *rand.Rand, h *heap.Heap, n int) []*heap.Object {
	t.Helper()
	objs := make([]*heap.Object, n)
	for i := range objs {
		o, err := h.Allocate(rng.Intn(4))
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		objs[i] = o
	}
	for _, o := range objs {
		for s := 0; s < o.NumSlots(); s++ {
			if rng.Intn(4) == 0 {
				continue
			}
			if err := o.WriteSlot(s, objs[rng.Intn(n)]); err != nil {
				t.Fatalf("WriteSlot: %v", err)
			}
		}
	}
	return objs
}

// reachable is a sequential reference walk
func reachable(roots []*heap.Object) map[heap.ObjID]bool {
	seen := make(map[heap.ObjID]bool)
	var stack []*heap.Object
	for _, r := range roots {
		if r != nil && !seen[r.ID()] {
			seen[r.ID()] = true
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		o.Refs(func(c *heap.Object) {
			if !seen[c.ID()] {
				seen[c.ID()] = true
				stack = append(stack, c)
			}
		})
	}
	return seen
}

func TestDrainEmpty(t *testing.T) {
	p := NewPool(Config{Workers: 2, Logger: quietLogger()})
	defer p.Shutdown()

	p.Begin()
	stats := p.Drain()
	if stats.Enqueued != 0 || stats.Scanned != 0 {
		t.Errorf("expected no work, got %+v", stats)
	}
	if len(stats.PerWorker) != 2 {
		t.Errorf("expected 2 per-worker counters, got %d", len(stats.PerWorker))
	}
}

func TestMarkLinearChain(t *testing.T) {
	h := heap.New(heap.Config{Logger: quietLogger()})
	o1, _ := h.Allocate(1)
	o2, _ := h.Allocate(1)
	o3, _ := h.Allocate(1)
	garbage, _ := h.Allocate(1)
	o1.WriteSlot(0, o2)
	o2.WriteSlot(0, o3)

	p := NewPool(Config{Workers: 3, Logger: quietLogger()})
	defer p.Shutdown()

	p.Begin()
	p.Push(o1)
	stats := p.Drain()

	for _, o := range []*heap.Object{o1, o2, o3} {
		if o.Color() != heap.Black {
			t.Errorf("%v should be black, got %v", o, o.Color())
		}
	}
	if garbage.Color() != heap.White {
		t.Errorf("unreachable object should stay white, got %v", garbage.Color())
	}
	if stats.Enqueued != 3 || stats.Scanned != 3 {
		t.Errorf("expected 3 enqueued and scanned, got %+v", stats)
	}
}

func TestMarkCycle(t *testing.T) {
	h := heap.New(heap.Config{Logger: quietLogger()})
	a, _ := h.Allocate(1)
	b, _ := h.Allocate(1)
	a.WriteSlot(0, b)
	b.WriteSlot(0, a)

	p := NewPool(Config{Workers: 2, Logger: quietLogger()})
	defer p.Shutdown()

	p.Begin()
	p.Push(a)
	stats := p.Drain()

	if stats.Enqueued != 2 {
		t.Errorf("a two-object cycle should enqueue twice, got %d", stats.Enqueued)
	}
	if a.Color() != heap.Black || b.Color() != heap.Black {
		t.Errorf("cycle members should be black, got %v and %v", a.Color(), b.Color())
	}
}

func TestPushIgnoresNil(t *testing.T) {
	p := NewPool(Config{Workers: 1, Logger: quietLogger()})
	defer p.Shutdown()

	p.Begin()
	p.Push(nil)
	if p.Pending() != 0 {
		t.Errorf("nil push should not enqueue, pending = %d", p.Pending())
	}
	p.Drain()
}

// Property: the parallel mark blackens exactly the reachable set and
// enqueues every object at most once, over many random graphs and cycles.
func TestPropertyReachabilityClosure(t *testing.T) {
	var mu sync.Mutex
	pushes := make(map[heap.ObjID]int)

	p := NewPool(Config{
		Workers: 4,
		Logger:  quietLogger(),
		OnEnqueue: func(o *heap.Object) {
			mu.Lock()
			pushes[o.ID()]++
			mu.Unlock()
		},
	})
	defer p.Shutdown()

	for seed := int64(0); seed < 30; seed++ {
		rng := rand.New(rand.NewSource(seed))
		h := heap.New(heap.Config{Logger: quietLogger()})
		objs := randomGraph(t, rng, h, 200+rng.Intn(300))

		var roots []*heap.Object
		for i := 0; i < 1+rng.Intn(5); i++ {
			roots = append(roots, objs[rng.Intn(len(objs))])
		}
		roots = append(roots, nil)
		want := reachable(roots)

		for cycle := 0; cycle < 2; cycle++ {
			mu.Lock()
			clear(pushes)
			mu.Unlock()

			p.Begin()
			for _, r := range roots {
				p.Push(r)
			}
			stats := p.Drain()

			if p.Pending() != 0 || p.Active() != 0 {
				t.Fatalf("seed %d: drain returned with %d pending, %d active", seed, p.Pending(), p.Active())
			}
			if int(stats.Enqueued) != len(want) {
				t.Errorf("seed %d cycle %d: enqueued %d, reachable %d", seed, cycle, stats.Enqueued, len(want))
			}
			for _, o := range objs {
				black := o.Color() == heap.Black
				if black != want[o.ID()] {
					t.Errorf("seed %d: %v black=%v reachable=%v", seed, o, black, want[o.ID()])
				}
				if o.Color() == heap.Grey {
					t.Errorf("seed %d: %v left grey after drain", seed, o)
				}
			}
			mu.Lock()
			for id, n := range pushes {
				if n > 1 {
					t.Errorf("seed %d: object %d enqueued %d times", seed, id, n)
				}
			}
			mu.Unlock()

			// reset marks as a sweep would
			for _, o := range objs {
				o.Whiten()
			}
		}
	}
}

func TestConcurrentPushers(t *testing.T) {
	h := heap.New(heap.Config{Logger: quietLogger()})
	objs := randomGraph(t, rand.New(rand.NewSource(7)), h, 500)

	p := NewPool(Config{Workers: 4, Logger: quietLogger()})
	defer p.Shutdown()

	p.Begin()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, o := range objs {
				p.Push(o)
			}
		}()
	}
	wg.Wait()
	stats := p.Drain()

	if stats.Enqueued != int64(len(objs)) {
		t.Errorf("every object should be enqueued once, got %d of %d", stats.Enqueued, len(objs))
	}
}

func TestShutdownIdempotent(t *testing.T) {
	p := NewPool(Config{Workers: 3, Logger: quietLogger()})
	if p.Workers() != 3 {
		t.Errorf("Workers = %d, want 3", p.Workers())
	}
	p.Shutdown()
	p.Shutdown()
}

func TestDefaultWorkers(t *testing.T) {
	p := NewPool(Config{Logger: quietLogger()})
	defer p.Shutdown()
	if p.Workers() < 1 {
		t.Errorf("expected at least one worker, got %d", p.Workers())
	}
}
