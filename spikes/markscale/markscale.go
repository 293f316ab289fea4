// ABOUTME: Spike to measure parallel mark throughput against worker count
// ABOUTME: Builds one fully reachable random graph and collects it repeatedly

package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"runtime"
	"time"

	"github.com/prateek/stwgc/gc"
	"github.com/prateek/stwgc/heap"
)

func main() {
	objects := flag.Int("objects", 200000, "objects in the graph")
	slots := flag.Int("slots", 4, "reference slots per object")
	rounds := flag.Int("rounds", 5, "collections per worker count")
	flag.Parse()

	fmt.Printf("GOMAXPROCS=%d objects=%d slots=%d\n", runtime.GOMAXPROCS(0), *objects, *slots)
	fmt.Println("workers  mark/cycle   objects/sec  imbalance")

	for workers := 1; workers <= 2*runtime.GOMAXPROCS(0); workers *= 2 {
		mark, imbalance := measure(workers, *objects, *slots, *rounds)
		rate := float64(*objects) / mark.Seconds()
		fmt.Printf("%7d  %10v  %12.0f  %8.2fx\n", workers, mark.Round(time.Microsecond), rate, imbalance)
	}
}

// measure returns the mean mark time and the ratio of the busiest worker's
// scan count to the mean
func measure(workers, objects, slots, rounds int) (time.Duration, float64) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := heap.New(heap.Config{Logger: logger})
	c := gc.New(h, gc.Config{Workers: workers, Logger: logger})
	defer c.Close()

	m := c.Register()
	defer m.Close()
	build(m, objects, slots)

	var total time.Duration
	var imbalance float64
	for i := 0; i < rounds; i++ {
		cs := m.Collect()
		if cs.Freed != 0 {
			panic(fmt.Sprintf("collected %d reachable objects", cs.Freed))
		}
		total += cs.MarkTime

		var sum, hi int64
		for _, n := range cs.PerWorker {
			sum += n
			hi = max(hi, n)
		}
		if sum > 0 {
			imbalance += float64(hi) * float64(len(cs.PerWorker)) / float64(sum)
		}
	}
	return total / time.Duration(rounds), imbalance / float64(rounds)
}

// build makes a spine from the root through every object, then fills the
// remaining slots with random edges so the mark has sharing and cycles
func build(m *gc.Mutator, objects, slots int) {
	rng := rand.New(rand.NewSource(1))
	objs := make([]*heap.Object, objects)
	for i := range objs {
		o, err := m.Allocate(slots)
		if err != nil {
			panic(err)
		}
		objs[i] = o
		if i == 0 {
			m.Roots().Add(o)
			continue
		}
		must(objs[i-1].WriteSlot(0, o))
	}
	for _, o := range objs {
		for s := 1; s < slots; s++ {
			must(o.WriteSlot(s, objs[rng.Intn(len(objs))]))
		}
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
