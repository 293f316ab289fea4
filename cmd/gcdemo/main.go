// ABOUTME: Demo driver: several mutators churn a shared heap while a watchdog collects
// ABOUTME: Prints cycle statistics and can dump the final heap as JSON or pprof

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prateek/stwgc"
	"github.com/prateek/stwgc/gc"
	"github.com/prateek/stwgc/graph"
	"github.com/prateek/stwgc/heap"
	"github.com/prateek/stwgc/heapdump"
	"github.com/prateek/stwgc/sim"
)

type options struct {
	mutators   int
	workers    int
	threshold  int
	duration   time.Duration
	maxObjects int
	slots      int
	think      time.Duration
	seed       int64
	checkMarks bool
	dump       string
	pprof      string
	verbose    bool
}

func main() {
	var opts options
	flag.IntVar(&opts.mutators, "mutators", 3, "number of mutator goroutines")
	flag.IntVar(&opts.workers, "workers", 4, "number of mark workers")
	flag.IntVar(&opts.threshold, "threshold", gc.DefaultThreshold, "heap size that triggers a collection")
	flag.DurationVar(&opts.duration, "duration", 5*time.Second, "how long to run")
	flag.IntVar(&opts.maxObjects, "max-objects", 0, "heap capacity in objects (0 = unbounded)")
	flag.IntVar(&opts.slots, "slots", 2, "reference slots per object")
	flag.DurationVar(&opts.think, "think", 0, "pause between mutator operations")
	flag.Int64Var(&opts.seed, "seed", 1, "workload seed")
	flag.BoolVar(&opts.checkMarks, "checkmarks", false, "verify every mark phase against a sequential walk")
	flag.StringVar(&opts.dump, "dump", "", "write the final heap snapshot as JSON to this file")
	flag.StringVar(&opts.pprof, "pprof", "", "write the final heap snapshot as a pprof profile to this file")
	flag.BoolVar(&opts.verbose, "v", false, "log every collection")
	flag.Parse()

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(opts, logger, os.Stdout); err != nil {
		logger.Error("demo failed", "err", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger, out io.Writer) error {
	if opts.mutators < 1 {
		return fmt.Errorf("need at least one mutator, got %d", opts.mutators)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	h := heap.New(heap.Config{MaxObjects: opts.maxObjects, Logger: logger})
	c := gc.New(h, gc.Config{
		Workers:      opts.workers,
		StallWarning: time.Second,
		CheckMarks:   opts.checkMarks,
		Logger:       logger,
	})
	defer c.Close()

	logger.Info("starting",
		"version", stwgc.Version,
		"mutators", opts.mutators,
		"workers", c.Workers(),
		"threshold", opts.threshold,
		"duration", opts.duration)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithTimeout(gctx, opts.duration)
	defer cancelRun()
	// Mutators outlive runCtx so the final snapshot can stop them
	mutCtx, stopMutators := context.WithCancel(gctx)
	defer stopMutators()

	var ops atomic.Int64
	for i := 0; i < opts.mutators; i++ {
		m := c.Register()
		cfg := sim.Config{
			Seed:  opts.seed + int64(i),
			Slots: opts.slots,
			Think: opts.think,
		}
		g.Go(func() error {
			defer m.Close()
			res, err := sim.Run(mutCtx, m, cfg)
			ops.Add(int64(res.Ops))
			logger.Debug("mutator finished",
				"mutator", m.ID(),
				"ops", res.Ops,
				"allocs", res.Allocs,
				"relinks", res.Relinks,
				"drops", res.Drops)
			return err
		})
	}

	w := &gc.Watchdog{
		Coordinator: c,
		Threshold:   opts.threshold,
		Logger:      logger,
	}
	g.Go(func() error {
		if err := w.Run(runCtx); !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	<-runCtx.Done()
	var snap *graph.MemGraph
	if (opts.dump != "" || opts.pprof != "") && gctx.Err() == nil {
		snap = c.Snapshot()
	}
	stopMutators()

	if err := g.Wait(); err != nil {
		return err
	}

	if snap != nil {
		if err := writeSnapshot(snap, opts); err != nil {
			return err
		}
	}

	printSummary(out, c.Stats(), h, ops.Load())
	return nil
}

func writeSnapshot(snap *graph.MemGraph, opts options) error {
	if opts.dump != "" {
		if err := writeFile(opts.dump, func(w io.Writer) error { return heapdump.WriteJSON(w, snap) }); err != nil {
			return fmt.Errorf("write dump: %w", err)
		}
	}
	if opts.pprof != "" {
		if err := writeFile(opts.pprof, func(w io.Writer) error { return heapdump.WritePprof(w, snap) }); err != nil {
			return fmt.Errorf("write profile: %w", err)
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(out io.Writer, s gc.Summary, h *heap.Heap, ops int64) {
	fmt.Fprintf(out, "cycles:        %d\n", s.Cycles)
	fmt.Fprintf(out, "mutator ops:   %d\n", ops)
	fmt.Fprintf(out, "allocated:     %d\n", h.Allocated())
	fmt.Fprintf(out, "freed:         %d\n", s.Freed)
	fmt.Fprintf(out, "live at exit:  %d\n", h.Size())
	if s.Cycles == 0 {
		return
	}
	fmt.Fprintf(out, "pause latency: mean %v  p99 %v  max %v\n",
		s.PauseLatency.Mean, s.PauseLatency.P99, s.PauseLatency.Max)
	fmt.Fprintf(out, "cycle time:    mean %v  p99 %v  max %v\n",
		s.CycleTime.Mean, s.CycleTime.P99, s.CycleTime.Max)
}
