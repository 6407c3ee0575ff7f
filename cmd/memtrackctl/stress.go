package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/memtrack/mempool"
	"github.com/joshuapare/memtrack/provider"
	"github.com/joshuapare/memtrack/provider/arena"
	"github.com/joshuapare/memtrack/tracker"
)

var (
	stressConfigPath string
	stressWorkers    int
	stressOps        int
	stressPools      int
	stressSeed       int64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().StringVarP(&stressConfigPath, "config", "c", "", "YAML workload file")
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", 0, "Concurrent workers (overrides config)")
	cmd.Flags().IntVarP(&stressOps, "ops", "n", 0, "Operations per worker (overrides config)")
	cmd.Flags().IntVarP(&stressPools, "pools", "p", 0, "Pools sharing the arena (overrides config)")
	cmd.Flags().Int64Var(&stressSeed, "seed", 0, "Random seed (overrides config)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent alloc/free/split/merge workload",
		Long: `The stress command runs concurrent workers that allocate, free, split
and merge through several tracked pools sharing one arena. When the workload
finishes it checks that live ranges are disjoint and correctly attributed, then
frees everything and checks that nothing is left tracked.

Example:
  memtrackctl stress
  memtrackctl stress -w 16 -n 50000
  memtrackctl stress --config workload.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := stressConfigFromFlags()
			if err != nil {
				return err
			}
			return runStress(cmd.Context(), cfg)
		},
	}
}

func stressConfigFromFlags() (StressConfig, error) {
	cfg, err := loadStressConfig(stressConfigPath)
	if err != nil {
		return cfg, err
	}
	if stressWorkers > 0 {
		cfg.Workers = stressWorkers
	}
	if stressOps > 0 {
		cfg.Ops = stressOps
	}
	if stressPools > 0 {
		cfg.Pools = stressPools
	}
	if stressSeed != 0 {
		cfg.Seed = stressSeed
	}
	return cfg, cfg.validate()
}

// StressResult summarises a stress run.
type StressResult struct {
	Config      StressConfig  `json:"config"`
	Allocs      int64         `json:"allocs"`
	Frees       int64         `json:"frees"`
	Splits      int64         `json:"splits"`
	Merges      int64         `json:"merges"`
	OutOfMemory int64         `json:"out_of_memory"`
	LiveAtEnd   int           `json:"live_at_end"`
	BytesAtEnd  uint          `json:"bytes_at_end"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

type stressCounters struct {
	allocs, frees, splits, merges, oom atomic.Int64
}

type stressBlock struct {
	pool *mempool.Pool
	ptr  uintptr
	size uint
}

type stressPair struct {
	pool      *mempool.Pool
	low, high uintptr
	total     uint
}

// stressWorker owns the allocations it made; no other worker touches them.
type stressWorker struct {
	cfg    StressConfig
	pools  []*mempool.Pool
	rng    *rand.Rand
	blocks []stressBlock
	pairs  []stressPair
	c      *stressCounters
}

func (w *stressWorker) pickOp() string {
	n := w.rng.Intn(w.cfg.Mix.total())
	switch {
	case n < w.cfg.Mix.Alloc:
		return "alloc"
	case n < w.cfg.Mix.Alloc+w.cfg.Mix.Free:
		return "free"
	case n < w.cfg.Mix.Alloc+w.cfg.Mix.Free+w.cfg.Mix.Split:
		return "split"
	default:
		return "merge"
	}
}

func (w *stressWorker) run(ctx context.Context) error {
	for i := 0; i < w.cfg.Ops; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		switch w.pickOp() {
		case "alloc":
			err = w.alloc()
		case "free":
			err = w.free()
		case "split":
			err = w.split()
		case "merge":
			err = w.merge()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *stressWorker) alloc() error {
	size := w.cfg.MinSize + uint(w.rng.Int63n(int64(w.cfg.MaxSize-w.cfg.MinSize+1)))
	p := w.pools[w.rng.Intn(len(w.pools))]

	ptr, err := p.AlignedMalloc(size, w.cfg.Align)
	if errors.Is(err, provider.ErrOutOfMemory) {
		w.c.oom.Add(1)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "alloc")
	}
	w.c.allocs.Add(1)

	owner, err := mempool.ByPointer(ptr + uintptr(size) - 1)
	if err != nil {
		return errors.Wrapf(err, "attribute %#x", ptr)
	}
	if owner != p {
		return errors.Newf("%#x attributed to %s, allocated by %s", ptr, owner.Name(), p.Name())
	}
	w.blocks = append(w.blocks, stressBlock{pool: p, ptr: ptr, size: size})
	return nil
}

func (w *stressWorker) takeBlock() (stressBlock, bool) {
	if len(w.blocks) == 0 {
		return stressBlock{}, false
	}
	i := w.rng.Intn(len(w.blocks))
	b := w.blocks[i]
	w.blocks[i] = w.blocks[len(w.blocks)-1]
	w.blocks = w.blocks[:len(w.blocks)-1]
	return b, true
}

func (w *stressWorker) free() error {
	b, ok := w.takeBlock()
	if !ok {
		return nil
	}
	if err := mempool.Free(b.ptr); err != nil {
		return errors.Wrapf(err, "free %#x", b.ptr)
	}
	w.c.frees.Add(1)
	return nil
}

func (w *stressWorker) split() error {
	b, ok := w.takeBlock()
	if !ok {
		return nil
	}
	first := 1 + uint(w.rng.Int63n(int64(b.size-1)))
	if err := b.pool.Split(b.ptr, b.size, first); err != nil {
		return errors.Wrapf(err, "split %#x", b.ptr)
	}
	w.c.splits.Add(1)
	w.pairs = append(w.pairs, stressPair{pool: b.pool, low: b.ptr, high: b.ptr + uintptr(first), total: b.size})
	return nil
}

func (w *stressWorker) merge() error {
	if len(w.pairs) == 0 {
		return nil
	}
	i := w.rng.Intn(len(w.pairs))
	pr := w.pairs[i]
	w.pairs[i] = w.pairs[len(w.pairs)-1]
	w.pairs = w.pairs[:len(w.pairs)-1]

	if err := pr.pool.Merge(pr.low, pr.high, pr.total); err != nil {
		return errors.Wrapf(err, "merge %#x+%#x", pr.low, pr.high)
	}
	w.c.merges.Add(1)
	w.blocks = append(w.blocks, stressBlock{pool: pr.pool, ptr: pr.low, size: pr.total})
	return nil
}

// verify checks that every allocation the worker holds is tracked exactly.
func (w *stressWorker) verify(tr *tracker.Tracker) error {
	check := func(p *mempool.Pool, base uintptr, size uint) error {
		r, err := tr.Lookup(base)
		if err != nil {
			return errors.Wrapf(err, "live block %#x", base)
		}
		if r.Base != base || r.Size != size || r.Pool != p.Handle() {
			return errors.Newf("live block %#x+%d tracked as %s", base, size, r)
		}
		return nil
	}
	for _, b := range w.blocks {
		if err := check(b.pool, b.ptr, b.size); err != nil {
			return err
		}
	}
	for _, pr := range w.pairs {
		lowSize := uint(pr.high - pr.low)
		if err := check(pr.pool, pr.low, lowSize); err != nil {
			return err
		}
		if err := check(pr.pool, pr.high, pr.total-lowSize); err != nil {
			return err
		}
	}
	return nil
}

// release frees everything the worker still holds.
func (w *stressWorker) release() error {
	var errs error
	for _, b := range w.blocks {
		errs = errors.CombineErrors(errs, mempool.Free(b.ptr))
	}
	for _, pr := range w.pairs {
		errs = errors.CombineErrors(errs, pr.pool.Free(pr.low))
		errs = errors.CombineErrors(errs, pr.pool.Free(pr.high))
	}
	w.blocks, w.pairs = nil, nil
	return errs
}

// stressWorkload runs cfg to completion and leaves nothing tracked behind.
func stressWorkload(ctx context.Context, cfg StressConfig) (StressResult, error) {
	res := StressResult{Config: cfg}

	tr, err := tracker.Get()
	if err != nil {
		return res, err
	}
	up, err := arena.New(arena.Options{
		Name:      "stress",
		Base:      uintptr(cfg.Arena.Base),
		Size:      uint(cfg.Arena.Size),
		Alignment: cfg.Align,
	})
	if err != nil {
		return res, err
	}

	pools := make([]*mempool.Pool, cfg.Pools)
	for i := range pools {
		p, err := mempool.New(fmt.Sprintf("stress-%d", i), up)
		if err != nil {
			return res, err
		}
		pools[i] = p
		defer p.Destroy()
	}

	var counters stressCounters
	workers := make([]*stressWorker, cfg.Workers)
	errs := make([]error, cfg.Workers)
	start := time.Now()

	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = &stressWorker{
			cfg:   cfg,
			pools: pools,
			rng:   rand.New(rand.NewSource(cfg.Seed + int64(i))),
			c:     &counters,
		}
		wg.Add(1)
		go func(w *stressWorker, i int) {
			defer wg.Done()
			errs[i] = w.run(ctx)
		}(workers[i], i)
	}
	wg.Wait()
	res.Elapsed = time.Since(start)

	res.Allocs = counters.allocs.Load()
	res.Frees = counters.frees.Load()
	res.Splits = counters.splits.Load()
	res.Merges = counters.merges.Load()
	res.OutOfMemory = counters.oom.Load()
	for _, p := range pools {
		n, b := p.Owned()
		res.LiveAtEnd += n
		res.BytesAtEnd += b
	}

	var runErr error
	for _, err := range errs {
		runErr = errors.CombineErrors(runErr, err)
	}
	if runErr == nil {
		runErr = tr.CheckDisjoint()
	}
	for _, w := range workers {
		if runErr == nil {
			runErr = w.verify(tr)
		}
		runErr = errors.CombineErrors(runErr, w.release())
	}
	if runErr != nil {
		return res, runErr
	}

	for _, p := range pools {
		if n, b := p.Owned(); n != 0 {
			return res, errors.Newf("%s still owns %d ranges (%d bytes) after release", p.Name(), n, b)
		}
	}
	if s := up.Stats(); s.LiveBlocks != 0 {
		return res, errors.Newf("arena still has %d live blocks after release", s.LiveBlocks)
	}
	return res, nil
}

func runStress(ctx context.Context, cfg StressConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	printVerbose("stress: %d workers x %d ops over %d pools (seed %d)\n",
		cfg.Workers, cfg.Ops, cfg.Pools, cfg.Seed)

	res, err := stressWorkload(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "stress")
	}
	if jsonOut {
		return printJSON(res)
	}
	if quiet {
		return nil
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stdout, "allocs:        %d\n", res.Allocs)
	p.Fprintf(os.Stdout, "frees:         %d\n", res.Frees)
	p.Fprintf(os.Stdout, "splits:        %d\n", res.Splits)
	p.Fprintf(os.Stdout, "merges:        %d\n", res.Merges)
	p.Fprintf(os.Stdout, "out of memory: %d\n", res.OutOfMemory)
	p.Fprintf(os.Stdout, "live at end:   %d ranges, %d bytes\n", res.LiveAtEnd, res.BytesAtEnd)
	ops := res.Allocs + res.Frees + res.Splits + res.Merges
	p.Fprintf(os.Stdout, "elapsed:       %v (%.0f ops/s)\n", res.Elapsed.Round(time.Millisecond),
		float64(ops)/res.Elapsed.Seconds())
	p.Fprintf(os.Stdout, "verified:      disjoint, attributed, fully released\n")
	return nil
}
