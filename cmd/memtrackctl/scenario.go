package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/joshuapare/memtrack/pool"
	"github.com/joshuapare/memtrack/provider/arena"
	"github.com/joshuapare/memtrack/tracker"
	"github.com/joshuapare/memtrack/tracking"
)

func init() {
	rootCmd.AddCommand(newScenarioCmd())
}

func newScenarioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenario",
		Short: "Replay the split/free attribution scenario",
		Long: `The scenario command allocates through two tracked pools on an arena,
splits one allocation, frees the low half, and checks pool attribution after
every step.

Example:
  memtrackctl scenario
  memtrackctl scenario --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario()
		},
	}
}

// ScenarioStep is one checked step of the scenario.
type ScenarioStep struct {
	Op     string `json:"op"`
	Addr   string `json:"addr"`
	Want   string `json:"want"`
	Got    string `json:"got"`
	Passed bool   `json:"passed"`
}

type scenarioRun struct {
	tr    *tracker.Tracker
	steps []ScenarioStep
}

func (s *scenarioRun) expectPool(a uintptr, want *pool.Handle) {
	step := ScenarioStep{Op: "getPool", Addr: fmt.Sprintf("%#x", a), Want: want.Label()}
	got, err := s.tr.GetPool(a)
	if err != nil {
		step.Got = err.Error()
	} else {
		step.Got = got.Label()
		step.Passed = got == want
	}
	s.steps = append(s.steps, step)
}

func (s *scenarioRun) expectNotFound(a uintptr) {
	step := ScenarioStep{Op: "getPool", Addr: fmt.Sprintf("%#x", a), Want: "not found"}
	got, err := s.tr.GetPool(a)
	if err != nil {
		step.Got = "not found"
		step.Passed = errors.Is(err, tracker.ErrNotFound)
	} else {
		step.Got = got.Label()
	}
	s.steps = append(s.steps, step)
}

func (s *scenarioRun) do(op string, a uintptr, err error) error {
	step := ScenarioStep{Op: op, Addr: fmt.Sprintf("%#x", a), Want: "ok", Got: "ok", Passed: err == nil}
	if err != nil {
		step.Got = err.Error()
	}
	s.steps = append(s.steps, step)
	return err
}

func (s *scenarioRun) failed() int {
	n := 0
	for _, st := range s.steps {
		if !st.Passed {
			n++
		}
	}
	return n
}

// playScenario runs every step against a fresh tracker and arena.
func playScenario() (*scenarioRun, error) {
	tr, err := tracker.New()
	if err != nil {
		return nil, err
	}
	defer tr.Destroy()

	up, err := arena.New(arena.Options{Name: "scenario", Size: 1 << 20})
	if err != nil {
		return nil, err
	}
	p1, err := tracking.New(up, pool.NewHandle("P1"), tr)
	if err != nil {
		return nil, err
	}
	p2, err := tracking.New(up, pool.NewHandle("P2"), tr)
	if err != nil {
		return nil, err
	}

	run := &scenarioRun{tr: tr}

	a, err := p1.Alloc(4096, 16)
	if run.do("alloc P1 4096", a, err) != nil {
		return run, nil
	}
	b, err := p2.Alloc(100, 16)
	if run.do("alloc P2 100", b, err) != nil {
		return run, nil
	}
	run.expectPool(a, p1.Pool())
	run.expectPool(b+99, p2.Pool())

	if run.do("split 4096 at 1024", a, p1.Split(a, 4096, 1024)) != nil {
		return run, nil
	}
	run.expectPool(a+2000, p1.Pool())

	if run.do("free 1024", a, p1.Free(a, 1024)) != nil {
		return run, nil
	}
	run.expectPool(a+2000, p1.Pool())
	run.expectNotFound(a)

	_ = run.do("free 3072", a+1024, p1.Free(a+1024, 3072))
	_ = run.do("free 100", b, p2.Free(b, 100))
	run.expectNotFound(b)
	return run, nil
}

func runScenario() error {
	run, err := playScenario()
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(run.steps); err != nil {
			return err
		}
	} else {
		for i, st := range run.steps {
			mark := "ok"
			if !st.Passed {
				mark = "FAIL"
			}
			printInfo("%2d. %-20s %-12s want=%-10s got=%-10s %s\n", i+1, st.Op, st.Addr, st.Want, st.Got, mark)
		}
	}

	if n := run.failed(); n > 0 {
		return errors.Newf("scenario: %d of %d steps failed", n, len(run.steps))
	}
	printVerbose("scenario passed (%d steps)\n", len(run.steps))
	return nil
}
