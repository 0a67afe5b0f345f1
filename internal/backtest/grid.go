package backtest

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/strategy"
	"github.com/greatjins/si-trading-system-sub000/pkg/concurrency"
)

// Grid maps parameter names to the candidate values to sweep.
type Grid map[string][]interface{}

// Expand returns the Cartesian product of the grid in a fixed order:
// keys sorted, later keys cycling fastest. An empty grid expands to a
// single empty combination.
func (g Grid) Expand() []strategy.Params {
	keys := make([]string, 0, len(g))
	for k := range g {
		if len(g[k]) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	combos := []strategy.Params{{}}
	for _, k := range keys {
		next := make([]strategy.Params, 0, len(combos)*len(g[k]))
		for _, base := range combos {
			for _, v := range g[k] {
				p := make(strategy.Params, len(base)+1)
				for bk, bv := range base {
					p[bk] = bv
				}
				p[k] = v
				next = append(next, p)
			}
		}
		combos = next
	}
	return combos
}

// GridRunner fans a parameter grid out over a worker pool, one engine
// run per combination, and ranks the gathered results.
type GridRunner struct {
	engine  *Engine
	workers int
	logger  core.ILogger
}

// NewGridRunner sizes the pool at NumCPU unless told otherwise;
// backtests are CPU bound.
func NewGridRunner(engine *Engine, workers int, logger core.ILogger) *GridRunner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &GridRunner{
		engine:  engine,
		workers: workers,
		logger:  logger.WithField("component", "grid_runner"),
	}
}

// Run backtests every combination of the grid applied on top of the
// base spec, all over the same bars, and returns the results ranked by
// Sharpe descending. The sort is stable, so ties keep grid order and
// repeated runs rank identically. Strategies are built and indicator
// columns attached before dispatch; workers only read the frame.
func (gr *GridRunner) Run(ctx context.Context, base strategy.Spec, grid Grid, frame *core.Frame) ([]*core.BacktestResult, error) {
	if frame == nil || frame.Len() == 0 {
		return nil, fmt.Errorf("grid run needs at least one bar")
	}
	combos := grid.Expand()
	strats := make([]core.IStrategy, len(combos))
	for i, combo := range combos {
		spec := base
		spec.Params = mergeParams(base.Params, combo)
		s, err := strategy.Create(spec, gr.logger)
		if err != nil {
			return nil, fmt.Errorf("combo %v: %w", combo, err)
		}
		if cu, ok := s.(strategy.ColumnUser); ok {
			if err := strategy.Apply(frame, cu.Columns()); err != nil {
				return nil, fmt.Errorf("combo %v indicator pre-pass: %w", combo, err)
			}
		}
		strats[i] = s
	}
	gr.logger.Info("Dispatching grid", "combinations", len(combos), "workers", gr.workers)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "backtest_grid",
		MaxWorkers:  gr.workers,
		MaxCapacity: len(combos) + 1,
	}, gr.logger)
	defer pool.Stop()

	results := make([]*core.BacktestResult, len(combos))
	errs := make([]error, len(combos))
	var wg sync.WaitGroup
	for i := range combos {
		wg.Add(1)
		_ = pool.Submit(func() {
			defer wg.Done()
			results[i], errs[i] = gr.engine.Run(ctx, strats[i], frame)
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("combo %v: %w", combos[i], err)
		}
	}
	for i, res := range results {
		res.Params = map[string]interface{}(combos[i])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Sharpe > results[j].Sharpe
	})
	return results, nil
}

func mergeParams(base, combo strategy.Params) strategy.Params {
	out := make(strategy.Params, len(base)+len(combo))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range combo {
		out[k] = v
	}
	return out
}
