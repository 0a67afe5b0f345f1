// Package backtest replays recorded bars through a strategy against a
// simulated ledger. The loop is single threaded and every price, fill
// and ranking step is deterministic, so two runs over the same input
// produce identical trade sequences.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/strategy"
)

const (
	DefaultCommission   = 0.0015
	DefaultSlippage     = 0.0005
	DefaultPositionSize = 0.1
)

// tradingDaysPerYear annualizes the Sharpe ratio.
const tradingDaysPerYear = 252

// Config tunes a simulated run. Commission and slippage are fractions
// of traded notional. PositionSize is the fraction of current equity
// committed to an unsized buy. MaxDrawdown above zero arms the same
// drawdown tripwire the live risk manager enforces: once the running
// drawdown reaches it, the book is liquidated at the next open and the
// replay stops.
type Config struct {
	InitialCapital float64 `yaml:"initial_capital"`
	Commission     float64 `yaml:"commission"`
	Slippage       float64 `yaml:"slippage"`
	PositionSize   float64 `yaml:"position_size"`
	MaxDrawdown    float64 `yaml:"max_drawdown"`
}

// DefaultConfig returns the standard cost model for KRW equities.
func DefaultConfig() Config {
	return Config{
		InitialCapital: 10_000_000,
		Commission:     DefaultCommission,
		Slippage:       DefaultSlippage,
		PositionSize:   DefaultPositionSize,
	}
}

// Engine replays bars through strategies. It is stateless across runs
// and safe to share between goroutines.
type Engine struct {
	cfg    Config
	logger core.ILogger
}

func NewEngine(cfg Config, logger core.ILogger) (*Engine, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest requires positive initial capital, got %v", cfg.InitialCapital)
	}
	if cfg.PositionSize <= 0 || cfg.PositionSize > 1 {
		return nil, fmt.Errorf("position size must be in (0, 1], got %v", cfg.PositionSize)
	}
	if cfg.Commission < 0 || cfg.Slippage < 0 || cfg.MaxDrawdown < 0 {
		return nil, fmt.Errorf("commission, slippage and max drawdown must not be negative")
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.WithField("component", "backtest_engine"),
	}, nil
}

// Run replays one symbol's bars through a bar strategy. Intents emitted
// on bar t-1 fill at open(t) adjusted by slippage; equity is marked to
// each bar's close. Intents emitted on the final bar have no next open
// and are dropped.
func (e *Engine) Run(ctx context.Context, strat core.IStrategy, frame *core.Frame) (*core.BacktestResult, error) {
	if frame == nil || frame.Len() == 0 {
		return nil, fmt.Errorf("backtest needs at least one bar")
	}
	// Attach indicator columns once on the full frame. Values only
	// depend on earlier bars, so every prefix window shares them and
	// the strategy's own Apply becomes a no-op.
	if cu, ok := strat.(strategy.ColumnUser); ok {
		if err := strategy.Apply(frame, cu.Columns()); err != nil {
			return nil, fmt.Errorf("indicator pre-pass: %w", err)
		}
	}
	warm := strat.WarmupBars()
	if warm < 1 {
		warm = 1
	}

	r := newRun(e.cfg)
	n := frame.Len()
	for k := warm; k <= n; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		intents, err := strat.OnBar(ctx, frame.Window(k))
		if err != nil {
			return nil, fmt.Errorf("on_bar at %s: %w", frame.Time[k-1].Format(time.RFC3339), err)
		}
		eq := r.markSingle(frame, k-1)
		r.record(frame.Time[k-1], eq)

		if e.cfg.MaxDrawdown > 0 && r.drawdown(eq) >= e.cfg.MaxDrawdown {
			e.logger.Warn("Drawdown tripwire hit, liquidating",
				"equity", eq, "drawdown", r.drawdown(eq))
			if k < n {
				e.liquidateSingle(ctx, r, strat, frame, k)
			}
			break
		}
		if k == n {
			break
		}
		for _, intent := range intents {
			if intent.Symbol != frame.Symbol {
				e.logger.Debug("Intent for foreign symbol dropped", "symbol", intent.Symbol)
				continue
			}
			tr := r.fill(intent, frame.Open[k], frame.Time[k], eq)
			if tr == nil {
				continue
			}
			strat.OnFill(ctx, tr)
		}
	}

	res := e.buildResult(strat.Name(), []string{frame.Symbol}, frame.Interval,
		frame.Time[0], frame.Time[n-1], r)
	return res, nil
}

func (e *Engine) liquidateSingle(ctx context.Context, r *run, strat core.IStrategy, frame *core.Frame, k int) {
	held := r.held(frame.Symbol)
	if held <= 0 {
		return
	}
	tr := r.fill(core.OrderIntent{
		Symbol:   frame.Symbol,
		Action:   core.ActionSell,
		Quantity: held,
		Reason:   "drawdown limit breached",
		Strategy: strat.Name(),
	}, frame.Open[k], frame.Time[k], 0)
	if tr != nil {
		strat.OnFill(ctx, tr)
		r.record(frame.Time[k], r.cash)
	}
}

// RunPortfolio replays daily bars for a basket of symbols through a
// portfolio strategy. Each day the strategy selects its universe and
// target weights from the data so far; the book is rebalanced at the
// next day's opens with integer-share deltas, sells before buys.
// Symbols without a bar on the rebalance day are left untouched.
func (e *Engine) RunPortfolio(ctx context.Context, strat core.IPortfolioStrategy, frames map[string]*core.Frame) (*core.BacktestResult, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("backtest needs at least one symbol")
	}
	symbols := make([]string, 0, len(frames))
	for sym, f := range frames {
		if f == nil || f.Len() == 0 {
			return nil, fmt.Errorf("symbol %s has no bars", sym)
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	timeline := mergeTimeline(frames)
	n := len(timeline)

	warm := strat.WarmupBars()
	if warm < 1 {
		warm = 1
	}

	r := newRun(e.cfg)
	cursors := make(map[string]int, len(symbols))
	lastClose := make(map[string]float64, len(symbols))

	for t := 0; t < n; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		day := timeline[t]
		for _, sym := range symbols {
			f := frames[sym]
			c := cursors[sym]
			for c < f.Len() && !f.Time[c].After(day) {
				lastClose[sym] = f.Close[c]
				c++
			}
			cursors[sym] = c
		}
		if t < warm-1 {
			continue
		}
		eq := r.markPortfolio(lastClose)
		r.record(day, eq)

		if e.cfg.MaxDrawdown > 0 && r.drawdown(eq) >= e.cfg.MaxDrawdown {
			e.logger.Warn("Drawdown tripwire hit, liquidating",
				"equity", eq, "drawdown", r.drawdown(eq))
			if t+1 < n {
				opens := nextOpens(frames, cursors, symbols, timeline[t+1])
				r.rebalance(strat.Name(), map[string]float64{}, opens, timeline[t+1], eq)
				r.record(timeline[t+1], r.markPortfolio(lastClose))
			}
			break
		}
		if t+1 >= n {
			break
		}

		views := make(map[string]*core.Frame, len(symbols))
		for _, sym := range symbols {
			if cursors[sym] > 0 {
				views[sym] = frames[sym].Window(cursors[sym])
			}
		}
		selected := strat.SelectUniverse(ctx, views)
		weights := strat.TargetWeights(ctx, views, selected)
		opens := nextOpens(frames, cursors, symbols, timeline[t+1])
		r.rebalance(strat.Name(), weights, opens, timeline[t+1], eq)
	}

	res := e.buildResult(strat.Name(), symbols, frames[symbols[0]].Interval,
		timeline[0], timeline[n-1], r)
	return res, nil
}

// mergeTimeline unions the bar timestamps of all frames, ascending.
func mergeTimeline(frames map[string]*core.Frame) []time.Time {
	seen := make(map[int64]time.Time)
	for _, f := range frames {
		for _, ts := range f.Time {
			seen[ts.UnixNano()] = ts
		}
	}
	timeline := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		timeline = append(timeline, ts)
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Before(timeline[j]) })
	return timeline
}

// nextOpens returns the open price of each symbol's bar on the given
// day, omitting symbols that do not trade that day.
func nextOpens(frames map[string]*core.Frame, cursors map[string]int, symbols []string, day time.Time) map[string]float64 {
	opens := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		f := frames[sym]
		c := cursors[sym]
		if c < f.Len() && f.Time[c].Equal(day) {
			opens[sym] = f.Open[c]
		}
	}
	return opens
}
