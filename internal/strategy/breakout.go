package strategy

import (
	"context"
	"fmt"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func init() {
	Register("breakout", func(spec Spec, logger core.ILogger) (core.IStrategy, error) {
		lookback := spec.Params.Int("lookback", 20)
		maxPyramids := spec.Params.Int("max_pyramids", 3)
		step := spec.Params.Float("pyramid_step", 0.03)
		trail := spec.Params.Float("trail_pct", 0.08)
		if lookback <= 0 || maxPyramids < 0 || step <= 0 || trail <= 0 || trail >= 1 {
			return nil, fmt.Errorf("breakout parameters out of range")
		}
		return NewBreakout(spec.Symbol, lookback, maxPyramids, step, trail, logger), nil
	})
}

// Breakout enters when the close clears the prior N-bar high, pyramids
// into strength in fixed price steps above the entry, and exits the
// whole position on a percent trailing stop from the highest close.
type Breakout struct {
	symbol      string
	lookback    int
	maxPyramids int
	pyramidStep float64
	trailPct    float64
	states      *States
	logger      core.ILogger
}

func NewBreakout(symbol string, lookback, maxPyramids int, pyramidStep, trailPct float64, logger core.ILogger) *Breakout {
	return &Breakout{
		symbol:      symbol,
		lookback:    lookback,
		maxPyramids: maxPyramids,
		pyramidStep: pyramidStep,
		trailPct:    trailPct,
		states:      NewStates(),
		logger:      logger.WithField("component", "breakout_strategy").WithField("symbol", symbol),
	}
}

func (s *Breakout) Name() string { return "breakout" }

func (s *Breakout) WarmupBars() int { return s.lookback + 1 }

func (s *Breakout) OnBar(ctx context.Context, f *core.Frame) ([]core.OrderIntent, error) {
	if s.symbol != "" && f.Symbol != s.symbol {
		return nil, nil
	}
	if f.Len() < s.WarmupBars() {
		return nil, nil
	}
	i := f.Len() - 1
	last := f.Close[i]
	st := s.states.Get(f.Symbol)

	if st.TotalUnits > 0 {
		if last > st.HighestPrice {
			st.HighestPrice = last
		}
		st.TrailingStopPrice = st.HighestPrice * (1 - s.trailPct)
		if last < st.TrailingStopPrice {
			return []core.OrderIntent{{
				Symbol:   f.Symbol,
				Action:   core.ActionSell,
				Quantity: st.TotalUnits,
				Reason:   fmt.Sprintf("trailing stop %.0f hit", st.TrailingStopPrice),
				Strategy: s.Name(),
			}}, nil
		}
		if st.PyramidLevel < s.maxPyramids && i > st.LastEntryBar {
			trigger := st.EntryPrice * (1 + s.pyramidStep*float64(st.PyramidLevel+1))
			if last >= trigger {
				st.LastEntryBar = i
				return []core.OrderIntent{{
					Symbol:   f.Symbol,
					Action:   core.ActionBuy,
					Reason:   fmt.Sprintf("pyramid add %d at %.0f", st.PyramidLevel+1, last),
					Strategy: s.Name(),
				}}, nil
			}
		}
		return nil, nil
	}

	if last > highestHigh(f, i, s.lookback) {
		st.LastEntryBar = i
		return []core.OrderIntent{{
			Symbol:   f.Symbol,
			Action:   core.ActionBuy,
			Reason:   fmt.Sprintf("breakout above %d-bar high", s.lookback),
			Strategy: s.Name(),
		}}, nil
	}
	return nil, nil
}

func (s *Breakout) OnFill(ctx context.Context, trade *core.Trade) {
	st := s.states.ApplyFill(trade)
	if st == nil {
		s.logger.Info("Position exited", "symbol", trade.Symbol, "price", trade.Price)
		return
	}
	s.logger.Debug("Fill applied",
		"symbol", trade.Symbol, "units", st.TotalUnits, "pyramid_level", st.PyramidLevel)
}

// highestHigh returns the top of the lookback window strictly before
// bar i.
func highestHigh(f *core.Frame, i, lookback int) float64 {
	hi := f.High[i-lookback]
	for j := i - lookback + 1; j < i; j++ {
		if f.High[j] > hi {
			hi = f.High[j]
		}
	}
	return hi
}
