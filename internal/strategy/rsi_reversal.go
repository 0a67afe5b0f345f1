package strategy

import (
	"context"
	"fmt"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func init() {
	Register("rsi_reversal", func(spec Spec, logger core.ILogger) (core.IStrategy, error) {
		period := spec.Params.Int("period", 14)
		oversold := spec.Params.Float("oversold", 30)
		overbought := spec.Params.Float("overbought", 70)
		if period <= 0 || oversold >= overbought {
			return nil, fmt.Errorf("rsi_reversal requires period > 0 and oversold < overbought")
		}
		return NewRSIReversal(spec.Symbol, period, oversold, overbought, logger), nil
	})
}

// RSIReversal is a mean-reversion strategy: it buys when RSI recovers
// up through the oversold line and exits when RSI falls back through
// the overbought line.
type RSIReversal struct {
	symbol     string
	period     int
	oversold   float64
	overbought float64
	col        string
	states     *States
	logger     core.ILogger
}

func NewRSIReversal(symbol string, period int, oversold, overbought float64, logger core.ILogger) *RSIReversal {
	return &RSIReversal{
		symbol:     symbol,
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		col:        fmt.Sprintf("RSI_%d", period),
		states:     NewStates(),
		logger:     logger.WithField("component", "rsi_reversal_strategy").WithField("symbol", symbol),
	}
}

func (s *RSIReversal) Name() string { return "rsi_reversal" }

func (s *RSIReversal) WarmupBars() int { return s.period + 2 }

func (s *RSIReversal) Columns() []string { return []string{s.col} }

func (s *RSIReversal) OnBar(ctx context.Context, f *core.Frame) ([]core.OrderIntent, error) {
	if s.symbol != "" && f.Symbol != s.symbol {
		return nil, nil
	}
	if f.Len() < s.WarmupBars() {
		return nil, nil
	}
	if err := Apply(f, s.Columns()); err != nil {
		return nil, err
	}
	i := f.Len() - 1
	prev, cur := f.ColAt(s.col, i-1), f.ColAt(s.col, i)
	if anyNaN(prev, cur) {
		return nil, nil
	}
	st := s.states.Get(f.Symbol)
	switch {
	case st.TotalUnits == 0 && prev < s.oversold && cur >= s.oversold:
		st.LastEntryBar = i
		return []core.OrderIntent{{
			Symbol:   f.Symbol,
			Action:   core.ActionBuy,
			Reason:   fmt.Sprintf("rsi recovered through %.0f", s.oversold),
			Strategy: s.Name(),
		}}, nil
	case st.TotalUnits > 0 && prev > s.overbought && cur <= s.overbought:
		return []core.OrderIntent{{
			Symbol:   f.Symbol,
			Action:   core.ActionSell,
			Quantity: st.TotalUnits,
			Reason:   fmt.Sprintf("rsi fell through %.0f", s.overbought),
			Strategy: s.Name(),
		}}, nil
	}
	return nil, nil
}

func (s *RSIReversal) OnFill(ctx context.Context, trade *core.Trade) {
	if st := s.states.ApplyFill(trade); st != nil {
		s.logger.Debug("Fill applied", "symbol", trade.Symbol, "units", st.TotalUnits)
	}
}
