package strategy

import (
	"context"
	"fmt"
	"sort"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func init() {
	RegisterPortfolio("momentum_portfolio", func(spec Spec, logger core.ILogger) (core.IPortfolioStrategy, error) {
		lookback := spec.Params.Int("lookback", 60)
		topN := spec.Params.Int("top_n", 5)
		if lookback <= 0 || topN <= 0 {
			return nil, fmt.Errorf("momentum_portfolio requires lookback > 0 and top_n > 0")
		}
		return NewMomentumPortfolio(lookback, topN, logger), nil
	})
}

// MomentumPortfolio holds the strongest recent performers at equal
// weight, rebalanced daily. Symbols without positive momentum are
// excluded outright, so the book can sit partially or fully in cash.
type MomentumPortfolio struct {
	lookback int
	topN     int
	logger   core.ILogger
}

func NewMomentumPortfolio(lookback, topN int, logger core.ILogger) *MomentumPortfolio {
	return &MomentumPortfolio{
		lookback: lookback,
		topN:     topN,
		logger:   logger.WithField("component", "momentum_portfolio_strategy"),
	}
}

func (s *MomentumPortfolio) Name() string { return "momentum_portfolio" }

func (s *MomentumPortfolio) WarmupBars() int { return s.lookback + 1 }

// SelectUniverse ranks symbols by lookback return, descending, ties
// broken by symbol so the selection is deterministic across runs.
func (s *MomentumPortfolio) SelectUniverse(ctx context.Context, frames map[string]*core.Frame) []string {
	type ranked struct {
		symbol string
		ret    float64
	}
	var rs []ranked
	for symbol, f := range frames {
		n := f.Len()
		if n <= s.lookback {
			continue
		}
		base := f.Close[n-1-s.lookback]
		if base <= 0 {
			continue
		}
		ret := f.Close[n-1]/base - 1
		if ret <= 0 {
			continue
		}
		rs = append(rs, ranked{symbol: symbol, ret: ret})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].ret != rs[j].ret {
			return rs[i].ret > rs[j].ret
		}
		return rs[i].symbol < rs[j].symbol
	})
	if len(rs) > s.topN {
		rs = rs[:s.topN]
	}
	selected := make([]string, len(rs))
	for i, r := range rs {
		selected[i] = r.symbol
	}
	return selected
}

// TargetWeights spreads the book evenly over the selection.
func (s *MomentumPortfolio) TargetWeights(ctx context.Context, frames map[string]*core.Frame, selected []string) map[string]float64 {
	weights := make(map[string]float64, len(selected))
	if len(selected) == 0 {
		return weights
	}
	w := 1.0 / float64(len(selected))
	for _, symbol := range selected {
		weights[symbol] = w
	}
	return weights
}
