package strategy

import (
	"context"
	"fmt"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func init() {
	Register("ma_cross", func(spec Spec, logger core.ILogger) (core.IStrategy, error) {
		short := spec.Params.Int("short", 5)
		long := spec.Params.Int("long", 20)
		if short <= 0 || long <= short {
			return nil, fmt.Errorf("ma_cross requires 0 < short < long, got %d/%d", short, long)
		}
		return NewMACross(spec.Symbol, short, long, logger), nil
	})
}

// MACross buys the golden cross of two simple moving averages and sells
// the dead cross.
type MACross struct {
	symbol   string
	short    int
	long     int
	shortCol string
	longCol  string
	states   *States
	logger   core.ILogger
}

func NewMACross(symbol string, short, long int, logger core.ILogger) *MACross {
	return &MACross{
		symbol:   symbol,
		short:    short,
		long:     long,
		shortCol: fmt.Sprintf("MA_%d", short),
		longCol:  fmt.Sprintf("MA_%d", long),
		states:   NewStates(),
		logger:   logger.WithField("component", "ma_cross_strategy").WithField("symbol", symbol),
	}
}

func (s *MACross) Name() string { return "ma_cross" }

// WarmupBars includes one extra bar because a cross compares against
// the previous bar.
func (s *MACross) WarmupBars() int { return s.long + 1 }

func (s *MACross) Columns() []string { return []string{s.shortCol, s.longCol} }

func (s *MACross) OnBar(ctx context.Context, f *core.Frame) ([]core.OrderIntent, error) {
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
	sPrev, lPrev := f.ColAt(s.shortCol, i-1), f.ColAt(s.longCol, i-1)
	sCur, lCur := f.ColAt(s.shortCol, i), f.ColAt(s.longCol, i)
	if anyNaN(sPrev, lPrev, sCur, lCur) {
		return nil, nil
	}
	st := s.states.Get(f.Symbol)
	switch {
	case st.TotalUnits == 0 && sPrev <= lPrev && sCur > lCur:
		st.LastEntryBar = i
		return []core.OrderIntent{{
			Symbol:   f.Symbol,
			Action:   core.ActionBuy,
			Reason:   fmt.Sprintf("golden cross %d/%d", s.short, s.long),
			Strategy: s.Name(),
		}}, nil
	case st.TotalUnits > 0 && sPrev >= lPrev && sCur < lCur:
		return []core.OrderIntent{{
			Symbol:   f.Symbol,
			Action:   core.ActionSell,
			Quantity: st.TotalUnits,
			Reason:   fmt.Sprintf("dead cross %d/%d", s.short, s.long),
			Strategy: s.Name(),
		}}, nil
	}
	return nil, nil
}

func (s *MACross) OnFill(ctx context.Context, trade *core.Trade) {
	if st := s.states.ApplyFill(trade); st != nil {
		s.logger.Debug("Fill applied", "symbol", trade.Symbol, "units", st.TotalUnits)
	}
}
