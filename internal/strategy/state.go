package strategy

import (
	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// SymbolState carries everything a strategy accumulates for one symbol
// between bars. Keeping it in a single struct lets an exit wipe the
// whole thing at once instead of chasing fields.
type SymbolState struct {
	EntryPrice        float64
	PyramidLevel      int
	LastEntryBar      int
	TotalUnits        int64
	HighestPrice      float64
	TrailingStopPrice float64
}

// States maps symbols to their per-strategy state. Not safe for
// concurrent use; the engine calls strategies from one goroutine.
type States struct {
	m map[string]*SymbolState
}

// NewStates returns an empty state map.
func NewStates() *States {
	return &States{m: make(map[string]*SymbolState)}
}

// Get returns the state for a symbol, creating it on first use.
func (s *States) Get(symbol string) *SymbolState {
	if st, ok := s.m[symbol]; ok {
		return st
	}
	st := &SymbolState{LastEntryBar: -1}
	s.m[symbol] = st
	return st
}

// Holding reports whether the symbol carries an open long position.
func (s *States) Holding(symbol string) bool {
	st, ok := s.m[symbol]
	return ok && st.TotalUnits > 0
}

// Clear drops the symbol's state entirely.
func (s *States) Clear(symbol string) {
	delete(s.m, symbol)
}

// ApplyFill folds an executed trade into the symbol's state. The first
// buy records the entry price; later buys stack a pyramid level on top
// of it. A sell that empties the position clears the state and returns
// nil.
func (s *States) ApplyFill(trade *core.Trade) *SymbolState {
	st := s.Get(trade.Symbol)
	price := trade.Price.InexactFloat64()
	if trade.Side == core.SideBuy {
		if st.TotalUnits > 0 {
			st.PyramidLevel++
		} else {
			st.EntryPrice = price
		}
		st.TotalUnits += trade.Quantity
		if price > st.HighestPrice {
			st.HighestPrice = price
		}
		return st
	}
	st.TotalUnits -= trade.Quantity
	if st.TotalUnits <= 0 {
		s.Clear(trade.Symbol)
		return nil
	}
	return st
}
