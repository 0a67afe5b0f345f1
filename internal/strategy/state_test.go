package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func mkTrade(symbol string, side core.OrderSide, qty int64, price float64) *core.Trade {
	return &core.Trade{
		ID:        "t-" + symbol,
		OrderID:   "o-" + symbol,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     decimal.NewFromFloat(price),
		Timestamp: time.Now().In(core.KST),
	}
}

func TestStatesGetInitializes(t *testing.T) {
	s := NewStates()

	st := s.Get("005930")
	require.NotNil(t, st)
	assert.Equal(t, -1, st.LastEntryBar)
	assert.Equal(t, int64(0), st.TotalUnits)

	// Same pointer on repeated lookups.
	assert.Same(t, st, s.Get("005930"))
}

func TestStatesApplyFillLifecycle(t *testing.T) {
	s := NewStates()

	st := s.ApplyFill(mkTrade("005930", core.SideBuy, 10, 100))
	require.NotNil(t, st)
	assert.Equal(t, 100.0, st.EntryPrice)
	assert.Equal(t, int64(10), st.TotalUnits)
	assert.Equal(t, 0, st.PyramidLevel)
	assert.Equal(t, 100.0, st.HighestPrice)

	// A second buy while holding is a pyramid add. Entry price keeps the
	// original level, the high-water mark follows the fill.
	st = s.ApplyFill(mkTrade("005930", core.SideBuy, 5, 110))
	require.NotNil(t, st)
	assert.Equal(t, 100.0, st.EntryPrice)
	assert.Equal(t, int64(15), st.TotalUnits)
	assert.Equal(t, 1, st.PyramidLevel)
	assert.Equal(t, 110.0, st.HighestPrice)

	st = s.ApplyFill(mkTrade("005930", core.SideSell, 5, 120))
	require.NotNil(t, st)
	assert.Equal(t, int64(10), st.TotalUnits)
	assert.True(t, s.Holding("005930"))

	// Selling the rest clears the slot entirely.
	st = s.ApplyFill(mkTrade("005930", core.SideSell, 10, 95))
	assert.Nil(t, st)
	assert.False(t, s.Holding("005930"))

	fresh := s.Get("005930")
	assert.Equal(t, -1, fresh.LastEntryBar)
	assert.Equal(t, int64(0), fresh.TotalUnits)
	assert.Equal(t, 0, fresh.PyramidLevel)
}

func TestStatesHolding(t *testing.T) {
	s := NewStates()

	assert.False(t, s.Holding("000660"))

	// Get alone does not count as a position.
	s.Get("000660")
	assert.False(t, s.Holding("000660"))

	s.ApplyFill(mkTrade("000660", core.SideBuy, 1, 50))
	assert.True(t, s.Holding("000660"))

	s.Clear("000660")
	assert.False(t, s.Holding("000660"))
}
