package bars

import (
	"testing"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickAt(sec int, price int64) core.Tick {
	return core.Tick{
		Symbol:    "005930",
		Price:     decimal.NewFromInt(price),
		Volume:    1,
		Timestamp: time.Date(2025, 6, 30, 9, 0, sec, 0, core.KST),
	}
}

func TestTickRingKeepsInsertionOrder(t *testing.T) {
	r := NewTickRing(5)
	for i := 0; i < 3; i++ {
		r.Append(tickAt(i, int64(100+i)))
	}

	require.Equal(t, 3, r.Len())
	ticks := r.Ticks()
	require.Len(t, ticks, 3)
	assert.True(t, ticks[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, ticks[2].Price.Equal(decimal.NewFromInt(102)))
}

func TestTickRingOverwritesOldest(t *testing.T) {
	r := NewTickRing(3)
	for i := 0; i < 5; i++ {
		r.Append(tickAt(i, int64(100+i)))
	}

	require.Equal(t, 3, r.Len())
	ticks := r.Ticks()
	assert.True(t, ticks[0].Price.Equal(decimal.NewFromInt(102)))
	assert.True(t, ticks[1].Price.Equal(decimal.NewFromInt(103)))
	assert.True(t, ticks[2].Price.Equal(decimal.NewFromInt(104)))
}
