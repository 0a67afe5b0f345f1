package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func momentumFrames(series map[string][]float64) map[string]*core.Frame {
	frames := make(map[string]*core.Frame, len(series))
	for symbol, closes := range series {
		frames[symbol] = frameFromCloses(symbol, closes)
	}
	return frames
}

func TestMomentumSelectUniverse(t *testing.T) {
	s := NewMomentumPortfolio(2, 2, testLogger())
	assert.Equal(t, 3, s.WarmupBars())

	frames := momentumFrames(map[string][]float64{
		"005930": {100, 110, 121}, // +21%
		"000660": {100, 105, 110}, // +10%
		"035420": {100, 95, 90},   // negative, excluded
		"005380": {100, 102, 104}, // +4%, crowded out by top_n
		"051910": {100},           // too short to rank
	})

	selected := s.SelectUniverse(context.Background(), frames)
	assert.Equal(t, []string{"005930", "000660"}, selected)

	weights := s.TargetWeights(context.Background(), frames, selected)
	require.Len(t, weights, 2)
	assert.InDelta(t, 0.5, weights["005930"], 1e-12)
	assert.InDelta(t, 0.5, weights["000660"], 1e-12)
}

func TestMomentumTieBreaksBySymbol(t *testing.T) {
	s := NewMomentumPortfolio(2, 5, testLogger())

	frames := momentumFrames(map[string][]float64{
		"005930": {100, 105, 110},
		"000660": {100, 105, 110},
	})

	// Identical returns rank by symbol so repeated runs agree.
	selected := s.SelectUniverse(context.Background(), frames)
	assert.Equal(t, []string{"000660", "005930"}, selected)
}

func TestMomentumAllNegativeGoesToCash(t *testing.T) {
	s := NewMomentumPortfolio(2, 5, testLogger())

	frames := momentumFrames(map[string][]float64{
		"005930": {100, 90, 80},
		"000660": {100, 99, 98},
	})

	selected := s.SelectUniverse(context.Background(), frames)
	assert.Empty(t, selected)
	assert.Empty(t, s.TargetWeights(context.Background(), frames, selected))
}
