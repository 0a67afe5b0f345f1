package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/strategy"
	"github.com/greatjins/si-trading-system-sub000/pkg/logging"
)

func testLogger() core.ILogger {
	logger, _ := logging.NewZapLogger("ERROR")
	return logger
}

func dailyBars(symbol string, bars []core.OHLC) *core.Frame {
	base := time.Date(2025, 1, 6, 0, 0, 0, 0, core.KST)
	for i := range bars {
		bars[i].Timestamp = base.AddDate(0, 0, i)
		if bars[i].Volume == 0 {
			bars[i].Volume = 100_000
		}
	}
	return core.NewFrame(symbol, core.IntervalDay, bars)
}

// synthDaily generates a deterministic trending wave so repeated runs
// see byte-identical input.
func synthDaily(symbol string, n int) *core.Frame {
	bars := make([]core.OHLC, n)
	prev := 10000.0
	for i := range bars {
		c := 10000 + 500*math.Sin(float64(i)/5) + 20*float64(i)
		bars[i] = core.OHLC{
			Open:  prev,
			High:  math.Max(prev, c) + 50,
			Low:   math.Min(prev, c) - 50,
			Close: c,
		}
		prev = c
	}
	return dailyBars(symbol, bars)
}

// scripted emits canned intents keyed by decision bar index.
type scripted struct {
	warmup  int
	intents map[int][]core.OrderIntent
	fills   []*core.Trade
}

func (s *scripted) Name() string    { return "script" }
func (s *scripted) WarmupBars() int { return s.warmup }

func (s *scripted) OnBar(ctx context.Context, f *core.Frame) ([]core.OrderIntent, error) {
	return s.intents[f.Len()-1], nil
}

func (s *scripted) OnFill(ctx context.Context, tr *core.Trade) {
	s.fills = append(s.fills, tr)
}

func TestRunFillSemantics(t *testing.T) {
	eng, err := NewEngine(Config{
		InitialCapital: 1_000_000,
		Commission:     0.001,
		Slippage:       0.01,
		PositionSize:   0.5,
	}, testLogger())
	require.NoError(t, err)

	frame := dailyBars("005930", []core.OHLC{
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 100, High: 111, Low: 99, Close: 110},
		{Open: 120, High: 121, Low: 119, Close: 120},
		{Open: 90, High: 96, Low: 89, Close: 95},
	})
	strat := &scripted{
		warmup: 1,
		intents: map[int][]core.OrderIntent{
			0: {{Symbol: "005930", Action: core.ActionBuy, Strategy: "script"}},
			2: {{Symbol: "005930", Action: core.ActionSell, Strategy: "script"}},
		},
	}

	res, err := eng.Run(context.Background(), strat, frame)
	require.NoError(t, err)

	// The buy fills at the next open with slippage: 100 * 1.01 = 101,
	// sized to half of equity: floor(500_000 / 101) = 4950 shares.
	require.Equal(t, 2, res.TotalTrades)
	buy := res.Trades[0]
	assert.Equal(t, core.SideBuy, buy.Side)
	assert.Equal(t, int64(4950), buy.Quantity)
	assert.InDelta(t, 101.0, buy.Price.InexactFloat64(), 1e-9)
	assert.InDelta(t, 499.95, buy.Commission.InexactFloat64(), 1e-6)
	assert.True(t, buy.PnL.IsZero())

	// The sell fills at 90 * 0.99 = 89.1 and realizes the loss net of
	// the sell commission.
	sell := res.Trades[1]
	assert.Equal(t, core.SideSell, sell.Side)
	assert.Equal(t, int64(4950), sell.Quantity)
	assert.InDelta(t, 89.1, sell.Price.InexactFloat64(), 1e-9)
	assert.InDelta(t, -59_346.045, sell.PnL.InexactFloat64(), 1e-6)

	require.Len(t, res.EquityCurve, 4)
	assert.InDelta(t, 1_000_000, res.EquityCurve[0].Equity, 1e-6)
	assert.InDelta(t, 1_044_050.05, res.EquityCurve[1].Equity, 1e-6)
	assert.InDelta(t, 940_154.005, res.FinalEquity, 1e-6)

	assert.Len(t, strat.fills, 2)
	assert.Equal(t, 0, res.WinningTrades)
	assert.Equal(t, 1, res.LosingTrades)
	assert.Equal(t, 0.0, res.WinRate)
	assert.Equal(t, 0.0, res.ProfitFactor)
}

func TestRunLastBarIntentDropped(t *testing.T) {
	eng, err := NewEngine(Config{InitialCapital: 1_000_000, PositionSize: 0.5}, testLogger())
	require.NoError(t, err)

	frame := dailyBars("005930", []core.OHLC{
		{Open: 100, High: 101, Low: 99, Close: 100},
		{Open: 100, High: 101, Low: 99, Close: 100},
	})
	strat := &scripted{
		warmup: 1,
		intents: map[int][]core.OrderIntent{
			1: {{Symbol: "005930", Action: core.ActionBuy, Strategy: "script"}},
		},
	}

	res, err := eng.Run(context.Background(), strat, frame)
	require.NoError(t, err)

	// There is no next open to fill into, so the intent evaporates.
	assert.Equal(t, 0, res.TotalTrades)
	assert.Equal(t, 1_000_000.0, res.FinalEquity)
}

func TestRunReproducible(t *testing.T) {
	cfg := Config{
		InitialCapital: 10_000_000,
		Commission:     0.0015,
		Slippage:       0.0005,
		PositionSize:   0.1,
	}
	logger := testLogger()

	runOnce := func() *core.BacktestResult {
		eng, err := NewEngine(cfg, logger)
		require.NoError(t, err)
		res, err := eng.Run(context.Background(),
			strategy.NewMACross("005930", 5, 20, logger), synthDaily("005930", 100))
		require.NoError(t, err)
		return res
	}

	first := runOnce()
	second := runOnce()

	require.NotEmpty(t, first.Trades, "the synthetic wave must produce crossings")
	assert.Equal(t, first.FinalEquity, second.FinalEquity)
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.EquityCurve, second.EquityCurve)
	assert.Equal(t, first.Sharpe, second.Sharpe)
}

func TestRunDrawdownTripwire(t *testing.T) {
	eng, err := NewEngine(Config{
		InitialCapital: 10_000_000,
		PositionSize:   0.5,
		MaxDrawdown:    0.10,
	}, testLogger())
	require.NoError(t, err)

	// Equity runs to 11M, slips to 9.9M: the drawdown is exactly
	// (11M - 9.9M) / 11M = 0.10, which arms the liquidation.
	frame := dailyBars("005930", []core.OHLC{
		{Open: 10000, High: 10100, Low: 9900, Close: 10000},
		{Open: 10000, High: 11100, Low: 9900, Close: 11000},
		{Open: 11000, High: 11100, Low: 9800, Close: 9900},
		{Open: 9800, High: 9900, Low: 9700, Close: 9850},
	})
	strat := &scripted{
		warmup: 1,
		intents: map[int][]core.OrderIntent{
			0: {{Symbol: "005930", Action: core.ActionBuy, Quantity: 1000, Strategy: "script"}},
		},
	}

	res, err := eng.Run(context.Background(), strat, frame)
	require.NoError(t, err)

	require.Equal(t, 2, res.TotalTrades)
	exit := res.Trades[1]
	assert.Equal(t, core.SideSell, exit.Side)
	assert.Equal(t, int64(1000), exit.Quantity)
	assert.InDelta(t, 9800.0, exit.Price.InexactFloat64(), 1e-9)
	assert.InDelta(t, -200_000, exit.PnL.InexactFloat64(), 1e-6)

	assert.InDelta(t, 9_800_000, res.FinalEquity, 1e-6)
	assert.GreaterOrEqual(t, res.MaxDrawdown, 0.10)
	require.Len(t, res.EquityCurve, 4)
}

func TestRunTripwireDisarmedByDefault(t *testing.T) {
	eng, err := NewEngine(Config{InitialCapital: 10_000_000, PositionSize: 0.5}, testLogger())
	require.NoError(t, err)

	frame := dailyBars("005930", []core.OHLC{
		{Open: 10000, High: 10100, Low: 9900, Close: 10000},
		{Open: 10000, High: 11100, Low: 9900, Close: 11000},
		{Open: 11000, High: 11100, Low: 9800, Close: 9900},
		{Open: 9800, High: 9900, Low: 9700, Close: 9850},
	})
	strat := &scripted{
		warmup: 1,
		intents: map[int][]core.OrderIntent{
			0: {{Symbol: "005930", Action: core.ActionBuy, Quantity: 1000, Strategy: "script"}},
		},
	}

	res, err := eng.Run(context.Background(), strat, frame)
	require.NoError(t, err)

	// Without MaxDrawdown the slide is ridden out.
	assert.Equal(t, 1, res.TotalTrades)
	assert.InDelta(t, 9_850_000, res.FinalEquity, 1e-6)
}

func TestRunPortfolioRebalance(t *testing.T) {
	eng, err := NewEngine(Config{InitialCapital: 1_000_000, PositionSize: 1}, testLogger())
	require.NoError(t, err)

	flatBars := func(closes []float64) []core.OHLC {
		bars := make([]core.OHLC, len(closes))
		for i, c := range closes {
			bars[i] = core.OHLC{Open: c, High: c + 1, Low: c - 1, Close: c}
		}
		return bars
	}
	frames := map[string]*core.Frame{
		"000100": dailyBars("000100", flatBars([]float64{100, 100, 100, 130, 160, 160})),
		"000200": dailyBars("000200", flatBars([]float64{100, 110, 121, 121, 110, 100})),
	}
	strat := strategy.NewMomentumPortfolio(2, 1, testLogger())

	res, err := eng.RunPortfolio(context.Background(), strat, frames)
	require.NoError(t, err)

	// Day 2 picks 000200 (+21% vs flat), day 3 rotates into 000100
	// (+30% vs fading +10%), day 4 holds it with no delta to trade.
	require.Equal(t, 3, res.TotalTrades)

	buyB := res.Trades[0]
	assert.Equal(t, "000200", buyB.Symbol)
	assert.Equal(t, core.SideBuy, buyB.Side)
	assert.Equal(t, int64(8264), buyB.Quantity)
	assert.InDelta(t, 121.0, buyB.Price.InexactFloat64(), 1e-9)

	sellB := res.Trades[1]
	assert.Equal(t, "000200", sellB.Symbol)
	assert.Equal(t, core.SideSell, sellB.Side)
	assert.Equal(t, int64(8264), sellB.Quantity)
	assert.InDelta(t, 110.0, sellB.Price.InexactFloat64(), 1e-9)
	assert.InDelta(t, -90_904, sellB.PnL.InexactFloat64(), 1e-6)

	buyA := res.Trades[2]
	assert.Equal(t, "000100", buyA.Symbol)
	assert.Equal(t, core.SideBuy, buyA.Side)
	assert.Equal(t, int64(5681), buyA.Quantity)

	assert.Equal(t, []string{"000100", "000200"}, res.Symbols)
	assert.InDelta(t, 909_096, res.FinalEquity, 1e-6)
	require.Len(t, res.EquityCurve, 4)
}

func TestRunContextCancelled(t *testing.T) {
	eng, err := NewEngine(Config{InitialCapital: 1_000_000, PositionSize: 0.5}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = eng.Run(ctx, &scripted{warmup: 1}, synthDaily("005930", 10))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngineValidation(t *testing.T) {
	logger := testLogger()

	_, err := NewEngine(Config{InitialCapital: 0, PositionSize: 0.5}, logger)
	assert.Error(t, err)

	_, err = NewEngine(Config{InitialCapital: 1000, PositionSize: 1.5}, logger)
	assert.Error(t, err)

	_, err = NewEngine(Config{InitialCapital: 1000, PositionSize: 0.5, Slippage: -0.1}, logger)
	assert.Error(t, err)
}
