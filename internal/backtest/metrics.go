package backtest

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func (e *Engine) buildResult(name string, symbols []string, interval core.Interval, start, end time.Time, r *run) *core.BacktestResult {
	final := e.cfg.InitialCapital
	if len(r.curve) > 0 {
		final = r.curve[len(r.curve)-1].Equity
	}
	wins, losses, pf := tradeStats(r.trades)
	winRate := 0.0
	if closed := wins + losses; closed > 0 {
		winRate = float64(wins) / float64(closed)
	}
	return &core.BacktestResult{
		RunID:            uuid.NewString(),
		Strategy:         name,
		Symbols:          symbols,
		Interval:         interval,
		Start:            start,
		End:              end,
		InitialCapital:   e.cfg.InitialCapital,
		FinalEquity:      final,
		TotalReturn:      final/e.cfg.InitialCapital - 1,
		AnnualizedReturn: annualizedReturn(e.cfg.InitialCapital, final, start, end),
		MaxDrawdown:      maxDrawdown(r.curve),
		Sharpe:           sharpeRatio(r.curve),
		WinRate:          winRate,
		ProfitFactor:     pf,
		TotalTrades:      len(r.trades),
		WinningTrades:    wins,
		LosingTrades:     losses,
		EquityCurve:      r.curve,
		Trades:           r.trades,
	}
}

// maxDrawdown is the largest fraction lost from any running equity peak.
func maxDrawdown(curve []core.EquityPoint) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpeRatio annualizes mean over stddev of the per-bar equity returns
// with the 252 trading-day convention. Fewer than two returns, or a
// flat curve, yield zero.
func sharpeRatio(curve []core.EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		rets = append(rets, curve[i].Equity/prev-1)
	}
	if len(rets) < 2 {
		return 0
	}
	mean := stat.Mean(rets, nil)
	sd := stat.StdDev(rets, nil)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(tradingDaysPerYear)
}

func annualizedReturn(initial, final float64, start, end time.Time) float64 {
	if initial <= 0 || final <= 0 {
		return 0
	}
	years := end.Sub(start).Hours() / (24 * 365.25)
	if years <= 0 {
		return 0
	}
	return math.Pow(final/initial, 1/years) - 1
}

// tradeStats counts closed (sell) trades by realized PnL sign and
// computes the profit factor, infinite when there are wins but no
// losses.
func tradeStats(trades []core.Trade) (wins, losses int, profitFactor float64) {
	var grossWin, grossLoss float64
	for _, tr := range trades {
		if tr.Side != core.SideSell {
			continue
		}
		pnl := tr.PnL.InexactFloat64()
		if pnl > 0 {
			wins++
			grossWin += pnl
		} else {
			losses++
			grossLoss -= pnl
		}
	}
	switch {
	case grossLoss > 0:
		profitFactor = grossWin / grossLoss
	case grossWin > 0:
		profitFactor = math.Inf(1)
	}
	return wins, losses, profitFactor
}
