package backtest

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// lot is an open position at average cost.
type lot struct {
	qty int64
	avg float64
}

// run is the mutable ledger of one replay: cash, open lots, executed
// trades and the equity curve with its running peak.
type run struct {
	cfg    Config
	cash   float64
	lots   map[string]*lot
	trades []core.Trade
	curve  []core.EquityPoint
	peak   float64
	seq    int
}

func newRun(cfg Config) *run {
	return &run{
		cfg:  cfg,
		cash: cfg.InitialCapital,
		lots: make(map[string]*lot),
		peak: cfg.InitialCapital,
	}
}

func (r *run) held(symbol string) int64 {
	if l := r.lots[symbol]; l != nil {
		return l.qty
	}
	return 0
}

// markSingle values the book at bar i's close.
func (r *run) markSingle(f *core.Frame, i int) float64 {
	eq := r.cash
	if l := r.lots[f.Symbol]; l != nil {
		eq += float64(l.qty) * f.Close[i]
	}
	return eq
}

// markPortfolio values the book at each symbol's latest close.
func (r *run) markPortfolio(lastClose map[string]float64) float64 {
	eq := r.cash
	for sym, l := range r.lots {
		price, ok := lastClose[sym]
		if !ok {
			price = l.avg
		}
		eq += float64(l.qty) * price
	}
	return eq
}

func (r *run) record(ts time.Time, equity float64) {
	r.curve = append(r.curve, core.EquityPoint{Time: ts, Equity: equity})
	if equity > r.peak {
		r.peak = equity
	}
}

// drawdown is the fraction lost from the running equity peak.
func (r *run) drawdown(equity float64) float64 {
	if r.peak <= 0 {
		return 0
	}
	return (r.peak - equity) / r.peak
}

// fill executes one intent at the raw open price adjusted by slippage.
// Unsized buys commit PositionSize of equity; buys shrink to what cash
// covers including commission. Sells cap at the held quantity and
// realize PnL against average cost, net of the sell commission. Returns
// nil when nothing could execute.
func (r *run) fill(intent core.OrderIntent, rawOpen float64, ts time.Time, equity float64) *core.Trade {
	if rawOpen <= 0 {
		return nil
	}
	if intent.Action == core.ActionBuy {
		price := rawOpen * (1 + r.cfg.Slippage)
		qty := intent.Quantity
		if qty <= 0 {
			qty = int64(r.cfg.PositionSize * equity / price)
		}
		if affordable := int64(r.cash / (price * (1 + r.cfg.Commission))); qty > affordable {
			qty = affordable
		}
		if qty <= 0 {
			return nil
		}
		cost := price * float64(qty)
		fee := cost * r.cfg.Commission
		r.cash -= cost + fee
		l := r.lots[intent.Symbol]
		if l == nil {
			l = &lot{}
			r.lots[intent.Symbol] = l
		}
		total := l.avg*float64(l.qty) + cost
		l.qty += qty
		l.avg = total / float64(l.qty)
		return r.append(intent, core.SideBuy, qty, price, fee, 0, ts)
	}

	l := r.lots[intent.Symbol]
	if l == nil || l.qty <= 0 {
		return nil
	}
	qty := intent.Quantity
	if qty <= 0 || qty > l.qty {
		qty = l.qty
	}
	price := rawOpen * (1 - r.cfg.Slippage)
	proceeds := price * float64(qty)
	fee := proceeds * r.cfg.Commission
	r.cash += proceeds - fee
	pnl := (price-l.avg)*float64(qty) - fee
	l.qty -= qty
	if l.qty == 0 {
		delete(r.lots, intent.Symbol)
	}
	return r.append(intent, core.SideSell, qty, price, fee, pnl, ts)
}

// rebalance moves the book toward the target weights using the day's
// open prices. Held symbols dropped from the weights are closed, then
// integer-share deltas execute sells before buys, both in symbol order.
// Symbols without an open that day are left untouched.
func (r *run) rebalance(strategyName string, weights map[string]float64, opens map[string]float64, ts time.Time, equity float64) {
	type delta struct {
		symbol string
		qty    int64
	}
	var sells, buys []delta
	for sym, l := range r.lots {
		if w, keep := weights[sym]; keep && w > 0 {
			continue
		}
		if _, ok := opens[sym]; !ok {
			continue
		}
		sells = append(sells, delta{sym, l.qty})
	}
	for sym, w := range weights {
		open, ok := opens[sym]
		if !ok || open <= 0 || w <= 0 {
			continue
		}
		d := int64(w*equity/open) - r.held(sym)
		switch {
		case d < 0:
			sells = append(sells, delta{sym, -d})
		case d > 0:
			buys = append(buys, delta{sym, d})
		}
	}
	sort.Slice(sells, func(i, j int) bool { return sells[i].symbol < sells[j].symbol })
	sort.Slice(buys, func(i, j int) bool { return buys[i].symbol < buys[j].symbol })
	for _, d := range sells {
		r.fill(core.OrderIntent{
			Symbol:   d.symbol,
			Action:   core.ActionSell,
			Quantity: d.qty,
			Reason:   "rebalance",
			Strategy: strategyName,
		}, opens[d.symbol], ts, equity)
	}
	for _, d := range buys {
		r.fill(core.OrderIntent{
			Symbol:   d.symbol,
			Action:   core.ActionBuy,
			Quantity: d.qty,
			Reason:   "rebalance",
			Strategy: strategyName,
		}, opens[d.symbol], ts, equity)
	}
}

func (r *run) append(intent core.OrderIntent, side core.OrderSide, qty int64, price, fee, pnl float64, ts time.Time) *core.Trade {
	r.seq++
	tr := core.Trade{
		ID:         fmt.Sprintf("bt-%06d", r.seq),
		OrderID:    fmt.Sprintf("bt-%06d", r.seq),
		Symbol:     intent.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      decimal.NewFromFloat(price),
		Commission: decimal.NewFromFloat(fee),
		PnL:        decimal.NewFromFloat(pnl),
		Strategy:   intent.Strategy,
		Timestamp:  ts,
	}
	r.trades = append(r.trades, tr)
	return &tr
}
