// Package tradingutils holds venue price-unit math shared by the
// engine and order paths.
package tradingutils

import (
	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// KRX price units by price band. KOSPI, KOSDAQ and NXT share the table;
// NXT midpoint orders may execute between units but never quote there.
var tickBands = []struct {
	below decimal.Decimal
	tick  decimal.Decimal
}{
	{decimal.NewFromInt(2_000), decimal.NewFromInt(1)},
	{decimal.NewFromInt(5_000), decimal.NewFromInt(5)},
	{decimal.NewFromInt(20_000), decimal.NewFromInt(10)},
	{decimal.NewFromInt(50_000), decimal.NewFromInt(50)},
	{decimal.NewFromInt(200_000), decimal.NewFromInt(100)},
	{decimal.NewFromInt(500_000), decimal.NewFromInt(500)},
}

var topTick = decimal.NewFromInt(1_000)

// TickSize returns the quoting unit at the given price level.
func TickSize(price decimal.Decimal) decimal.Decimal {
	for _, band := range tickBands {
		if price.LessThan(band.below) {
			return band.tick
		}
	}
	return topTick
}

// RoundToTick aligns a limit price to the venue grid. BUY floors and
// SELL ceils, so the rounded price never crosses the intended level.
func RoundToTick(price decimal.Decimal, side core.OrderSide) decimal.Decimal {
	if !price.IsPositive() {
		return price
	}
	tick := TickSize(price)
	steps := price.Div(tick)
	if side == core.SideSell {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick)
}

// Notional returns price times quantity.
func Notional(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}

// NetProfit is the round-trip result for qty shares after commission
// on both legs.
func NetProfit(buyPrice, sellPrice decimal.Decimal, qty int64, commission decimal.Decimal) decimal.Decimal {
	n := decimal.NewFromInt(qty)
	gross := sellPrice.Sub(buyPrice).Mul(n)
	fees := buyPrice.Add(sellPrice).Mul(n).Mul(commission)
	return gross.Sub(fees)
}
