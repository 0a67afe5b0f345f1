package strategy

import (
	"math"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Price-action label columns. Values are labels, not prices, except for
// the order-block and liquidity-pool levels: fvg_type and mss_type hold
// +1 (bullish), -1 (bearish) or 0; the level columns hold a price or
// NaN when no structure is present at that bar.
const (
	ColFVGType           = "fvg_type"
	ColOrderBlockTop     = "order_block_top"
	ColOrderBlockBottom  = "order_block_bottom"
	ColLiquidityPoolHigh = "liquidity_pool_high"
	ColLiquidityPoolLow  = "liquidity_pool_low"
	ColMSSType           = "mss_type"
)

const (
	ictLookback    = 10 // liquidity pool window
	orderBlockScan = 5  // bars searched back for the opposite candle
	swingSpan      = 2  // fractal half-width for structure shifts
)

func isICTColumn(name string) bool {
	switch name {
	case ColFVGType, ColOrderBlockTop, ColOrderBlockBottom,
		ColLiquidityPoolHigh, ColLiquidityPoolLow, ColMSSType:
		return true
	}
	return false
}

func ictColumn(f *core.Frame, name string) []float64 {
	switch name {
	case ColFVGType:
		return fvgColumn(f)
	case ColOrderBlockTop:
		top, _ := orderBlockColumns(f)
		return top
	case ColOrderBlockBottom:
		_, bottom := orderBlockColumns(f)
		return bottom
	case ColLiquidityPoolHigh:
		high, _ := liquidityColumns(f)
		return high
	case ColLiquidityPoolLow:
		_, low := liquidityColumns(f)
		return low
	case ColMSSType:
		return mssColumn(f)
	}
	return nanColumn(f.Len())
}

// fvgColumn labels three-candle fair value gaps: +1 when the current low
// clears the high from two bars back, -1 for the mirror image.
func fvgColumn(f *core.Frame) []float64 {
	vals := nanColumn(f.Len())
	for i := 2; i < f.Len(); i++ {
		switch {
		case f.Low[i] > f.High[i-2]:
			vals[i] = 1
		case f.High[i] < f.Low[i-2]:
			vals[i] = -1
		default:
			vals[i] = 0
		}
	}
	return vals
}

// orderBlockColumns marks the candle that seeded each fair value gap:
// the last opposite-side candle before the displacement. Bars without a
// gap stay NaN.
func orderBlockColumns(f *core.Frame) (top, bottom []float64) {
	n := f.Len()
	top, bottom = nanColumn(n), nanColumn(n)
	fvg := fvgColumn(f)
	for i := 2; i < n; i++ {
		if math.IsNaN(fvg[i]) || fvg[i] == 0 {
			continue
		}
		wantDown := fvg[i] > 0
		for j := i - 1; j >= 0 && j > i-1-orderBlockScan; j-- {
			if (f.Close[j] < f.Open[j]) == wantDown {
				top[i], bottom[i] = f.High[j], f.Low[j]
				break
			}
		}
	}
	return top, bottom
}

// liquidityColumns carry the highest high and lowest low of the prior
// window, the levels where resting stops cluster.
func liquidityColumns(f *core.Frame) (high, low []float64) {
	n := f.Len()
	high, low = nanColumn(n), nanColumn(n)
	for i := ictLookback; i < n; i++ {
		hi, lo := f.High[i-ictLookback], f.Low[i-ictLookback]
		for j := i - ictLookback + 1; j < i; j++ {
			if f.High[j] > hi {
				hi = f.High[j]
			}
			if f.Low[j] < lo {
				lo = f.Low[j]
			}
		}
		high[i], low[i] = hi, lo
	}
	return high, low
}

// mssColumn labels market structure shifts: +1 when a close breaks the
// most recent confirmed swing high, -1 on a swing-low break. A swing is
// confirmed once swingSpan bars have printed past it, and is consumed
// by its break so the label fires once per structure.
func mssColumn(f *core.Frame) []float64 {
	n := f.Len()
	vals := nanColumn(n)
	swingHigh, swingLow := math.NaN(), math.NaN()
	for i := 0; i < n; i++ {
		if j := i - swingSpan; j >= swingSpan {
			if isSwingHigh(f, j) {
				swingHigh = f.High[j]
			}
			if isSwingLow(f, j) {
				swingLow = f.Low[j]
			}
		}
		if math.IsNaN(swingHigh) && math.IsNaN(swingLow) {
			continue
		}
		switch {
		case !math.IsNaN(swingHigh) && f.Close[i] > swingHigh:
			vals[i] = 1
			swingHigh = math.NaN()
		case !math.IsNaN(swingLow) && f.Close[i] < swingLow:
			vals[i] = -1
			swingLow = math.NaN()
		default:
			vals[i] = 0
		}
	}
	return vals
}

func isSwingHigh(f *core.Frame, j int) bool {
	for k := 1; k <= swingSpan; k++ {
		if f.High[j] <= f.High[j-k] || f.High[j] <= f.High[j+k] {
			return false
		}
	}
	return true
}

func isSwingLow(f *core.Frame, j int) bool {
	for k := 1; k <= swingSpan; k++ {
		if f.Low[j] >= f.Low[j-k] || f.Low[j] >= f.Low[j+k] {
			return false
		}
	}
	return true
}
