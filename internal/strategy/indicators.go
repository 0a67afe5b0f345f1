package strategy

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	talib "github.com/markcheno/go-talib"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Indicator columns are addressed by name: RSI_14, MA_20, EMA_12,
// MACD_12_26 (signal line as MACD_SIGNAL_12_26), ATR_14 and
// BB_UPPER_20 / BB_MIDDLE_20 / BB_LOWER_20. The lowercase price-action
// columns (fvg_type, order_block_top, ...) take no parameters.
const (
	kindRSI       = "RSI"
	kindMA        = "MA"
	kindEMA       = "EMA"
	kindMACD      = "MACD"
	kindMACDSig   = "MACD_SIGNAL"
	kindATR       = "ATR"
	kindBBUpper   = "BB_UPPER"
	kindBBMiddle  = "BB_MIDDLE"
	kindBBLower   = "BB_LOWER"
	kindPriceActn = "ict"
)

const (
	macdSignalPeriod = 9
	bbandsDevs       = 2.0
)

type column struct {
	kind string
	p1   int
	p2   int
}

// firstValid returns the first row index at which the column carries a
// defined value. Everything before it is masked to NaN.
func (c column) firstValid() int {
	switch c.kind {
	case kindRSI, kindATR:
		return c.p1
	case kindMA, kindEMA, kindBBUpper, kindBBMiddle, kindBBLower:
		return c.p1 - 1
	case kindMACD, kindMACDSig:
		// the math library aligns both lines to the signal lookback
		return c.p2 + macdSignalPeriod - 2
	case kindPriceActn:
		return ictLookback
	}
	return 0
}

func parseName(name string) (column, error) {
	if isICTColumn(name) {
		return column{kind: kindPriceActn}, nil
	}
	for _, kind := range []string{kindMACDSig, kindMACD} {
		if rest, ok := strings.CutPrefix(name, kind+"_"); ok {
			fast, slow, err := parseTwoPeriods(rest)
			if err != nil {
				return column{}, fmt.Errorf("indicator column %q: %w", name, err)
			}
			return column{kind: kind, p1: fast, p2: slow}, nil
		}
	}
	for _, kind := range []string{kindRSI, kindEMA, kindMA, kindATR, kindBBUpper, kindBBMiddle, kindBBLower} {
		if rest, ok := strings.CutPrefix(name, kind+"_"); ok {
			p, err := parsePeriod(rest)
			if err != nil {
				return column{}, fmt.Errorf("indicator column %q: %w", name, err)
			}
			return column{kind: kind, p1: p}, nil
		}
	}
	return column{}, fmt.Errorf("unknown indicator column %q", name)
}

func parsePeriod(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 {
		return 0, fmt.Errorf("invalid period %q", s)
	}
	return p, nil
}

func parseTwoPeriods(s string) (int, int, error) {
	fastStr, slowStr, ok := strings.Cut(s, "_")
	if !ok {
		return 0, 0, fmt.Errorf("want fast_slow periods, got %q", s)
	}
	fast, err := parsePeriod(fastStr)
	if err != nil {
		return 0, 0, err
	}
	slow, err := parsePeriod(slowStr)
	if err != nil {
		return 0, 0, err
	}
	if fast >= slow {
		return 0, 0, fmt.Errorf("fast period %d must be below slow %d", fast, slow)
	}
	return fast, slow, nil
}

// ValidColumn reports whether name addresses a computable column.
func ValidColumn(name string) bool {
	_, err := parseName(name)
	return err == nil
}

// Warmup returns the bar count needed before every named column is
// defined. Unknown names are ignored; Apply will reject them.
func Warmup(names []string) int {
	warmup := 0
	for _, name := range names {
		col, err := parseName(name)
		if err != nil {
			continue
		}
		if w := col.firstValid() + 1; w > warmup {
			warmup = w
		}
	}
	return warmup
}

// Apply computes and attaches every named column the frame is missing.
// Already-attached columns are left alone, so repeated application over
// a growing frame only pays for the new names.
func Apply(f *core.Frame, names []string) error {
	for _, name := range names {
		if f.Col(name) != nil {
			continue
		}
		vals, err := compute(f, name)
		if err != nil {
			return err
		}
		if err := f.SetCol(name, vals); err != nil {
			return err
		}
	}
	return nil
}

func compute(f *core.Frame, name string) ([]float64, error) {
	col, err := parseName(name)
	if err != nil {
		return nil, err
	}
	if col.kind == kindPriceActn {
		return ictColumn(f, name), nil
	}
	n := f.Len()
	fv := col.firstValid()
	if n <= fv {
		return nanColumn(n), nil
	}
	var vals []float64
	switch col.kind {
	case kindRSI:
		vals = talib.Rsi(f.Close, col.p1)
	case kindMA:
		vals = talib.Sma(f.Close, col.p1)
	case kindEMA:
		vals = talib.Ema(f.Close, col.p1)
	case kindATR:
		vals = talib.Atr(f.High, f.Low, f.Close, col.p1)
	case kindMACD:
		vals, _, _ = talib.Macd(f.Close, col.p1, col.p2, macdSignalPeriod)
	case kindMACDSig:
		_, vals, _ = talib.Macd(f.Close, col.p1, col.p2, macdSignalPeriod)
	case kindBBUpper:
		vals, _, _ = talib.BBands(f.Close, col.p1, bbandsDevs, bbandsDevs, 0)
	case kindBBMiddle:
		_, vals, _ = talib.BBands(f.Close, col.p1, bbandsDevs, bbandsDevs, 0)
	case kindBBLower:
		_, _, vals = talib.BBands(f.Close, col.p1, bbandsDevs, bbandsDevs, 0)
	}
	maskWarmup(vals, fv)
	return vals, nil
}

// maskWarmup overwrites the unstable prefix with NaN so conditions on
// the column never fire against the zeroes the math library leaves
// there.
func maskWarmup(vals []float64, firstValid int) {
	if firstValid > len(vals) {
		firstValid = len(vals)
	}
	for i := 0; i < firstValid; i++ {
		vals[i] = math.NaN()
	}
}

func nanColumn(n int) []float64 {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = math.NaN()
	}
	return vals
}

func anyNaN(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
