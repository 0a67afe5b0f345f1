// Package bars turns tick history into validated OHLC bars and repairs
// holes in stored series.
package bars

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
)

// Corruption thresholds. A series failing any of these is unusable for
// signal generation and the cycle is skipped.
const (
	maxInconsistentRatio = 0.05
	maxZeroVolumeRatio   = 0.50
	extremeReturn        = 0.20
	maxExtremeRatio      = 0.10
	gapTolerance         = 0.10
)

// OHLCSource fetches bars for a window, typically the live broker.
type OHLCSource interface {
	GetOHLC(ctx context.Context, req core.OHLCRequest) ([]core.OHLC, error)
}

// Builder resamples ticks into bars of one interval and validates the
// result before it reaches a strategy.
type Builder struct {
	interval core.Interval
	logger   core.ILogger
}

func NewBuilder(interval core.Interval, logger core.ILogger) *Builder {
	return &Builder{
		interval: interval,
		logger:   logger.WithField("component", "bar_builder"),
	}
}

func (b *Builder) Interval() core.Interval { return b.interval }

// Build runs the full pipeline: resample, repair, validate. The error
// carries apperrors.ErrDataCorrupted when the series fails a check.
func (b *Builder) Build(ticks []core.Tick) ([]core.OHLC, error) {
	bars := b.Clean(b.Resample(ticks))
	if err := b.Validate(bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// Resample buckets ticks into fixed windows. Buckets open at KST
// midnight for daily bars and on even interval boundaries intraday.
func (b *Builder) Resample(ticks []core.Tick) []core.OHLC {
	if len(ticks) == 0 {
		return nil
	}

	buckets := make(map[int64]*core.OHLC)
	for _, tick := range ticks {
		start := b.bucketStart(tick.Timestamp)
		price := tick.Price.InexactFloat64()

		bar, ok := buckets[start.UnixNano()]
		if !ok {
			buckets[start.UnixNano()] = &core.OHLC{
				Timestamp: start,
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
				Volume:    tick.Volume,
				Value:     price * float64(tick.Volume),
			}
			continue
		}
		if price > bar.High {
			bar.High = price
		}
		if price < bar.Low {
			bar.Low = price
		}
		bar.Close = price
		bar.Volume += tick.Volume
		bar.Value += price * float64(tick.Volume)
	}

	out := make([]core.OHLC, 0, len(buckets))
	for _, bar := range buckets {
		out = append(out, *bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (b *Builder) bucketStart(ts time.Time) time.Time {
	k := ts.In(core.KST)
	if !b.interval.IsIntraday() {
		return time.Date(k.Year(), k.Month(), k.Day(), 0, 0, 0, 0, core.KST)
	}
	return k.Truncate(b.interval.Duration())
}

// Clean applies the repair pass: swap inverted high/low, forward-fill
// NaN fields from the previous complete bar, drop leading bars that
// still carry NaN.
func (b *Builder) Clean(bars []core.OHLC) []core.OHLC {
	out := make([]core.OHLC, 0, len(bars))
	var prev core.OHLC
	havePrev := false
	for _, bar := range bars {
		if bar.High < bar.Low {
			bar.High, bar.Low = bar.Low, bar.High
		}
		if havePrev {
			if math.IsNaN(bar.Open) {
				bar.Open = prev.Open
			}
			if math.IsNaN(bar.High) {
				bar.High = prev.High
			}
			if math.IsNaN(bar.Low) {
				bar.Low = prev.Low
			}
			if math.IsNaN(bar.Close) {
				bar.Close = prev.Close
			}
			if math.IsNaN(bar.Value) {
				bar.Value = prev.Value
			}
		}
		if hasNaN(bar) {
			continue
		}
		out = append(out, bar)
		prev, havePrev = bar, true
	}
	return out
}

func hasNaN(bar core.OHLC) bool {
	return math.IsNaN(bar.Open) || math.IsNaN(bar.High) ||
		math.IsNaN(bar.Low) || math.IsNaN(bar.Close) || math.IsNaN(bar.Value)
}

// Validate rejects series a strategy must not see. All failures wrap
// apperrors.ErrDataCorrupted.
func (b *Builder) Validate(bars []core.OHLC) error {
	if len(bars) == 0 {
		return fmt.Errorf("%w: no bars", apperrors.ErrDataCorrupted)
	}

	inconsistent := 0
	zeroVolume := 0
	extreme := 0
	for i, bar := range bars {
		if bar.Open < 0 || bar.High < 0 || bar.Low < 0 || bar.Close < 0 {
			return fmt.Errorf("%w: negative price at %s", apperrors.ErrDataCorrupted, bar.Timestamp)
		}
		if i > 0 && !bar.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: duplicate timestamp %s", apperrors.ErrDataCorrupted, bar.Timestamp)
		}
		if bar.High < bar.Low || bar.High < bar.Close || bar.Low > bar.Close {
			inconsistent++
		}
		if bar.Volume == 0 {
			zeroVolume++
		}
		if i > 0 {
			prevClose := bars[i-1].Close
			if prevClose == 0 || math.Abs(bar.Close/prevClose-1) > extremeReturn {
				extreme++
			}
		}
	}

	n := float64(len(bars))
	if float64(inconsistent)/n > maxInconsistentRatio {
		return fmt.Errorf("%w: %d of %d bars OHLC-inconsistent", apperrors.ErrDataCorrupted, inconsistent, len(bars))
	}
	if b.interval.IsIntraday() && float64(zeroVolume)/n > maxZeroVolumeRatio {
		return fmt.Errorf("%w: %d of %d bars without volume", apperrors.ErrDataCorrupted, zeroVolume, len(bars))
	}
	if len(bars) > 1 && float64(extreme)/float64(len(bars)-1) > maxExtremeRatio {
		return fmt.Errorf("%w: %d of %d returns beyond %.0f%%", apperrors.ErrDataCorrupted, extreme, len(bars)-1, extremeReturn*100)
	}
	return nil
}

// FindGap returns the index of the first bar that follows a hole wider
// than the interval plus tolerance, or -1 when the series is contiguous.
func (b *Builder) FindGap(bars []core.OHLC) int {
	limit := time.Duration(float64(b.interval.Duration()) * (1 + gapTolerance))
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Sub(bars[i-1].Timestamp) > limit {
			return i
		}
	}
	return -1
}

// RepairGaps backfills holes from the source and merges with the server
// winning on duplicate timestamps. When the backfill fails, everything
// at and after the first hole is dropped; a truncated prefix is safer
// than a series with invisible holes.
func (b *Builder) RepairGaps(ctx context.Context, src OHLCSource, symbol string, bars []core.OHLC) []core.OHLC {
	first := b.FindGap(bars)
	if first < 0 {
		return bars
	}

	fetched, err := src.GetOHLC(ctx, core.OHLCRequest{
		Symbol:   symbol,
		Interval: b.interval,
		Start:    bars[first-1].Timestamp,
		End:      bars[len(bars)-1].Timestamp,
	})
	if err != nil || len(fetched) == 0 {
		b.logger.Warn("Backfill failed, truncating series at first hole",
			"symbol", symbol, "kept", first, "dropped", len(bars)-first, "error", err)
		return bars[:first]
	}

	merged := make(map[int64]core.OHLC, len(bars)+len(fetched))
	for _, bar := range bars {
		merged[bar.Timestamp.UnixMilli()] = bar
	}
	for _, bar := range fetched {
		merged[bar.Timestamp.UnixMilli()] = bar
	}

	out := make([]core.OHLC, 0, len(merged))
	for _, bar := range merged {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	b.logger.Info("Series holes backfilled", "symbol", symbol, "fetched", len(fetched), "total", len(out))
	return out
}
