package core

import (
	"fmt"
	"math"
	"time"
)

// Frame is a columnar view of a bar series plus named indicator columns.
// Strategies receive a frame truncated at the current bar, so the last
// row is always "now" and lookahead is structurally impossible.
type Frame struct {
	Symbol   string
	Interval Interval

	Time   []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []int64
	Value  []float64

	cols map[string][]float64
}

// NewFrame builds a frame from bars.
func NewFrame(symbol string, interval Interval, bars []OHLC) *Frame {
	f := &Frame{
		Symbol:   symbol,
		Interval: interval,
		Time:     make([]time.Time, len(bars)),
		Open:     make([]float64, len(bars)),
		High:     make([]float64, len(bars)),
		Low:      make([]float64, len(bars)),
		Close:    make([]float64, len(bars)),
		Volume:   make([]int64, len(bars)),
		Value:    make([]float64, len(bars)),
		cols:     make(map[string][]float64),
	}
	for i, b := range bars {
		f.Time[i] = b.Timestamp
		f.Open[i] = b.Open
		f.High[i] = b.High
		f.Low[i] = b.Low
		f.Close[i] = b.Close
		f.Volume[i] = b.Volume
		f.Value[i] = b.TradedValue()
	}
	return f
}

// Len returns the number of bars.
func (f *Frame) Len() int { return len(f.Time) }

// Bar reconstructs row i as an OHLC.
func (f *Frame) Bar(i int) OHLC {
	return OHLC{
		Timestamp: f.Time[i],
		Open:      f.Open[i],
		High:      f.High[i],
		Low:       f.Low[i],
		Close:     f.Close[i],
		Volume:    f.Volume[i],
		Value:     f.Value[i],
	}
}

// Last returns the newest bar. Panics on an empty frame.
func (f *Frame) Last() OHLC { return f.Bar(f.Len() - 1) }

// SetCol attaches a named indicator column. The column must be
// frame-length; shorter inputs are front-padded with NaN.
func (f *Frame) SetCol(name string, vals []float64) error {
	if f.cols == nil {
		f.cols = make(map[string][]float64)
	}
	n := f.Len()
	if len(vals) > n {
		return fmt.Errorf("column %q longer than frame: %d > %d", name, len(vals), n)
	}
	if len(vals) < n {
		padded := make([]float64, n)
		pad := n - len(vals)
		for i := 0; i < pad; i++ {
			padded[i] = math.NaN()
		}
		copy(padded[pad:], vals)
		vals = padded
	}
	f.cols[name] = vals
	return nil
}

// Col returns a named indicator column, nil if absent.
func (f *Frame) Col(name string) []float64 { return f.cols[name] }

// ColAt returns column value at row i, NaN when the column is missing.
func (f *Frame) ColAt(name string, i int) float64 {
	col := f.cols[name]
	if col == nil || i < 0 || i >= len(col) {
		return math.NaN()
	}
	return col[i]
}

// ColNames lists the attached indicator columns.
func (f *Frame) ColNames() []string {
	names := make([]string, 0, len(f.cols))
	for name := range f.cols {
		names = append(names, name)
	}
	return names
}

// Window returns a view of the first n bars sharing the same backing
// arrays. Columns are truncated alongside the bars.
func (f *Frame) Window(n int) *Frame {
	if n > f.Len() {
		n = f.Len()
	}
	w := &Frame{
		Symbol:   f.Symbol,
		Interval: f.Interval,
		Time:     f.Time[:n],
		Open:     f.Open[:n],
		High:     f.High[:n],
		Low:      f.Low[:n],
		Close:    f.Close[:n],
		Volume:   f.Volume[:n],
		Value:    f.Value[:n],
		cols:     make(map[string][]float64, len(f.cols)),
	}
	for name, col := range f.cols {
		if len(col) >= n {
			w.cols[name] = col[:n]
		}
	}
	return w
}

// Append adds one bar to the frame. Indicator columns are extended with
// NaN and must be recomputed by the caller.
func (f *Frame) Append(b OHLC) {
	f.Time = append(f.Time, b.Timestamp)
	f.Open = append(f.Open, b.Open)
	f.High = append(f.High, b.High)
	f.Low = append(f.Low, b.Low)
	f.Close = append(f.Close, b.Close)
	f.Volume = append(f.Volume, b.Volume)
	f.Value = append(f.Value, b.TradedValue())
	for name, col := range f.cols {
		f.cols[name] = append(col, math.NaN())
	}
}

// Bars copies the frame back out as a bar slice.
func (f *Frame) Bars() []OHLC {
	out := make([]OHLC, f.Len())
	for i := range out {
		out[i] = f.Bar(i)
	}
	return out
}
