// Package storage persists bar history as parquet files, one per
// (symbol, interval) series.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"

	"github.com/parquet-go/parquet-go"
)

const defaultRetention = 365 * 24 * time.Hour

// barRow is the on-disk schema. Timestamps are Unix milliseconds so the
// files stay readable outside this process.
type barRow struct {
	Timestamp int64   `parquet:"timestamp"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
	Value     float64 `parquet:"value"`
}

// BarStore implements core.IBarStore over Snappy-compressed parquet
// files laid out as <base>/<symbol>/<symbol>_<interval>.parquet. Saves
// merge by timestamp with last write winning, drop rows past retention
// and rewrite the file atomically.
type BarStore struct {
	base      string
	retention time.Duration
	clock     core.IClock
	logger    core.ILogger

	mu sync.Mutex
}

func NewBarStore(base string, clock core.IClock, logger core.ILogger) *BarStore {
	return &BarStore{
		base:      base,
		retention: defaultRetention,
		clock:     clock,
		logger:    logger.WithField("component", "bar_store"),
	}
}

// SetRetention overrides the 365-day default window.
func (s *BarStore) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

func (s *BarStore) path(symbol string, interval core.Interval) string {
	return filepath.Join(s.base, symbol, fmt.Sprintf("%s_%s.parquet", symbol, interval))
}

// Save merges bars into the series file. Existing rows at the same
// timestamp are replaced, rows older than retention are dropped and the
// result is written back sorted ascending.
func (s *BarStore) Save(ctx context.Context, symbol string, interval core.Interval, bars []core.OHLC) error {
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(symbol, interval)
	existing, err := readAll(path)
	if err != nil {
		return fmt.Errorf("load existing bars: %w", err)
	}

	merged := make(map[int64]barRow, len(existing)+len(bars))
	for _, row := range existing {
		merged[row.Timestamp] = row
	}
	for _, bar := range bars {
		row := toRow(bar)
		merged[row.Timestamp] = row
	}

	cutoff := s.clock.Now().Add(-s.retention).UnixMilli()
	rows := make([]barRow, 0, len(merged))
	for ts, row := range merged {
		if ts < cutoff {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })

	if len(rows) == 0 {
		// Everything aged out; an empty series file has no readers.
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return writeRows(path, rows)
}

// Load returns bars with timestamps inside [start, end]. Row groups
// whose timestamp bounds miss the window are skipped via the page
// index; files without one fall back to a full scan.
func (s *BarStore) Load(ctx context.Context, symbol string, interval core.Interval, start, end time.Time) ([]core.OHLC, error) {
	rows, err := readRange(s.path(symbol, interval), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// LoadAll returns the whole series sorted ascending.
func (s *BarStore) LoadAll(ctx context.Context, symbol string, interval core.Interval) ([]core.OHLC, error) {
	rows, err := readAll(s.path(symbol, interval))
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// EvictExpired walks the store and deletes series files whose newest
// bar is older than the retention cutoff.
func (s *BarStore) EvictExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.retention).UnixMilli()
	removed := 0
	err := filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := readAll(path)
		if err != nil {
			s.logger.Warn("Unreadable series file skipped", "path", path, "error", err)
			return nil
		}
		newest := int64(0)
		for _, row := range rows {
			if row.Timestamp > newest {
				newest = row.Timestamp
			}
		}
		if newest >= cutoff {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if removed > 0 {
		s.logger.Info("Expired series removed", "count", removed)
	}
	return err
}

func toRow(bar core.OHLC) barRow {
	return barRow{
		Timestamp: bar.Timestamp.UnixMilli(),
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		Value:     bar.Value,
	}
}

func fromRows(rows []barRow) []core.OHLC {
	if len(rows) == 0 {
		return nil
	}
	bars := make([]core.OHLC, len(rows))
	for i, row := range rows {
		bars[i] = core.OHLC{
			Timestamp: time.UnixMilli(row.Timestamp).In(core.KST),
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
			Value:     row.Value,
		}
	}
	return bars
}

// writeRows rewrites the series file through a temp file so readers
// never observe a partial write.
func writeRows(path string, rows []barRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows, parquet.Compression(&parquet.Snappy)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readAll(path string) ([]barRow, error) {
	rows, err := parquet.ReadFile[barRow](path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return rows, err
}

func readRange(path string, lo, hi int64) ([]barRow, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, err
	}

	col, indexed := pf.Schema().Lookup("timestamp")

	var out []barRow
	for _, rg := range pf.RowGroups() {
		if indexed && !groupOverlaps(rg, col.ColumnIndex, lo, hi) {
			continue
		}
		rows, err := readGroup(rg)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.Timestamp < lo || row.Timestamp > hi {
				continue
			}
			out = append(out, row)
		}
	}
	return out, nil
}

// groupOverlaps consults the timestamp column's page index. Groups
// without a readable index are kept.
func groupOverlaps(rg parquet.RowGroup, column int, lo, hi int64) bool {
	idx, err := rg.ColumnChunks()[column].ColumnIndex()
	if err != nil || idx == nil {
		return true
	}
	pages := idx.NumPages()
	if pages == 0 {
		return true
	}
	for page := 0; page < pages; page++ {
		if idx.NullPage(page) {
			continue
		}
		if idx.MaxValue(page).Int64() >= lo && idx.MinValue(page).Int64() <= hi {
			return true
		}
	}
	return false
}

func readGroup(rg parquet.RowGroup) ([]barRow, error) {
	reader := parquet.NewGenericRowGroupReader[barRow](rg)
	defer reader.Close()

	out := make([]barRow, 0, rg.NumRows())
	buf := make([]barRow, 256)
	for {
		n, err := reader.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
