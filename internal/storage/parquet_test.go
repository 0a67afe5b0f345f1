package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 30, 10, 0, 0, 0, core.KST)

func testLogger() core.ILogger {
	logger, _ := logging.NewZapLogger("ERROR")
	return logger
}

func newTestStore(t *testing.T) *BarStore {
	return NewBarStore(t.TempDir(), core.FixedClock{T: testNow}, testLogger())
}

func dailyBar(ts time.Time, close float64) core.OHLC {
	return core.OHLC{
		Timestamp: ts,
		Open:      close - 50,
		High:      close + 100,
		Low:       close - 100,
		Close:     close,
		Volume:    1000,
		Value:     close * 1000,
	}
}

func dailyBars(from time.Time, n int, close float64) []core.OHLC {
	bars := make([]core.OHLC, n)
	for i := range bars {
		bars[i] = dailyBar(from.AddDate(0, 0, i), close)
	}
	return bars
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	from := time.Date(2025, 6, 23, 0, 0, 0, 0, core.KST)
	saved := dailyBars(from, 5, 71000)
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, saved))

	loaded, err := store.LoadAll(ctx, "005930", core.IntervalDay)
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	for i, bar := range loaded {
		assert.True(t, bar.Timestamp.Equal(saved[i].Timestamp), "bar %d timestamp", i)
		assert.Equal(t, saved[i].Open, bar.Open)
		assert.Equal(t, saved[i].High, bar.High)
		assert.Equal(t, saved[i].Low, bar.Low)
		assert.Equal(t, saved[i].Close, bar.Close)
		assert.Equal(t, saved[i].Volume, bar.Volume)
		assert.Equal(t, saved[i].Value, bar.Value)
	}

	path := filepath.Join(store.base, "005930", "005930_1d.parquet")
	_, err = os.Stat(path)
	assert.NoError(t, err, "series file must follow the <base>/<symbol>/<symbol>_<interval>.parquet layout")
}

func TestLoadFiltersInclusiveWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	from := time.Date(2025, 6, 16, 0, 0, 0, 0, core.KST)
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, dailyBars(from, 10, 70000)))

	start := from.AddDate(0, 0, 2)
	end := from.AddDate(0, 0, 6)
	loaded, err := store.Load(ctx, "005930", core.IntervalDay, start, end)
	require.NoError(t, err)

	require.Len(t, loaded, 5)
	assert.True(t, loaded[0].Timestamp.Equal(start), "window start is inclusive")
	assert.True(t, loaded[4].Timestamp.Equal(end), "window end is inclusive")
}

func TestSaveMergesLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	from := time.Date(2025, 6, 23, 0, 0, 0, 0, core.KST)
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, dailyBars(from, 3, 100)))
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, dailyBars(from.AddDate(0, 0, 1), 3, 200)))

	loaded, err := store.LoadAll(ctx, "005930", core.IntervalDay)
	require.NoError(t, err)

	require.Len(t, loaded, 4)
	assert.Equal(t, float64(100), loaded[0].Close)
	assert.Equal(t, float64(200), loaded[1].Close, "overlapping rows take the later write")
	assert.Equal(t, float64(200), loaded[2].Close)
	assert.Equal(t, float64(200), loaded[3].Close)
	for i := 1; i < len(loaded); i++ {
		assert.True(t, loaded[i].Timestamp.After(loaded[i-1].Timestamp), "series must be sorted ascending")
	}
}

func TestSaveDropsRowsPastRetention(t *testing.T) {
	store := newTestStore(t)
	store.SetRetention(48 * time.Hour)
	ctx := context.Background()

	bars := []core.OHLC{
		dailyBar(testNow.Add(-72*time.Hour), 100),
		dailyBar(testNow.Add(-24*time.Hour), 200),
		dailyBar(testNow, 300),
	}
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, bars))

	loaded, err := store.LoadAll(ctx, "005930", core.IntervalDay)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, float64(200), loaded[0].Close)
}

func TestSaveRemovesFileWhenEverythingExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := []core.OHLC{dailyBar(testNow.Add(-100*time.Hour), 100)}
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, old))

	store.SetRetention(time.Hour)
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, old))

	_, err := os.Stat(store.path("005930", core.IntervalDay))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingSeries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loaded, err := store.LoadAll(ctx, "000000", core.IntervalDay)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	loaded, err = store.Load(ctx, "000000", core.IntervalDay, testNow.AddDate(0, 0, -7), testNow)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestEvictExpiredRemovesStaleSeriesOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := []core.OHLC{dailyBar(testNow.Add(-100*time.Hour), 100)}
	fresh := []core.OHLC{dailyBar(testNow.Add(-2*time.Hour), 200)}
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, stale))
	require.NoError(t, store.Save(ctx, "000660", core.IntervalDay, fresh))

	store.SetRetention(48 * time.Hour)
	require.NoError(t, store.EvictExpired(ctx))

	_, err := os.Stat(store.path("005930", core.IntervalDay))
	assert.True(t, os.IsNotExist(err), "stale series must be deleted")

	loaded, err := store.LoadAll(ctx, "000660", core.IntervalDay)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestEvictExpiredWithoutBaseDir(t *testing.T) {
	store := NewBarStore(filepath.Join(t.TempDir(), "missing"), core.FixedClock{T: testNow}, testLogger())
	assert.NoError(t, store.EvictExpired(context.Background()))
}

func TestLoadWindowOutsideSeries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	from := time.Date(2025, 6, 23, 0, 0, 0, 0, core.KST)
	require.NoError(t, store.Save(ctx, "005930", core.IntervalDay, dailyBars(from, 3, 100)))

	loaded, err := store.Load(ctx, "005930", core.IntervalDay,
		from.AddDate(0, 0, 10), from.AddDate(0, 0, 20))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
