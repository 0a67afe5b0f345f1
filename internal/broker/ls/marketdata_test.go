package ls

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func businessDays(from, to time.Time) []time.Time {
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	return days
}

// serveDailyChart answers t8410 like the venue: every business day in the
// requested window, ascending, at most qrycnt rows counted from the end.
func serveDailyChart(f *testBroker, calls *int, mu *sync.Mutex, captured *[]t8410InBlock) {
	px := func(d time.Time) float64 { return float64(d.Year()*1000 + d.YearDay()) }
	f.handle("t8410", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			In t8410InBlock `json:"t8410InBlock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		*calls++
		*captured = append(*captured, req.In)
		mu.Unlock()

		sdate, _ := time.ParseInLocation(dateFormat, req.In.SDate, core.KST)
		edate, _ := time.ParseInLocation(dateFormat, req.In.EDate, core.KST)
		days := businessDays(sdate, edate)
		if req.In.QryCnt > 0 && len(days) > req.In.QryCnt {
			days = days[len(days)-req.In.QryCnt:]
		}
		rows := make([]map[string]interface{}, 0, len(days))
		for _, d := range days {
			rows = append(rows, map[string]interface{}{
				"date": d.Format(dateFormat),
				"open": px(d), "high": px(d) + 100, "low": px(d) - 100, "close": px(d) + 50,
				"jdiff_vol": d.YearDay(), "value": 1,
			})
		}
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t8410OutBlock1": rows,
		})
	})
}

func TestGetOHLCDailyWindowPaging(t *testing.T) {
	f := newTestBroker(t)
	var mu sync.Mutex
	var calls int
	var captured []t8410InBlock
	serveDailyChart(f, &calls, &mu, &captured)

	end := time.Date(2025, 6, 27, 0, 0, 0, 0, core.KST)
	start := end.AddDate(0, 0, -600)
	bars, err := f.broker.GetOHLC(context.Background(), core.OHLCRequest{
		Symbol: "005930", Interval: core.IntervalDay, Start: start, End: end,
	})
	require.NoError(t, err)

	want := businessDays(start, end)
	require.Len(t, bars, len(want))
	for i, bar := range bars {
		assert.True(t, bar.Timestamp.Equal(want[i]),
			"bar %d: got %s want %s", i, bar.Timestamp, want[i])
		if i > 0 {
			assert.True(t, bars[i-1].Timestamp.Before(bar.Timestamp))
		}
	}

	first := want[0]
	assert.Equal(t, float64(first.Year()*1000+first.YearDay()), bars[0].Open)
	assert.Equal(t, float64(first.Year()*1000+first.YearDay())+50, bars[0].Close)
	assert.Equal(t, int64(first.YearDay()), bars[0].Volume)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, calls, "601 calendar days must page as four windows")
	assert.Equal(t, "005930", captured[0].ShCode)
	assert.Equal(t, "2", captured[0].Gubun)
	assert.Equal(t, "Y", captured[0].SuJung)
	assert.Equal(t, dailyChartMax, captured[0].QryCnt)
}

func TestGetOHLCCountTakesLatestBars(t *testing.T) {
	f := newTestBroker(t)
	var mu sync.Mutex
	var calls int
	var captured []t8410InBlock
	serveDailyChart(f, &calls, &mu, &captured)

	end := time.Date(2025, 6, 27, 0, 0, 0, 0, core.KST)
	bars, err := f.broker.GetOHLC(context.Background(), core.OHLCRequest{
		Symbol: "005930", Interval: core.IntervalDay, Count: 5, End: end,
	})
	require.NoError(t, err)

	require.Len(t, bars, 5)
	assert.True(t, bars[4].Timestamp.Equal(end))
	assert.True(t, bars[0].Timestamp.Equal(time.Date(2025, 6, 23, 0, 0, 0, 0, core.KST)))
}

func TestGetOHLCMinuteContinuation(t *testing.T) {
	f := newTestBroker(t)

	type contCapture struct {
		TrCont  string
		ContKey string
		CtsDate string
		CtsTime string
	}
	var mu sync.Mutex
	var captured []contCapture

	minuteRow := func(hhmm string) map[string]interface{} {
		return map[string]interface{}{
			"date": "20250630", "time": hhmm + "00",
			"open": 100, "high": 110, "low": 90, "close": 105, "jdiff_vol": 10,
		}
	}
	page1 := []map[string]interface{}{
		minuteRow("0901"), minuteRow("0902"), minuteRow("0903"),
		minuteRow("0904"), minuteRow("0905"), minuteRow("0906"),
	}
	page2 := []map[string]interface{}{
		minuteRow("0907"), minuteRow("0908"), minuteRow("0909"), minuteRow("0910"),
	}

	f.handle("t8412", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			In t8412InBlock `json:"t8412InBlock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		captured = append(captured, contCapture{
			TrCont:  r.Header.Get("tr_cont"),
			ContKey: r.Header.Get("tr_cont_key"),
			CtsDate: req.In.CtsDate,
			CtsTime: req.In.CtsTime,
		})
		n := len(captured)
		mu.Unlock()

		if n == 1 {
			writeJSON(w, map[string]interface{}{
				"rsp_cd": "00000", "rsp_msg": "정상",
				"t8412OutBlock":  map[string]string{"cts_date": "20250630", "cts_time": "0906"},
				"t8412OutBlock1": page1,
			})
			return
		}
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t8412OutBlock":  map[string]string{"cts_date": "", "cts_time": ""},
			"t8412OutBlock1": page2,
		})
	})

	start := time.Date(2025, 6, 30, 9, 0, 0, 0, core.KST)
	end := time.Date(2025, 6, 30, 9, 10, 0, 0, core.KST)
	bars, err := f.broker.GetOHLC(context.Background(), core.OHLCRequest{
		Symbol: "005930", Interval: core.Interval1Min, Start: start, End: end,
	})
	require.NoError(t, err)

	require.Len(t, bars, 10)
	assert.True(t, bars[0].Timestamp.Equal(time.Date(2025, 6, 30, 9, 1, 0, 0, core.KST)))
	assert.True(t, bars[9].Timestamp.Equal(end))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 2)
	assert.Equal(t, contCapture{TrCont: "N"}, captured[0])
	assert.Equal(t, contCapture{
		TrCont: "Y", ContKey: "202506300906",
		CtsDate: "20250630", CtsTime: "0906",
	}, captured[1])
}

func TestGetOHLCRejectsBadInput(t *testing.T) {
	f := newTestBroker(t)

	_, err := f.broker.GetOHLC(context.Background(), core.OHLCRequest{Interval: core.IntervalDay})
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)

	_, err = f.broker.GetOHLC(context.Background(), core.OHLCRequest{Symbol: "005930", Interval: "2m"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidOrderParameter)
}

func TestGetQuoteAppliesDownSign(t *testing.T) {
	f := newTestBroker(t)
	f.handle("t1102", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t1102OutBlock": map[string]interface{}{
				"hname": "삼성전자", "price": 71000, "sign": "5",
				"change": 900, "diff": 1.25,
				"open": 71900, "high": 72000, "low": 70800,
				"uplmtprice": 93400, "dnlmtprice": 50400, "jnilclose": 71900,
				"volume": 12345678, "value": 876543210000,
			},
		})
	})

	q, err := f.broker.GetQuote(context.Background(), "005930")
	require.NoError(t, err)

	assert.Equal(t, "005930", q.Symbol)
	assert.Equal(t, "삼성전자", q.Name)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(71000)))
	assert.True(t, q.Change.Equal(decimal.NewFromInt(-900)), "down sign must negate the change, got %s", q.Change)
	assert.Equal(t, -1.25, q.ChangeRate)
	assert.True(t, q.PrevClose.Equal(decimal.NewFromInt(71900)))
	assert.True(t, q.UpperLimit.Equal(decimal.NewFromInt(93400)))
	assert.Equal(t, int64(12345678), q.Volume)
	assert.True(t, q.Timestamp.Equal(testNow))
}

func TestGetCurrentPrice(t *testing.T) {
	f := newTestBroker(t)
	f.handle("t1102", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t1102OutBlock": map[string]interface{}{"price": 71000, "sign": "2"},
		})
	})

	price, err := f.broker.GetCurrentPrice(context.Background(), "005930")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(71000)))
}

func TestGetOrderBook(t *testing.T) {
	f := newTestBroker(t)
	f.handle("t1101", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{
			"hname": "삼성전자", "price": 71000,
			"totofferrem": 4500, "totbidrem": 5200,
		}
		asks := [][2]int{{71100, 100}, {71200, 150}, {71300, 120}}
		bids := [][2]int{{71000, 200}, {70900, 250}, {70800, 300}}
		for i := range asks {
			n := strconv.Itoa(i + 1)
			out["offerho"+n] = asks[i][0]
			out["offerrem"+n] = asks[i][1]
			out["bidho"+n] = bids[i][0]
			out["bidrem"+n] = bids[i][1]
		}
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t1101OutBlock": out,
		})
	})

	book, err := f.broker.GetOrderBook(context.Background(), "005930")
	require.NoError(t, err)

	require.Len(t, book.Asks, 3)
	require.Len(t, book.Bids, 3)
	assert.True(t, book.Asks[0].Price.Equal(decimal.NewFromInt(71100)))
	assert.Equal(t, int64(100), book.Asks[0].Quantity)
	assert.True(t, book.Bids[2].Price.Equal(decimal.NewFromInt(70800)))
	assert.Equal(t, int64(300), book.Bids[2].Quantity)
	assert.Equal(t, int64(5200), book.TotalBidQty)
	assert.Equal(t, int64(4500), book.TotalAskQty)
}

func TestGetFinancials(t *testing.T) {
	f := newTestBroker(t)

	var mu sync.Mutex
	var gicode string
	f.handle("t3320", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			In struct {
				GiCode string `json:"gicode"`
			} `json:"t3320InBlock"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		gicode = req.In.GiCode
		mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t3320OutBlock":  map[string]interface{}{"company": "삼성전자", "sigavalue": 4757},
			"t3320OutBlock1": map[string]interface{}{"per": 12.5, "pbr": 1.4, "eps": 5600, "bps": 50000, "roe": 11.2},
		})
	})

	fin, err := f.broker.GetFinancials(context.Background(), "005930")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, "A005930", gicode)
	mu.Unlock()
	assert.Equal(t, "005930", fin.Symbol)
	assert.Equal(t, "삼성전자", fin.Name)
	assert.Equal(t, int64(475_700_000_000), fin.MarketCap)
	assert.Equal(t, 12.5, fin.PER)
	assert.Equal(t, 11.2, fin.ROE)
}

func TestGetTopVolumePagesWithIdx(t *testing.T) {
	f := newTestBroker(t)

	row := func(name, code string, sign string, diff float64) map[string]interface{} {
		return map[string]interface{}{
			"hname": name, "shcode": code, "price": 10000,
			"sign": sign, "diff": diff, "volume": 1000000, "value": 10000000000,
		}
	}

	var mu sync.Mutex
	var idxSeen []int
	f.handle("t1452", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			In t1452InBlock `json:"t1452InBlock"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		idxSeen = append(idxSeen, req.In.Idx)
		n := len(idxSeen)
		mu.Unlock()

		if n == 1 {
			writeJSON(w, map[string]interface{}{
				"rsp_cd": "00000", "rsp_msg": "정상",
				"t1452OutBlock": map[string]int{"idx": 20},
				"t1452OutBlock1": []map[string]interface{}{
					row("삼성전자", "005930", "2", 1.05),
					row("SK하이닉스", "000660", "5", 0.8),
				},
			})
			return
		}
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t1452OutBlock": map[string]int{"idx": 40},
			"t1452OutBlock1": []map[string]interface{}{
				row("NAVER", "A035420", "2", 0.4),
				row("카카오", "035720", "3", 0),
			},
		})
	})

	ranks, err := f.broker.GetTopVolume(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, ranks, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{ranks[0].Rank, ranks[1].Rank, ranks[2].Rank})
	assert.Equal(t, "005930", ranks[0].Symbol)
	assert.Equal(t, "000660", ranks[1].Symbol)
	assert.Equal(t, -0.8, ranks[1].ChangeRate)
	assert.Equal(t, "035420", ranks[2].Symbol, "issue-code prefix must be stripped")

	mu.Lock()
	assert.Equal(t, []int{0, 20}, idxSeen)
	mu.Unlock()
}

func TestGetServerTime(t *testing.T) {
	f := newTestBroker(t)
	f.handle("t0167", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"rsp_cd": "00000", "rsp_msg": "정상",
			"t0167OutBlock": map[string]string{"dt": "20250630", "time": "0931221234"},
		})
	})

	ts, err := f.broker.GetServerTime(context.Background())
	require.NoError(t, err)

	want := time.Date(2025, 6, 30, 9, 31, 22, 0, core.KST)
	assert.True(t, ts.Equal(want), "got %s want %s", ts, want)
}
