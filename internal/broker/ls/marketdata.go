package ls

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
	"github.com/greatjins/si-trading-system-sub000/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	dateFormat     = "20060102"
	dateTimeFormat = "20060102150405"

	// The venue caps a single t8410 call at about this many rows, so long
	// ranges are sliced backwards from the end in windows of this size.
	dailyChartMax = 200
	// Per-call row cap for the minute chart TR.
	minuteChartMax = 500
	// Rows per trading day at one-minute resolution.
	minutesPerDay = 390
)

// GetOHLC returns bars for the requested window, ascending, endpoints
// inclusive. Count and the Start/End range are alternatives; the range
// wins when both are given. Pacing between chart calls is enforced by the
// transport, so a long range is simply slow, never throttled away.
func (b *Broker) GetOHLC(ctx context.Context, req core.OHLCRequest) ([]core.OHLC, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", apperrors.ErrInvalidSymbol)
	}
	if _, err := core.ParseInterval(string(req.Interval)); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	}

	end := req.End
	if end.IsZero() {
		end = b.clock.Now()
	}
	count := req.Count
	start := req.Start
	if !start.IsZero() {
		count = 0
	} else {
		start = rangeStart(end, req.Interval, count)
	}

	var (
		bars []core.OHLC
		err  error
	)
	if req.Interval.IsIntraday() {
		bars, err = b.minuteChart(ctx, req.Symbol, req.Interval, start, end)
	} else {
		bars, err = b.dailyChart(ctx, req.Symbol, start, end)
	}
	if err != nil {
		return nil, err
	}

	bars = clampBars(bars, start, end)
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// rangeStart widens a bar count into a calendar window, padding for
// weekends and holidays.
func rangeStart(end time.Time, interval core.Interval, count int) time.Time {
	if count <= 0 {
		count = dailyChartMax
	}
	if interval.IsIntraday() {
		days := count*interval.Minutes()/minutesPerDay + 1
		return end.AddDate(0, 0, -(days*7/5 + 3))
	}
	return end.AddDate(0, 0, -(count*7/5 + 10))
}

func clampBars(bars []core.OHLC, start, end time.Time) []core.OHLC {
	out := make([]core.OHLC, 0, len(bars))
	for _, bar := range bars {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out
}

type t8410InBlock struct {
	ShCode  string `json:"shcode"`
	Gubun   string `json:"gubun"`
	QryCnt  int    `json:"qrycnt"`
	SDate   string `json:"sdate"`
	EDate   string `json:"edate"`
	CtsDate string `json:"cts_date"`
	CompYn  string `json:"comp_yn"`
	SuJung  string `json:"sujung"`
}

type chartRow struct {
	Date     string      `json:"date"`
	Time     string      `json:"time"`
	Open     json.Number `json:"open"`
	High     json.Number `json:"high"`
	Low      json.Number `json:"low"`
	Close    json.Number `json:"close"`
	JDiffVol json.Number `json:"jdiff_vol"`
	Value    json.Number `json:"value"`
}

func (r chartRow) toDailyOHLC() (core.OHLC, error) {
	ts, err := time.ParseInLocation(dateFormat, r.Date, core.KST)
	if err != nil {
		return core.OHLC{}, fmt.Errorf("bad chart date %q: %w", r.Date, err)
	}
	return core.OHLC{
		Timestamp: ts,
		Open:      numFloat(r.Open),
		High:      numFloat(r.High),
		Low:       numFloat(r.Low),
		Close:     numFloat(r.Close),
		Volume:    numInt(r.JDiffVol),
		Value:     numFloat(r.Value),
	}, nil
}

func (r chartRow) toMinuteOHLC() (core.OHLC, error) {
	ts, err := time.ParseInLocation(dateTimeFormat, r.Date+r.Time, core.KST)
	if err != nil {
		return core.OHLC{}, fmt.Errorf("bad chart timestamp %q %q: %w", r.Date, r.Time, err)
	}
	return core.OHLC{
		Timestamp: ts,
		Open:      numFloat(r.Open),
		High:      numFloat(r.High),
		Low:       numFloat(r.Low),
		Close:     numFloat(r.Close),
		Volume:    numInt(r.JDiffVol),
		Value:     numFloat(r.Value),
	}, nil
}

// dailyChart fetches t8410 in backward window slices and merges the
// results ascending. Duplicate dates across window boundaries collapse by
// timestamp.
func (b *Broker) dailyChart(ctx context.Context, symbol string, start, end time.Time) ([]core.OHLC, error) {
	merged := make(map[int64]core.OHLC)

	winEnd := end
	for !winEnd.Before(start) {
		winStart := winEnd.AddDate(0, 0, -(dailyChartMax - 1))
		if winStart.Before(start) {
			winStart = start
		}

		in := struct {
			In t8410InBlock `json:"t8410InBlock"`
		}{t8410InBlock{
			ShCode: symbol,
			Gubun:  "2",
			QryCnt: dailyChartMax,
			SDate:  winStart.In(core.KST).Format(dateFormat),
			EDate:  winEnd.In(core.KST).Format(dateFormat),
			CompYn: "N",
			SuJung: "Y",
		}}

		var resp struct {
			Rows []chartRow `json:"t8410OutBlock1"`
		}
		err := retry.Do(ctx, retry.DefaultPolicy, apperrors.Transient, func() error {
			return b.tr.call(ctx, pathChart, "t8410", in, &resp)
		})
		if err != nil {
			return nil, err
		}

		for _, row := range resp.Rows {
			bar, err := row.toDailyOHLC()
			if err != nil {
				b.logger.Warn("Skipping unreadable chart row", "symbol", symbol, "error", err)
				continue
			}
			merged[bar.Timestamp.Unix()] = bar
		}

		winEnd = winStart.AddDate(0, 0, -1)
	}

	return sortBars(merged), nil
}

type t8412InBlock struct {
	ShCode  string `json:"shcode"`
	NCnt    int    `json:"ncnt"`
	QryCnt  int    `json:"qrycnt"`
	NDay    string `json:"nday"`
	SDate   string `json:"sdate"`
	EDate   string `json:"edate"`
	CtsDate string `json:"cts_date"`
	CtsTime string `json:"cts_time"`
	CompYn  string `json:"comp_yn"`
}

// minuteChart fetches t8412 with count-based continuation paging until
// roughly enough rows cover the window or the venue stops advancing
// the continuation cursor.
func (b *Broker) minuteChart(ctx context.Context, symbol string, interval core.Interval, start, end time.Time) ([]core.OHLC, error) {
	unit := interval.Minutes()
	days := int(end.Sub(start).Hours()/24)*5/7 + 1
	want := days * minutesPerDay / unit
	if want < 1 {
		want = 1
	}

	merged := make(map[int64]core.OHLC)
	ctsDate, ctsTime := "", ""
	for {
		in := struct {
			In t8412InBlock `json:"t8412InBlock"`
		}{t8412InBlock{
			ShCode:  symbol,
			NCnt:    unit,
			QryCnt:  minuteChartMax,
			NDay:    "0",
			SDate:   start.In(core.KST).Format(dateFormat),
			EDate:   end.In(core.KST).Format(dateFormat),
			CtsDate: ctsDate,
			CtsTime: ctsTime,
			CompYn:  "N",
		}}

		var resp struct {
			Out struct {
				CtsDate string `json:"cts_date"`
				CtsTime string `json:"cts_time"`
			} `json:"t8412OutBlock"`
			Rows []chartRow `json:"t8412OutBlock1"`
		}
		contKey := ""
		if ctsDate != "" {
			contKey = ctsDate + ctsTime
		}
		err := retry.Do(ctx, retry.DefaultPolicy, apperrors.Transient, func() error {
			return b.tr.callCont(ctx, pathChart, "t8412", contKey, in, &resp)
		})
		if err != nil {
			return nil, err
		}

		for _, row := range resp.Rows {
			bar, err := row.toMinuteOHLC()
			if err != nil {
				b.logger.Warn("Skipping unreadable chart row", "symbol", symbol, "error", err)
				continue
			}
			merged[bar.Timestamp.Unix()] = bar
		}

		if len(merged) >= want || len(resp.Rows) == 0 {
			break
		}
		next := resp.Out
		if next.CtsDate == "" || (next.CtsDate == ctsDate && next.CtsTime == ctsTime) {
			break
		}
		ctsDate, ctsTime = next.CtsDate, next.CtsTime
	}

	return sortBars(merged), nil
}

func sortBars(merged map[int64]core.OHLC) []core.OHLC {
	bars := make([]core.OHLC, 0, len(merged))
	for _, bar := range merged {
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars
}

// GetCurrentPrice returns the last traded price.
func (b *Broker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := b.GetQuote(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// GetQuote returns the t1102 snapshot for a symbol.
func (b *Broker) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	in := struct {
		In struct {
			ShCode string `json:"shcode"`
		} `json:"t1102InBlock"`
	}{}
	in.In.ShCode = symbol

	var resp struct {
		Out struct {
			HName      string      `json:"hname"`
			Price      json.Number `json:"price"`
			Sign       string      `json:"sign"`
			Change     json.Number `json:"change"`
			Diff       json.Number `json:"diff"`
			Volume     json.Number `json:"volume"`
			Value      json.Number `json:"value"`
			Open       json.Number `json:"open"`
			High       json.Number `json:"high"`
			Low        json.Number `json:"low"`
			UpLmtPrice json.Number `json:"uplmtprice"`
			DnLmtPrice json.Number `json:"dnlmtprice"`
			JnilClose  json.Number `json:"jnilclose"`
		} `json:"t1102OutBlock"`
	}
	if err := b.tr.call(ctx, pathMarketData, "t1102", in, &resp); err != nil {
		return nil, err
	}

	out := resp.Out
	return &core.Quote{
		Symbol:     symbol,
		Name:       out.HName,
		Price:      numDecimal(out.Price),
		PrevClose:  numDecimal(out.JnilClose),
		Change:     applySign(out.Sign, numDecimal(out.Change)),
		ChangeRate: applySignFloat(out.Sign, numFloat(out.Diff)),
		Open:       numDecimal(out.Open),
		High:       numDecimal(out.High),
		Low:        numDecimal(out.Low),
		UpperLimit: numDecimal(out.UpLmtPrice),
		LowerLimit: numDecimal(out.DnLmtPrice),
		Volume:     numInt(out.Volume),
		Value:      numInt(out.Value),
		Timestamp:  b.clock.Now(),
	}, nil
}

// GetOrderBook returns the ten-level t1101 depth snapshot. The block is
// decoded generically because the venue flattens levels into numbered
// fields.
func (b *Broker) GetOrderBook(ctx context.Context, symbol string) (*core.OrderBook, error) {
	in := struct {
		In struct {
			ShCode string `json:"shcode"`
		} `json:"t1101InBlock"`
	}{}
	in.In.ShCode = symbol

	var resp struct {
		Out map[string]interface{} `json:"t1101OutBlock"`
	}
	if err := b.tr.call(ctx, pathMarketData, "t1101", in, &resp); err != nil {
		return nil, err
	}

	book := &core.OrderBook{
		Symbol:      symbol,
		TotalBidQty: fieldInt(resp.Out, "totbidrem"),
		TotalAskQty: fieldInt(resp.Out, "totofferrem"),
		Timestamp:   b.clock.Now(),
	}
	for i := 1; i <= 10; i++ {
		ask := core.OrderBookLevel{
			Price:    fieldDecimal(resp.Out, fmt.Sprintf("offerho%d", i)),
			Quantity: fieldInt(resp.Out, fmt.Sprintf("offerrem%d", i)),
		}
		bid := core.OrderBookLevel{
			Price:    fieldDecimal(resp.Out, fmt.Sprintf("bidho%d", i)),
			Quantity: fieldInt(resp.Out, fmt.Sprintf("bidrem%d", i)),
		}
		if !ask.Price.IsZero() || ask.Quantity > 0 {
			book.Asks = append(book.Asks, ask)
		}
		if !bid.Price.IsZero() || bid.Quantity > 0 {
			book.Bids = append(book.Bids, bid)
		}
	}
	return book, nil
}

// GetFinancials returns the t3320 fundamental snapshot used by the
// universe scanner.
func (b *Broker) GetFinancials(ctx context.Context, symbol string) (*core.Financials, error) {
	in := struct {
		In struct {
			GiCode string `json:"gicode"`
		} `json:"t3320InBlock"`
	}{}
	in.In.GiCode = isuNo(symbol)

	var resp struct {
		Out struct {
			Company   string      `json:"company"`
			SigaValue json.Number `json:"sigavalue"`
		} `json:"t3320OutBlock"`
		Out1 struct {
			PER json.Number `json:"per"`
			PBR json.Number `json:"pbr"`
			EPS json.Number `json:"eps"`
			BPS json.Number `json:"bps"`
			ROE json.Number `json:"roe"`
		} `json:"t3320OutBlock1"`
	}
	if err := b.tr.call(ctx, pathInvestInfo, "t3320", in, &resp); err != nil {
		return nil, err
	}

	// sigavalue is reported in 100M KRW units.
	return &core.Financials{
		Symbol:    symbol,
		Name:      resp.Out.Company,
		MarketCap: numInt(resp.Out.SigaValue) * 100_000_000,
		PER:       numFloat(resp.Out1.PER),
		PBR:       numFloat(resp.Out1.PBR),
		EPS:       numFloat(resp.Out1.EPS),
		BPS:       numFloat(resp.Out1.BPS),
		ROE:       numFloat(resp.Out1.ROE),
	}, nil
}

type t1452InBlock struct {
	Gubun     string `json:"gubun"`
	JnilGubun string `json:"jnilgubun"`
	Idx       int    `json:"idx"`
}

// GetTopVolume pages the t1452 volume leaders with the idx continuation
// cursor until limit rows are collected or the cursor stops moving.
func (b *Broker) GetTopVolume(ctx context.Context, limit int) ([]core.VolumeRank, error) {
	if limit <= 0 {
		return nil, nil
	}

	var ranks []core.VolumeRank
	idx := 0
	for len(ranks) < limit {
		in := struct {
			In t1452InBlock `json:"t1452InBlock"`
		}{t1452InBlock{Gubun: "0", JnilGubun: "0", Idx: idx}}

		var resp struct {
			Out struct {
				Idx int `json:"idx"`
			} `json:"t1452OutBlock"`
			Rows []struct {
				HName  string      `json:"hname"`
				ShCode string      `json:"shcode"`
				Price  json.Number `json:"price"`
				Sign   string      `json:"sign"`
				Diff   json.Number `json:"diff"`
				Volume json.Number `json:"volume"`
				Value  json.Number `json:"value"`
			} `json:"t1452OutBlock1"`
		}
		err := retry.Do(ctx, retry.DefaultPolicy, apperrors.Transient, func() error {
			return b.tr.call(ctx, pathHighItem, "t1452", in, &resp)
		})
		if err != nil {
			return nil, err
		}

		for _, row := range resp.Rows {
			ranks = append(ranks, core.VolumeRank{
				Rank:       len(ranks) + 1,
				Symbol:     plainSymbol(row.ShCode),
				Name:       row.HName,
				Price:      numDecimal(row.Price),
				ChangeRate: applySignFloat(row.Sign, numFloat(row.Diff)),
				Volume:     numInt(row.Volume),
				Value:      numInt(row.Value),
			})
		}

		if len(resp.Rows) == 0 || resp.Out.Idx == 0 || resp.Out.Idx == idx {
			break
		}
		idx = resp.Out.Idx
	}

	if len(ranks) > limit {
		ranks = ranks[:limit]
	}
	return ranks, nil
}

// GetServerTime returns the venue clock via t0167. The engine syncs its
// server clock from this once at startup.
func (b *Broker) GetServerTime(ctx context.Context) (time.Time, error) {
	in := struct {
		In struct {
			ID string `json:"id"`
		} `json:"t0167InBlock"`
	}{}

	var resp struct {
		Out struct {
			Dt   string `json:"dt"`
			Time string `json:"time"`
		} `json:"t0167OutBlock"`
	}
	if err := b.tr.call(ctx, pathTimeSearch, "t0167", in, &resp); err != nil {
		return time.Time{}, err
	}

	hhmmss := resp.Out.Time
	if len(hhmmss) > 6 {
		// Trailing digits are sub-second precision.
		hhmmss = hhmmss[:6]
	}
	ts, err := time.ParseInLocation(dateTimeFormat, resp.Out.Dt+hhmmss, core.KST)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad server time %q %q", apperrors.ErrBrokerFailure, resp.Out.Dt, resp.Out.Time)
	}
	return ts, nil
}
