package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/alert"
	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/market"
	"github.com/greatjins/si-trading-system-sub000/internal/universe"
)

// Trader is the execution engine surface the scheduler drives.
type Trader interface {
	Start(ctx context.Context, symbols []string) error
	Stop()
	Running() bool
}

// riskView is the slice of the risk manager the settlement report reads.
type riskView interface {
	CurrentMDD() float64
	EmergencyStopped() bool
}

// UniverseScanJob refreshes the day's trading list before the open.
type UniverseScanJob struct {
	Scanner *universe.Scanner
	Alerts  *alert.Manager
}

func (j *UniverseScanJob) Name() string { return "universe_scan" }

func (j *UniverseScanJob) Run(ctx context.Context) error {
	symbols, err := j.Scanner.Scan(ctx)
	if err != nil {
		return err
	}
	j.Alerts.Alert(ctx, "Universe Scanned",
		fmt.Sprintf("%d symbols selected for today", len(symbols)),
		alert.Info, map[string]string{"symbols": strings.Join(symbols, ",")})
	return nil
}

// EngineStartJob launches the execution engine on the scanned universe,
// falling back to the configured symbol list when no scan ran.
type EngineStartJob struct {
	Trader   Trader
	Journal  core.IJournal
	Fallback []string
	Clock    core.IClock
	Logger   core.ILogger
}

func (j *EngineStartJob) Name() string { return "engine_start" }

func (j *EngineStartJob) Run(ctx context.Context) error {
	if j.Trader.Running() {
		j.Logger.Info("Engine already running, skipping start")
		return nil
	}

	symbols := j.Fallback
	if j.Journal != nil {
		saved, err := j.Journal.LoadUniverse(ctx, core.Today(j.Clock))
		if err != nil {
			j.Logger.Warn("Universe load failed, using fallback symbols", "error", err)
		} else if len(saved) > 0 {
			symbols = saved
		}
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to trade")
	}

	// The engine blocks until shutdown; it gets the scheduler's
	// lifetime context, not this invocation's.
	go func() {
		if err := j.Trader.Start(ctx, symbols); err != nil {
			j.Logger.Error("Engine exited with error", "error", err)
		}
	}()
	j.Logger.Info("Engine launch requested", "symbols", symbols)
	return nil
}

// MarketOpenJob announces the regular session open.
type MarketOpenJob struct {
	State  *market.State
	Logger core.ILogger
	Alerts *alert.Manager
}

func (j *MarketOpenJob) Name() string { return "market_open" }

func (j *MarketOpenJob) Run(ctx context.Context) error {
	krx, nxt := j.State.Snapshot()
	j.Logger.Info("Regular session open",
		"krx_status", krx.Status, "nxt_status", nxt.Status)
	j.Alerts.Alert(ctx, "Market Open", "KRX regular session has opened", alert.Info, nil)
	return nil
}

// SettlementJob closes the books after the KRX close: daily report,
// equity mark, and bar persistence for every traded symbol.
type SettlementJob struct {
	Broker    core.IBroker
	Journal   core.IJournal
	Store     core.IBarStore
	Risk      riskView
	Clock     core.IClock
	Logger    core.ILogger
	Alerts    *alert.Manager
	ReportDir string
}

func (j *SettlementJob) Name() string { return "settlement" }

func (j *SettlementJob) Run(ctx context.Context) error {
	day := core.Today(j.Clock)

	acct, err := j.Broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account for settlement: %w", err)
	}
	equity := acct.TotalEquity

	var trades []core.Trade
	prevEquity := decimal.Zero
	prevFound := false
	if j.Journal != nil {
		if trades, err = j.Journal.TradesOn(ctx, day); err != nil {
			j.Logger.Warn("Trade history unavailable for report", "error", err)
		}
		// Walk back over weekends and holidays for the last mark.
		now := j.Clock.Now()
		for i := 1; i <= 7 && !prevFound; i++ {
			d := now.AddDate(0, 0, -i).Format("20060102")
			if eq, ok, lerr := j.Journal.LoadEquity(ctx, d); lerr == nil && ok {
				prevEquity, prevFound = eq, true
			}
		}
	}

	report := j.buildReport(day, equity, prevEquity, prevFound, trades)
	if err := os.MkdirAll(j.ReportDir, 0o755); err != nil {
		return fmt.Errorf("report directory: %w", err)
	}
	path := filepath.Join(j.ReportDir, fmt.Sprintf("daily_report_%s.txt", day))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	j.Logger.Info("Daily report written", "path", path, "trades", len(trades))

	if j.Journal != nil {
		if err := j.Journal.RecordEquity(ctx, day, equity); err != nil {
			j.Logger.Error("Equity mark failed", "date", day, "error", err)
		}
	}

	j.persistBars(ctx, day)

	ret := "n/a"
	if prevFound && prevEquity.IsPositive() {
		r, _ := equity.Sub(prevEquity).Div(prevEquity).Float64()
		ret = fmt.Sprintf("%+.2f%%", r*100)
	}
	j.Alerts.Alert(ctx, "Daily Settlement",
		fmt.Sprintf("Equity %s KRW, return %s, %d trades", equity.StringFixed(0), ret, len(trades)),
		alert.Info, nil)
	return nil
}

func (j *SettlementJob) buildReport(day string, equity, prevEquity decimal.Decimal, prevFound bool, trades []core.Trade) string {
	realized := decimal.Zero
	commissions := decimal.Zero
	wins, losses := 0, 0
	for _, t := range trades {
		realized = realized.Add(t.PnL)
		commissions = commissions.Add(t.Commission)
		if t.Side == core.SideSell {
			if t.PnL.IsPositive() {
				wins++
			} else {
				losses++
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily Trading Report %s\n", day)
	fmt.Fprintf(&b, "==========================\n")
	fmt.Fprintf(&b, "Equity:        %s KRW\n", equity.StringFixed(0))
	if prevFound {
		fmt.Fprintf(&b, "Previous:      %s KRW\n", prevEquity.StringFixed(0))
		if prevEquity.IsPositive() {
			r, _ := equity.Sub(prevEquity).Div(prevEquity).Float64()
			fmt.Fprintf(&b, "Daily Return:  %+.2f%%\n", r*100)
		}
	}
	fmt.Fprintf(&b, "Realized PnL:  %s KRW\n", realized.StringFixed(0))
	fmt.Fprintf(&b, "Commissions:   %s KRW\n", commissions.StringFixed(0))
	fmt.Fprintf(&b, "Trades:        %d (%d wins / %d losses)\n", len(trades), wins, losses)
	if j.Risk != nil {
		fmt.Fprintf(&b, "Max Drawdown:  %.2f%%\n", j.Risk.CurrentMDD()*100)
		if j.Risk.EmergencyStopped() {
			fmt.Fprintf(&b, "EMERGENCY STOP ACTIVE\n")
		}
	}
	if len(trades) > 0 {
		fmt.Fprintf(&b, "\nTrades:\n")
		for _, t := range trades {
			fmt.Fprintf(&b, "  %s %-4s %-7s x%-6d @ %-10s pnl %s\n",
				t.Timestamp.Format("15:04:05"), t.Side, t.Symbol, t.Quantity,
				t.Price.StringFixed(0), t.PnL.StringFixed(0))
		}
	}
	return b.String()
}

// persistBars stores the day's daily bars for every symbol we touched,
// then sweeps expired files.
func (j *SettlementJob) persistBars(ctx context.Context, day string) {
	if j.Store == nil {
		return
	}

	seen := make(map[string]bool)
	var symbols []string
	if j.Journal != nil {
		if u, err := j.Journal.LoadUniverse(ctx, day); err == nil {
			for _, sym := range u {
				if !seen[sym] {
					seen[sym] = true
					symbols = append(symbols, sym)
				}
			}
		}
	}
	if positions, err := j.Broker.GetPositions(ctx); err == nil {
		for _, pos := range positions {
			if !seen[pos.Symbol] {
				seen[pos.Symbol] = true
				symbols = append(symbols, pos.Symbol)
			}
		}
	}

	for _, sym := range symbols {
		bars, err := j.Broker.GetOHLC(ctx, core.OHLCRequest{
			Symbol: sym, Interval: core.IntervalDay, Count: 30})
		if err != nil {
			j.Logger.Warn("Bar fetch for persistence failed", "symbol", sym, "error", err)
			continue
		}
		if len(bars) == 0 {
			continue
		}
		if err := j.Store.Save(ctx, sym, core.IntervalDay, bars); err != nil {
			j.Logger.Warn("Bar persistence failed", "symbol", sym, "error", err)
		}
	}
	if err := j.Store.EvictExpired(ctx); err != nil {
		j.Logger.Warn("Retention sweep failed", "error", err)
	}
}
