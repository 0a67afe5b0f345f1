// Package engine drives live trading. It consumes the realtime tick
// stream, maintains per-symbol bars, evaluates strategies on bar close
// and executes their intents through the risk manager and broker.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/alert"
	"github.com/greatjins/si-trading-system-sub000/internal/bars"
	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/market"
	"github.com/greatjins/si-trading-system-sub000/internal/strategy"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
	"github.com/greatjins/si-trading-system-sub000/pkg/telemetry"
)

const (
	defaultFillTimeout  = 30 * time.Second
	defaultPollInterval = time.Second
	tickRingCapacity    = 8192
	accountRefreshEvery = 5 * time.Second
	warmupExtraBars     = 10
)

// sessionFeed is satisfied by brokers that push market session events.
type sessionFeed interface {
	OnSessionUpdate(fn func(jangubun, jstatus string))
}

// fillFeed is satisfied by brokers that push fill notifications.
type fillFeed interface {
	OnOrderFilled(fn func(orderID string))
}

// serverSyncer is satisfied by clocks that track a venue time offset.
type serverSyncer interface {
	Sync(serverNow time.Time)
}

// Config tunes the engine. Zero durations fall back to defaults.
type Config struct {
	Interval       core.Interval
	Commission     float64
	FillTimeout    time.Duration
	PollInterval   time.Duration
	AccountRefresh time.Duration
	CancelOnExit   bool
}

// Deps carries the collaborators the engine runs against. Journal and
// Alerts are optional.
type Deps struct {
	Broker     core.IBroker
	Risk       core.IRiskManager
	State      *market.State
	Router     *market.Router
	Strategies []core.IStrategy
	Journal    core.IJournal
	Alerts     *alert.Manager
	Clock      core.IClock
	Logger     core.ILogger
}

// symbolData is the per-symbol live state.
type symbolData struct {
	ring      *bars.TickRing
	hist      []core.OHLC
	lastBar   time.Time
	lastPrice decimal.Decimal
}

type Engine struct {
	cfg     Config
	broker  core.IBroker
	risk    core.IRiskManager
	state   *market.State
	router  *market.Router
	builder *bars.Builder
	strats  []core.IStrategy
	journal core.IJournal
	alerts  *alert.Manager
	clock   core.IClock
	logger  core.ILogger

	mu        sync.Mutex
	symbols   map[string]*symbolData
	waits     map[string]chan struct{}
	account   *core.Account
	positions []core.Position
	lastFetch time.Time
	cbActive  map[core.Market]bool
	stop      context.CancelFunc

	// stratMu serializes OnBar and OnFill so strategy state never
	// sees concurrent calls.
	stratMu sync.Mutex

	liquidateOnce sync.Once
	running       atomic.Bool
	fillTimeout   time.Duration
	pollInterval  time.Duration
	refreshEvery  time.Duration
}

func New(cfg Config, d Deps) *Engine {
	e := &Engine{
		cfg:          cfg,
		broker:       d.Broker,
		risk:         d.Risk,
		state:        d.State,
		router:       d.Router,
		builder:      bars.NewBuilder(cfg.Interval, d.Logger),
		strats:       d.Strategies,
		journal:      d.Journal,
		alerts:       d.Alerts,
		clock:        d.Clock,
		logger:       d.Logger.WithField("component", "engine"),
		symbols:      make(map[string]*symbolData),
		waits:        make(map[string]chan struct{}),
		cbActive:     make(map[core.Market]bool),
		fillTimeout:  cfg.FillTimeout,
		pollInterval: cfg.PollInterval,
	}
	if e.fillTimeout <= 0 {
		e.fillTimeout = defaultFillTimeout
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	e.refreshEvery = cfg.AccountRefresh
	if e.refreshEvery <= 0 {
		e.refreshEvery = accountRefreshEvery
	}
	return e
}

// Running reports whether the engine loop is consuming ticks.
func (e *Engine) Running() bool { return e.running.Load() }

// Stop cancels the stream context. Start unwinds and returns nil.
func (e *Engine) Stop() {
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Start opens the realtime stream for symbols and blocks until the
// context is cancelled or the stream fails. Warmup history is loaded
// first so strategies have bars to look back on from the first close.
func (e *Engine) Start(ctx context.Context, symbols []string) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.stop = cancel
	e.mu.Unlock()

	e.syncServerClock(ctx)

	if sf, ok := e.broker.(sessionFeed); ok {
		sf.OnSessionUpdate(e.onSessionEvent)
	}
	if ff, ok := e.broker.(fillFeed); ok {
		ff.OnOrderFilled(e.NotifyOrderFilled)
	}

	if err := e.warmup(ctx, symbols); err != nil {
		return fmt.Errorf("failed to warm up bars: %w", err)
	}

	stream, err := e.broker.StreamRealtime(ctx, symbols)
	if err != nil {
		return fmt.Errorf("failed to open realtime stream: %w", err)
	}

	e.logger.Info("Engine started", "symbols", symbols, "interval", e.cfg.Interval)
	e.alerts.Alert(ctx, "Engine Started",
		fmt.Sprintf("Trading %d symbols on %s bars", len(symbols), e.cfg.Interval),
		alert.Info, nil)

	for {
		select {
		case <-ctx.Done():
			e.shutdown(context.WithoutCancel(ctx))
			return nil
		case tick, ok := <-stream:
			if !ok {
				e.shutdown(context.WithoutCancel(ctx))
				return apperrors.ErrStreamClosed
			}
			e.processTick(ctx, tick)
		}
	}
}

// syncServerClock aligns the local clock against venue time so bar
// buckets and daily keys match the broker.
func (e *Engine) syncServerClock(ctx context.Context) {
	syncer, ok := e.clock.(serverSyncer)
	if !ok {
		return
	}
	serverNow, err := e.broker.GetServerTime(ctx)
	if err != nil {
		e.logger.Warn("Server time sync failed, using local clock", "error", err)
		return
	}
	syncer.Sync(serverNow)
	e.logger.Info("Server clock synced", "server_time", serverNow)
}

// warmup preloads enough daily history for every strategy lookback.
func (e *Engine) warmup(ctx context.Context, symbols []string) error {
	need := 0
	for _, s := range e.strats {
		if w := s.WarmupBars(); w > need {
			need = w
		}
	}
	count := need + warmupExtraBars

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, symbol := range symbols {
		data := &symbolData{ring: bars.NewTickRing(tickRingCapacity)}
		hist, err := e.broker.GetOHLC(ctx, core.OHLCRequest{
			Symbol:   symbol,
			Interval: e.cfg.Interval,
			Count:    count,
		})
		if err != nil {
			return fmt.Errorf("history for %s: %w", symbol, err)
		}
		data.hist = e.builder.Clean(hist)
		if n := len(data.hist); n > 0 {
			data.lastBar = data.hist[n-1].Timestamp
		}
		e.symbols[symbol] = data
		e.logger.Info("Warmup loaded", "symbol", symbol, "bars", len(data.hist))
	}
	return nil
}

// onSessionEvent feeds JIF updates into the market state and raises
// alerts on circuit breaker transitions.
func (e *Engine) onSessionEvent(jangubun, jstatus string) {
	e.state.Apply(jangubun, jstatus)

	for _, mkt := range []core.Market{core.MarketKRX, core.MarketNXT} {
		active := e.state.IsCircuitBreakerActive(mkt)
		e.mu.Lock()
		prev := e.cbActive[mkt]
		e.cbActive[mkt] = active
		e.mu.Unlock()

		if h := telemetry.GetGlobalMetrics(); h != nil {
			h.SetMarketHalted(string(mkt), active)
		}
		if active && !prev {
			e.alerts.Alert(context.Background(), "Circuit Breaker",
				fmt.Sprintf("%s trading halted (status %s)", mkt, jstatus),
				alert.Warning, map[string]string{"market": string(mkt)})
		} else if !active && prev {
			e.alerts.Alert(context.Background(), "Circuit Breaker Cleared",
				fmt.Sprintf("%s trading resumed", mkt),
				alert.Info, map[string]string{"market": string(mkt)})
		}
	}
}

// processTick is the per-tick pipeline: ring append, equity refresh,
// risk tripwires, close sweep, then bar-close strategy evaluation.
func (e *Engine) processTick(ctx context.Context, tick core.Tick) {
	if h := telemetry.GetGlobalMetrics(); h != nil && h.TicksTotal != nil {
		h.TicksTotal.Add(ctx, 1)
	}

	e.mu.Lock()
	data, ok := e.symbols[tick.Symbol]
	if !ok {
		data = &symbolData{ring: bars.NewTickRing(tickRingCapacity)}
		e.symbols[tick.Symbol] = data
	}
	data.ring.Append(tick)
	data.lastPrice = tick.Price
	e.mu.Unlock()

	e.refreshAccount(ctx, false)

	if e.risk.MarketCloseCancelDue(e.state.SessionEnded(core.MarketKRX)) {
		e.logger.Info("Session ended, cancelling resting orders")
		e.cancelAllOpen(ctx)
	}

	wasStopped := e.risk.EmergencyStopped()
	e.updateRiskEquity()
	if !wasStopped && e.risk.EmergencyStopped() {
		e.emergencyLiquidate(ctx)
	}
	if e.risk.EmergencyStopped() {
		return
	}

	e.evaluateOnBarClose(ctx, tick.Symbol)
}

// refreshAccount pulls account and positions, throttled unless forced.
func (e *Engine) refreshAccount(ctx context.Context, force bool) {
	e.mu.Lock()
	due := force || time.Since(e.lastFetch) >= e.refreshEvery
	if due {
		e.lastFetch = time.Now()
	}
	e.mu.Unlock()
	if !due {
		return
	}

	acct, err := e.broker.GetAccount(ctx)
	if err != nil {
		e.logger.Warn("Account refresh failed", "error", err)
		return
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.logger.Warn("Position refresh failed", "error", err)
		return
	}

	e.mu.Lock()
	e.account = acct
	e.positions = positions
	e.mu.Unlock()

	if h := telemetry.GetGlobalMetrics(); h != nil {
		equity, _ := acct.TotalEquity.Float64()
		h.SetEquity(equity)
		for _, pos := range positions {
			h.SetPositionSize(pos.Symbol, float64(pos.Quantity))
		}
	}
}

func (e *Engine) updateRiskEquity() {
	e.mu.Lock()
	acct := e.account
	e.mu.Unlock()
	if acct == nil {
		return
	}
	e.risk.UpdateEquity(acct.TotalEquity)
	if h := telemetry.GetGlobalMetrics(); h != nil {
		if mdd, ok := e.risk.(interface{ CurrentMDD() float64 }); ok {
			h.SetDrawdown(mdd.CurrentMDD())
		}
	}
}

// evaluateOnBarClose resamples the ring and dispatches strategies when
// a bucket has completed. The trailing bucket is always in progress
// and never evaluated.
func (e *Engine) evaluateOnBarClose(ctx context.Context, symbol string) {
	e.mu.Lock()
	data := e.symbols[symbol]
	live := e.builder.Resample(data.ring.Ticks())
	if len(live) < 2 {
		e.mu.Unlock()
		return
	}
	completed := live[:len(live)-1]
	latest := completed[len(completed)-1]
	if !latest.Timestamp.After(data.lastBar) {
		e.mu.Unlock()
		return
	}
	data.lastBar = latest.Timestamp
	merged := mergeBars(data.hist, completed)
	e.mu.Unlock()

	if h := telemetry.GetGlobalMetrics(); h != nil && h.BarsBuiltTotal != nil {
		h.BarsBuiltTotal.Add(ctx, 1)
	}

	merged = e.builder.Clean(merged)
	merged = e.builder.RepairGaps(ctx, e.broker, symbol, merged)
	if err := e.builder.Validate(merged); err != nil {
		e.logger.Error("Bar validation failed, skipping evaluation",
			"symbol", symbol, "error", err)
		return
	}

	frame := core.NewFrame(symbol, e.cfg.Interval, merged)
	e.dispatchBar(ctx, frame)
}

// mergeBars appends live bars onto history, replacing any overlap of
// the last historical bucket.
func mergeBars(hist, live []core.OHLC) []core.OHLC {
	if len(hist) == 0 {
		return append([]core.OHLC(nil), live...)
	}
	cut := hist[len(hist)-1].Timestamp
	merged := append([]core.OHLC(nil), hist...)
	for _, b := range live {
		if b.Timestamp.After(cut) {
			merged = append(merged, b)
		}
	}
	return merged
}

func (e *Engine) dispatchBar(ctx context.Context, frame *core.Frame) {
	start := time.Now()
	e.stratMu.Lock()
	var intents []core.OrderIntent
	for _, strat := range e.strats {
		if cu, ok := strat.(strategy.ColumnUser); ok {
			if err := strategy.Apply(frame, cu.Columns()); err != nil {
				e.logger.Error("Indicator pre-pass failed",
					"strategy", strat.Name(), "symbol", frame.Symbol, "error", err)
				continue
			}
		}
		out, err := strat.OnBar(ctx, frame)
		if err != nil {
			e.logger.Error("Strategy evaluation failed",
				"strategy", strat.Name(), "symbol", frame.Symbol, "error", err)
			continue
		}
		intents = append(intents, out...)
	}
	e.stratMu.Unlock()

	if h := telemetry.GetGlobalMetrics(); h != nil && h.LatencySignal != nil {
		h.LatencySignal.Record(ctx, float64(time.Since(start).Milliseconds()))
	}

	for i := range intents {
		e.executeSignal(ctx, &intents[i])
	}
}

// shutdown runs once on loop exit.
func (e *Engine) shutdown(ctx context.Context) {
	if e.cfg.CancelOnExit {
		e.logger.Info("Cancelling open orders on exit")
		e.cancelAllOpen(ctx)
	}
	e.logger.Info("Engine stopped")
}
