// Package risk enforces account-level trading limits: maximum drawdown,
// daily loss, per-position notional, limit-price slippage, and per-symbol
// trade frequency. A drawdown breach latches an emergency stop that stays
// set until the process restarts.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
)

// Trade counts older than this are swept on the first update of a new day.
const tradeCountRetentionDays = 30

// Limits bounds what the manager lets through. Zero fields fall back to
// the defaults from DefaultLimits.
type Limits struct {
	MaxDrawdown          float64 `yaml:"max_drawdown"`      // Fraction below the equity peak
	MaxPositionSize      float64 `yaml:"max_position_size"` // Fraction of equity per position
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`    // Fraction of day-start equity
	MaxSlippage          float64 `yaml:"max_slippage"`      // Limit-price deviation from market
	MaxDailyTradesPerSym int     `yaml:"max_daily_trades_per_symbol"`
}

// DefaultLimits returns the standard limit set.
func DefaultLimits() Limits {
	return Limits{
		MaxDrawdown:          0.20,
		MaxPositionSize:      0.10,
		MaxDailyLoss:         0.05,
		MaxSlippage:          0.005,
		MaxDailyTradesPerSym: 10,
	}
}

// Manager tracks the equity stream and answers go/no-go questions from the
// execution engine. Implements core.IRiskManager.
type Manager struct {
	limits Limits
	clock  core.IClock
	logger core.ILogger

	mu               sync.RWMutex
	peakEquity       decimal.Decimal
	currentMDD       float64
	dailyStartEquity decimal.Decimal
	currentDate      string
	tradeCounts      map[string]map[string]int // symbol -> yyyymmdd -> fills
	emergencyStop    bool
	dailyLossHit     bool
	closeCancelledOn string
}

func NewManager(limits Limits, clock core.IClock, logger core.ILogger) *Manager {
	def := DefaultLimits()
	if limits.MaxDrawdown <= 0 {
		limits.MaxDrawdown = def.MaxDrawdown
	}
	if limits.MaxPositionSize <= 0 {
		limits.MaxPositionSize = def.MaxPositionSize
	}
	if limits.MaxDailyLoss <= 0 {
		limits.MaxDailyLoss = def.MaxDailyLoss
	}
	if limits.MaxSlippage <= 0 {
		limits.MaxSlippage = def.MaxSlippage
	}
	if limits.MaxDailyTradesPerSym <= 0 {
		limits.MaxDailyTradesPerSym = def.MaxDailyTradesPerSym
	}
	return &Manager{
		limits:      limits,
		clock:       clock,
		logger:      logger.WithField("component", "risk_manager"),
		tradeCounts: make(map[string]map[string]int),
	}
}

// UpdateEquity folds a fresh account snapshot into the watermark state and
// reports whether trading may continue. A false return with the emergency
// flag set means the engine must liquidate.
func (m *Manager) UpdateEquity(equity decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A zero account snapshot is a broker glitch, not a drawdown.
	if !equity.IsPositive() {
		m.logger.Warn("Ignoring non-positive equity snapshot", "equity", equity)
		return !m.emergencyStop
	}

	day := core.Today(m.clock)
	if day != m.currentDate {
		m.resetDailyLocked(day, equity)
	}
	if !m.dailyStartEquity.IsPositive() {
		m.dailyStartEquity = equity
	}
	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
	}
	m.currentMDD = 0
	if m.peakEquity.IsPositive() {
		dd, _ := m.peakEquity.Sub(equity).Div(m.peakEquity).Float64()
		if dd > 0 {
			m.currentMDD = dd
		}
	}
	return m.checkLimitsLocked(equity)
}

func (m *Manager) checkLimitsLocked(equity decimal.Decimal) bool {
	if m.emergencyStop {
		return false
	}
	if m.currentMDD >= m.limits.MaxDrawdown {
		m.emergencyStop = true
		m.logger.Error("Emergency stop: drawdown limit breached",
			"mdd", m.currentMDD, "limit", m.limits.MaxDrawdown, "peak", m.peakEquity)
		return false
	}
	if m.dailyStartEquity.IsPositive() {
		loss, _ := m.dailyStartEquity.Sub(equity).Div(m.dailyStartEquity).Float64()
		if loss >= m.limits.MaxDailyLoss {
			if !m.dailyLossHit {
				m.dailyLossHit = true
				m.logger.Warn("Daily loss limit reached, holding new trades",
					"loss", loss, "limit", m.limits.MaxDailyLoss)
			}
			return false
		}
	}
	return true
}

// ValidateIntent checks an intent against the limits and returns the final
// order quantity. BUY intents with quantity zero are sized to the position
// cap, bounded by orderable cash.
func (m *Manager) ValidateIntent(ctx context.Context, intent *core.OrderIntent, acct *core.Account, positions []core.Position, price decimal.Decimal) (int64, error) {
	if intent == nil || intent.Quantity < 0 {
		return 0, fmt.Errorf("intent: %w", apperrors.ErrInvalidOrderParameter)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.emergencyStop {
		return 0, fmt.Errorf("%s %s: %w", intent.Action, intent.Symbol, apperrors.ErrEmergencyStop)
	}

	today := core.Today(m.clock)
	if n := m.tradeCounts[intent.Symbol][today]; n >= m.limits.MaxDailyTradesPerSym {
		return 0, fmt.Errorf("%s traded %d times today (cap %d): %w",
			intent.Symbol, n, m.limits.MaxDailyTradesPerSym, apperrors.ErrRiskLimitExceeded)
	}

	// Sizing and caps use the limit price when given, the market price
	// otherwise.
	px := intent.LimitPrice
	if !px.IsPositive() {
		px = price
	}

	qty := intent.Quantity
	switch intent.Action {
	case core.ActionBuy:
		if acct == nil || !acct.TotalEquity.IsPositive() {
			return 0, fmt.Errorf("buy %s without equity snapshot: %w", intent.Symbol, apperrors.ErrInvalidOrderParameter)
		}
		if !px.IsPositive() {
			return 0, fmt.Errorf("buy %s without a price: %w", intent.Symbol, apperrors.ErrInvalidOrderParameter)
		}
		capValue := acct.TotalEquity.Mul(decimal.NewFromFloat(m.limits.MaxPositionSize))
		if qty == 0 {
			qty = capValue.Div(px).IntPart()
			if affordable := acct.Cash.Div(px).IntPart(); qty > affordable {
				qty = affordable
			}
			if qty <= 0 {
				return 0, fmt.Errorf("buy %s sized to zero at %s: %w", intent.Symbol, px, apperrors.ErrInsufficientFunds)
			}
		}
		if notional := px.Mul(decimal.NewFromInt(qty)); notional.GreaterThan(capValue) {
			return 0, fmt.Errorf("buy %s notional %s exceeds position cap %s: %w",
				intent.Symbol, notional, capValue, apperrors.ErrRiskLimitExceeded)
		}
	case core.ActionSell:
		held := positionQty(positions, intent.Symbol)
		if held <= 0 {
			return 0, fmt.Errorf("sell %s with no position: %w", intent.Symbol, apperrors.ErrInvalidOrderParameter)
		}
		if qty == 0 || qty > held {
			if qty > held {
				m.logger.Warn("Sell quantity clamped to held position",
					"symbol", intent.Symbol, "requested", qty, "held", held)
			}
			qty = held
		}
	default:
		return 0, fmt.Errorf("action %q: %w", intent.Action, apperrors.ErrInvalidOrderParameter)
	}

	// MARKET intents carry no limit price and skip the slippage gate.
	if intent.LimitPrice.IsPositive() && price.IsPositive() {
		dev, _ := intent.LimitPrice.Sub(price).Abs().Div(price).Float64()
		if dev > m.limits.MaxSlippage {
			return 0, fmt.Errorf("%s limit %s deviates %.4f from market %s: %w",
				intent.Symbol, intent.LimitPrice, dev, price, apperrors.ErrRiskLimitExceeded)
		}
	}
	return qty, nil
}

// RecordFill counts an executed trade toward the per-symbol daily cap.
func (m *Manager) RecordFill(trade *core.Trade) {
	if trade == nil || trade.Symbol == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	day := core.Today(m.clock)
	if !trade.Timestamp.IsZero() {
		day = trade.Timestamp.In(core.KST).Format("20060102")
	}
	byDay := m.tradeCounts[trade.Symbol]
	if byDay == nil {
		byDay = make(map[string]int)
		m.tradeCounts[trade.Symbol] = byDay
	}
	byDay[day]++
}

// ResetDaily starts a fresh trading day. The day-start equity is taken
// from the first snapshot after the reset.
func (m *Manager) ResetDaily(day string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyLocked(day, decimal.Zero)
}

func (m *Manager) resetDailyLocked(day string, start decimal.Decimal) {
	m.currentDate = day
	m.dailyStartEquity = start
	m.dailyLossHit = false
	m.sweepCountsLocked(day)
}

func (m *Manager) sweepCountsLocked(day string) {
	t, err := time.ParseInLocation("20060102", day, core.KST)
	if err != nil {
		return
	}
	cutoff := t.AddDate(0, 0, -tradeCountRetentionDays).Format("20060102")
	for sym, byDay := range m.tradeCounts {
		for d := range byDay {
			if d < cutoff {
				delete(byDay, d)
			}
		}
		if len(byDay) == 0 {
			delete(m.tradeCounts, sym)
		}
	}
}

// EmergencyStopped reports whether the drawdown latch has fired.
func (m *Manager) EmergencyStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStop
}

// CurrentMDD returns the live drawdown fraction from the equity peak.
func (m *Manager) CurrentMDD() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentMDD
}

// MarketCloseCancelDue reports, once per trading day, that the regular
// session has ended and resting orders should be bulk-cancelled. The
// caller passes its current session-ended observation.
func (m *Manager) MarketCloseCancelDue(sessionEnded bool) bool {
	if !sessionEnded {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	day := core.Today(m.clock)
	if m.closeCancelledOn == day {
		return false
	}
	m.closeCancelledOn = day
	m.logger.Info("Session end reached, releasing order cancel", "date", day)
	return true
}

// Stats is a point-in-time view of the manager state for reporting.
type Stats struct {
	Date             string          `json:"date"`
	PeakEquity       decimal.Decimal `json:"peak_equity"`
	CurrentMDD       float64         `json:"current_mdd"`
	DailyStartEquity decimal.Decimal `json:"daily_start_equity"`
	EmergencyStop    bool            `json:"emergency_stop"`
	TradesToday      map[string]int  `json:"trades_today"`
}

// Snapshot copies the current state.
func (m *Manager) Snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	today := core.Today(m.clock)
	trades := make(map[string]int)
	for sym, byDay := range m.tradeCounts {
		if n := byDay[today]; n > 0 {
			trades[sym] = n
		}
	}
	return Stats{
		Date:             m.currentDate,
		PeakEquity:       m.peakEquity,
		CurrentMDD:       m.currentMDD,
		DailyStartEquity: m.dailyStartEquity,
		EmergencyStop:    m.emergencyStop,
		TradesToday:      trades,
	}
}

func positionQty(positions []core.Position, symbol string) int64 {
	for i := range positions {
		if positions[i].Symbol == symbol {
			return positions[i].Quantity
		}
	}
	return 0
}
