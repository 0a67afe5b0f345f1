package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/alert"
	"github.com/greatjins/si-trading-system-sub000/internal/core"
	apperrors "github.com/greatjins/si-trading-system-sub000/pkg/errors"
	"github.com/greatjins/si-trading-system-sub000/pkg/retry"
	"github.com/greatjins/si-trading-system-sub000/pkg/telemetry"
	"github.com/greatjins/si-trading-system-sub000/pkg/tradingutils"
)

// executeSignal takes one strategy intent through routing, risk sizing
// and submission. Failures are logged and dropped; the next bar gets a
// fresh chance.
func (e *Engine) executeSignal(ctx context.Context, intent *core.OrderIntent) {
	mkt, ok := e.router.DetermineMarket()
	if !ok {
		e.logger.Warn("No venue open, dropping signal",
			"symbol", intent.Symbol, "action", intent.Action, "strategy", intent.Strategy)
		return
	}

	e.mu.Lock()
	acct := e.account
	positions := append([]core.Position(nil), e.positions...)
	var last decimal.Decimal
	if data := e.symbols[intent.Symbol]; data != nil {
		last = data.lastPrice
	}
	e.mu.Unlock()

	if acct == nil {
		e.logger.Warn("No account snapshot yet, dropping signal", "symbol", intent.Symbol)
		return
	}

	// One entry per symbol. A buy while holding is dropped.
	if intent.Action == core.ActionBuy && hasPosition(positions, intent.Symbol) {
		e.logger.Info("Already holding, dropping buy",
			"symbol", intent.Symbol, "strategy", intent.Strategy)
		return
	}

	price := intent.LimitPrice
	if price.IsZero() {
		price = last
	}
	if price.IsZero() {
		p, err := e.broker.GetCurrentPrice(ctx, intent.Symbol)
		if err != nil {
			e.logger.Error("No reference price for signal", "symbol", intent.Symbol, "error", err)
			return
		}
		price = p
	}

	qty, err := e.risk.ValidateIntent(ctx, intent, acct, positions, price)
	if err != nil {
		if h := telemetry.GetGlobalMetrics(); h != nil && h.OrdersRejectedTotal != nil {
			h.OrdersRejectedTotal.Add(ctx, 1)
		}
		e.logger.Warn("Intent rejected by risk",
			"symbol", intent.Symbol, "action", intent.Action,
			"reason", intent.Reason, "error", err)
		return
	}

	order := &core.Order{
		ClientOrderID: uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side(),
		Type:          core.OrderTypeLimit,
		Quantity:      qty,
		Price:         tradingutils.RoundToTick(intent.LimitPrice, intent.Side()),
		Market:        mkt,
		Strategy:      intent.Strategy,
		Metadata:      map[string]string{"mbr_no": string(mkt)},
	}
	if intent.LimitPrice.IsZero() {
		order.Type = core.OrderTypeMarket
	}

	placed, err := e.submitOrder(ctx, order)
	if err != nil {
		e.logger.Error("Order submission failed",
			"symbol", order.Symbol, "side", order.Side, "qty", order.Quantity, "error", err)
		e.alerts.Alert(ctx, "Order Failed",
			fmt.Sprintf("%s %s x%d: %v", order.Side, order.Symbol, order.Quantity, err),
			alert.Error, map[string]string{"strategy": order.Strategy})
		return
	}

	e.logger.Info("Order placed", "order_id", placed.ID, "symbol", placed.Symbol,
		"side", placed.Side, "type", placed.Type, "qty", placed.Quantity,
		"price", placed.Price, "market", mkt)
	if h := telemetry.GetGlobalMetrics(); h != nil && h.OrdersPlacedTotal != nil {
		h.OrdersPlacedTotal.Add(ctx, 1)
	}

	waitCh := e.registerWait(placed.ID)
	go e.awaitFill(ctx, placed, waitCh)
}

// submitOrder places the order with signal-level backoff on transient
// failures.
func (e *Engine) submitOrder(ctx context.Context, order *core.Order) (*core.Order, error) {
	var placed *core.Order
	start := time.Now()
	err := retry.Do(ctx, retry.SignalPolicy, apperrors.Transient, func() error {
		var perr error
		placed, perr = e.broker.PlaceOrder(ctx, order)
		return perr
	})
	if h := telemetry.GetGlobalMetrics(); h != nil && h.LatencyBroker != nil {
		h.LatencyBroker.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// NotifyOrderFilled wakes the waiter for orderID, if any. Safe to call
// from broker stream callbacks.
func (e *Engine) NotifyOrderFilled(orderID string) {
	e.mu.Lock()
	ch := e.waits[orderID]
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) registerWait(orderID string) chan struct{} {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.waits[orderID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) unregisterWait(orderID string) {
	e.mu.Lock()
	delete(e.waits, orderID)
	e.mu.Unlock()
}

// awaitFill tracks one live order until it fills, dies, or times out.
// Fill events wake it immediately; polling covers missed events.
func (e *Engine) awaitFill(ctx context.Context, order *core.Order, waitCh chan struct{}) {
	defer e.unregisterWait(order.ID)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.fillTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-waitCh:
			if e.resolveOrder(ctx, order) {
				return
			}
		case <-ticker.C:
			if e.resolveOrder(ctx, order) {
				return
			}
		case <-deadline.C:
			e.expireOrder(ctx, order)
			return
		}
	}
}

// resolveOrder checks the venue view of the order. Returns true when
// the order reached a terminal state and was handled.
func (e *Engine) resolveOrder(ctx context.Context, order *core.Order) bool {
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		e.logger.Warn("Open order fetch failed", "order_id", order.ID, "error", err)
		return false
	}
	for i := range open {
		if open[i].ID == order.ID {
			*order = open[i]
			return false
		}
	}

	// Not resting anymore: find the terminal record.
	all, err := e.broker.GetOrders(ctx, "")
	if err != nil {
		e.logger.Warn("Order history fetch failed", "order_id", order.ID, "error", err)
		return false
	}
	for i := range all {
		if all[i].ID != order.ID {
			continue
		}
		final := all[i]
		switch final.Status {
		case core.OrderStatusFilled:
			e.finalizeFill(ctx, &final)
		case core.OrderStatusCancelled, core.OrderStatusRejected:
			if final.FilledQty > 0 {
				e.finalizeFill(ctx, &final)
			} else {
				e.logger.Info("Order closed without fill",
					"order_id", final.ID, "status", final.Status)
			}
			if final.Status == core.OrderStatusRejected {
				if h := telemetry.GetGlobalMetrics(); h != nil && h.OrdersRejectedTotal != nil {
					h.OrdersRejectedTotal.Add(ctx, 1)
				}
			}
		default:
			// Venue views can lag; keep waiting.
			return false
		}
		return true
	}
	return false
}

// expireOrder handles the fill deadline: one last resolve, then cancel
// the remainder. A partial fill that got this far is still recorded.
func (e *Engine) expireOrder(ctx context.Context, order *core.Order) {
	if e.resolveOrder(ctx, order) {
		return
	}

	e.logger.Warn("Fill timeout, cancelling order",
		"order_id", order.ID, "symbol", order.Symbol, "timeout", e.fillTimeout)
	remaining := order.Quantity - order.FilledQty
	if err := e.broker.CancelOrder(ctx, order.ID, order.Symbol, remaining); err != nil {
		e.logger.Error("Cancel after timeout failed", "order_id", order.ID, "error", err)
		// The cancel may have lost a race against the fill.
		if e.resolveOrder(ctx, order) {
			return
		}
	}
	if order.FilledQty > 0 {
		e.finalizeFill(ctx, order)
	}
	e.alerts.Alert(ctx, "Order Timeout",
		fmt.Sprintf("%s %s x%d not filled within %s, cancelled",
			order.Side, order.Symbol, order.Quantity, e.fillTimeout),
		alert.Warning, map[string]string{"order_id": order.ID})
}

// finalizeFill turns a terminal order into a trade: journal, risk
// counters, strategy callbacks and a fresh account snapshot.
func (e *Engine) finalizeFill(ctx context.Context, order *core.Order) {
	qty := order.FilledQty
	if qty <= 0 {
		qty = order.Quantity
	}
	price := order.AvgFillPrice
	if price.IsZero() {
		price = order.Price
	}
	commission := price.Mul(decimal.NewFromInt(qty)).Mul(decimal.NewFromFloat(e.cfg.Commission))

	pnl := decimal.Zero
	if order.Side == core.SideSell {
		if avg, ok := e.positionAvg(order.Symbol); ok {
			pnl = price.Sub(avg).Mul(decimal.NewFromInt(qty)).Sub(commission)
		}
	}

	trade := &core.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		PnL:        pnl,
		Strategy:   order.Strategy,
		Timestamp:  e.clock.Now(),
	}

	e.logger.Info("Order filled", "order_id", order.ID, "symbol", order.Symbol,
		"side", order.Side, "qty", qty, "price", price, "pnl", pnl)
	if h := telemetry.GetGlobalMetrics(); h != nil {
		if h.OrdersFilledTotal != nil {
			h.OrdersFilledTotal.Add(ctx, 1)
		}
		if order.Side == core.SideSell && h.PnLRealizedTotal != nil {
			v, _ := pnl.Float64()
			h.PnLRealizedTotal.Add(ctx, v)
		}
	}

	if e.journal != nil {
		if err := e.journal.RecordTrade(ctx, trade); err != nil {
			e.logger.Error("Trade journaling failed", "trade_id", trade.ID, "error", err)
		}
	}
	e.risk.RecordFill(trade)

	e.stratMu.Lock()
	for _, strat := range e.strats {
		if trade.Strategy == "" || strat.Name() == trade.Strategy {
			strat.OnFill(ctx, trade)
		}
	}
	e.stratMu.Unlock()

	e.refreshAccount(ctx, true)

	e.alerts.Alert(ctx, "Order Filled",
		fmt.Sprintf("%s %s x%d @ %s", order.Side, order.Symbol, qty, price),
		alert.Info, map[string]string{"strategy": order.Strategy})
}

// cancelAllOpen sweeps every resting order, best effort.
func (e *Engine) cancelAllOpen(ctx context.Context) {
	open, err := e.broker.GetOpenOrders(ctx)
	if err != nil {
		e.logger.Error("Open order fetch failed", "error", err)
		return
	}
	for i := range open {
		o := &open[i]
		if err := e.broker.CancelOrder(ctx, o.ID, o.Symbol, o.Quantity-o.FilledQty); err != nil {
			e.logger.Error("Cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		e.logger.Info("Order cancelled", "order_id", o.ID, "symbol", o.Symbol)
	}
}

// emergencyLiquidate flattens the book once per process after the
// drawdown tripwire fires: cancel everything resting, then market-sell
// every long position.
func (e *Engine) emergencyLiquidate(ctx context.Context) {
	e.liquidateOnce.Do(func() {
		if h := telemetry.GetGlobalMetrics(); h != nil {
			h.SetEmergencyStop(true)
		}
		e.logger.Error("Emergency stop active, liquidating positions")
		e.alerts.Alert(ctx, "Emergency Stop",
			"Drawdown limit breached. Cancelling orders and liquidating all positions.",
			alert.Critical, nil)

		e.cancelAllOpen(ctx)

		positions, err := e.broker.GetPositions(ctx)
		if err != nil {
			e.logger.Error("Position fetch for liquidation failed", "error", err)
			return
		}
		mkt, ok := e.router.DetermineMarket()
		if !ok {
			mkt = core.MarketKRX
		}
		for _, pos := range positions {
			if pos.Quantity <= 0 {
				continue
			}
			order := &core.Order{
				ClientOrderID: uuid.NewString(),
				Symbol:        pos.Symbol,
				Side:          core.SideSell,
				Type:          core.OrderTypeMarket,
				Quantity:      pos.Quantity,
				Market:        mkt,
				Metadata:      map[string]string{"mbr_no": string(mkt)},
			}
			placed, err := e.submitOrder(ctx, order)
			if err != nil {
				e.logger.Error("Liquidation order failed", "symbol", pos.Symbol, "error", err)
				continue
			}
			e.logger.Warn("Liquidation order placed",
				"order_id", placed.ID, "symbol", pos.Symbol, "qty", pos.Quantity)
			waitCh := e.registerWait(placed.ID)
			go e.awaitFill(ctx, placed, waitCh)
		}
	})
}

func (e *Engine) positionAvg(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pos := range e.positions {
		if pos.Symbol == symbol {
			return pos.AvgPrice, true
		}
	}
	return decimal.Zero, false
}

func hasPosition(positions []core.Position, symbol string) bool {
	for _, pos := range positions {
		if pos.Symbol == symbol && pos.Quantity > 0 {
			return true
		}
	}
	return false
}
