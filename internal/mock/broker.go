// Package mock provides an in-memory broker for tests and dry runs.
// Fills, prices, session events and failures are all scriptable.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Broker implements core.IBroker against in-memory state.
type Broker struct {
	mu sync.RWMutex

	cash      decimal.Decimal
	positions map[string]*core.Position
	orders    map[string]*core.Order
	// Idempotency: client order IDs map to their first accepted order.
	clientOrderMap map[string]string
	orderSeq       int64

	prices     map[string]decimal.Decimal
	ohlc       map[string]map[core.Interval][]core.OHLC
	financials map[string]*core.Financials
	ranks      []core.VolumeRank
	serverTime time.Time

	autoFill     bool
	failCount    int
	failErr      error
	healthErr    error
	cancelCount  int
	placedOrders []string

	// streamMu guards the tick channel so injection never races close.
	streamMu     sync.Mutex
	stream       chan core.Tick
	streamClosed bool

	onSession func(jangubun, jstatus string)
	onFilled  func(orderID string)
}

func NewBroker() *Broker {
	return &Broker{
		cash:           decimal.NewFromInt(10_000_000),
		positions:      make(map[string]*core.Position),
		orders:         make(map[string]*core.Order),
		clientOrderMap: make(map[string]string),
		orderSeq:       1000,
		prices:         make(map[string]decimal.Decimal),
		ohlc:           make(map[string]map[core.Interval][]core.OHLC),
		financials:     make(map[string]*core.Financials),
	}
}

// --- scripting ---

func (m *Broker) SetCash(cash decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cash = cash
}

func (m *Broker) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *Broker) SetPosition(symbol string, qty int64, avgPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &core.Position{
		Symbol:    symbol,
		Quantity:  qty,
		AvgPrice:  avgPrice,
		UpdatedAt: time.Now(),
	}
}

func (m *Broker) SetOHLC(symbol string, interval core.Interval, bars []core.OHLC) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byInterval, ok := m.ohlc[symbol]
	if !ok {
		byInterval = make(map[core.Interval][]core.OHLC)
		m.ohlc[symbol] = byInterval
	}
	byInterval[interval] = bars
}

func (m *Broker) SetFinancials(f *core.Financials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.financials[f.Symbol] = f
}

func (m *Broker) SetVolumeRanks(ranks []core.VolumeRank) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranks = ranks
}

func (m *Broker) SetServerTime(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serverTime = t
}

// SetAutoFill makes PlaceOrder fill immediately at the order price
// (or the scripted current price for market orders).
func (m *Broker) SetAutoFill(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFill = on
}

// FailPlacements makes the next n PlaceOrder calls return err.
func (m *Broker) FailPlacements(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
	m.failErr = err
}

func (m *Broker) SetHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// Fill marks an open order fully filled and settles cash and position.
func (m *Broker) Fill(orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order not found: %s", orderID)
	}
	if order.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("cannot fill order in status %s", order.Status)
	}
	m.fillLocked(order)
	cb := m.onFilled
	m.mu.Unlock()

	if cb != nil {
		cb(orderID)
	}
	return nil
}

// fillLocked settles an order at its limit price, falling back to the
// scripted current price for market orders.
func (m *Broker) fillLocked(order *core.Order) {
	price := order.Price
	if price.IsZero() {
		price = m.prices[order.Symbol]
	}
	order.Status = core.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.UpdatedAt = time.Now()

	qty := decimal.NewFromInt(order.Quantity)
	if order.Side == core.SideBuy {
		m.cash = m.cash.Sub(price.Mul(qty))
		pos, ok := m.positions[order.Symbol]
		if !ok {
			pos = &core.Position{Symbol: order.Symbol}
			m.positions[order.Symbol] = pos
		}
		pos.Increase(order.Quantity, price)
	} else {
		m.cash = m.cash.Add(price.Mul(qty))
		if pos, ok := m.positions[order.Symbol]; ok {
			pos.Reduce(order.Quantity, price)
			if pos.Quantity <= 0 {
				delete(m.positions, order.Symbol)
			}
		}
	}
}

// InjectTick feeds one tick into the realtime stream and refreshes the
// scripted current price.
func (m *Broker) InjectTick(tick core.Tick) {
	m.mu.Lock()
	m.prices[tick.Symbol] = tick.Price
	m.mu.Unlock()

	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if m.stream != nil && !m.streamClosed {
		m.stream <- tick
	}
}

// InjectSession delivers a market session event to the registered hook.
func (m *Broker) InjectSession(jangubun, jstatus string) {
	m.mu.RLock()
	cb := m.onSession
	m.mu.RUnlock()
	if cb != nil {
		cb(jangubun, jstatus)
	}
}

// CancelCount reports how many cancels were accepted.
func (m *Broker) CancelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelCount
}

// PlacedOrderIDs returns order IDs in placement order.
func (m *Broker) PlacedOrderIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.placedOrders))
	copy(ids, m.placedOrders)
	return ids
}

// Order returns a copy of a tracked order.
func (m *Broker) Order(orderID string) (core.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return core.Order{}, false
	}
	return *o, true
}

// --- hooks wired by the execution engine ---

func (m *Broker) OnSessionUpdate(fn func(jangubun, jstatus string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSession = fn
}

func (m *Broker) OnOrderFilled(fn func(orderID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFilled = fn
}

// --- core.IBroker ---

func (m *Broker) Name() string { return "mock" }

func (m *Broker) CheckHealth(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthErr
}

func (m *Broker) GetOHLC(ctx context.Context, req core.OHLCRequest) ([]core.OHLC, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars := m.ohlc[req.Symbol][req.Interval]
	if !req.Start.IsZero() || !req.End.IsZero() {
		var out []core.OHLC
		for _, b := range bars {
			if !req.Start.IsZero() && b.Timestamp.Before(req.Start) {
				continue
			}
			if !req.End.IsZero() && b.Timestamp.After(req.End) {
				continue
			}
			out = append(out, b)
		}
		return out, nil
	}
	if req.Count > 0 && len(bars) > req.Count {
		bars = bars[len(bars)-req.Count:]
	}
	out := make([]core.OHLC, len(bars))
	copy(out, bars)
	return out, nil
}

func (m *Broker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (m *Broker) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	price, err := m.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &core.Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

func (m *Broker) GetOrderBook(ctx context.Context, symbol string) (*core.OrderBook, error) {
	price, err := m.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	tick := decimal.NewFromInt(100)
	book := &core.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for i := 1; i <= 10; i++ {
		step := tick.Mul(decimal.NewFromInt(int64(i)))
		book.Asks = append(book.Asks, core.OrderBookLevel{Price: price.Add(step), Quantity: 100})
		book.Bids = append(book.Bids, core.OrderBookLevel{Price: price.Sub(step), Quantity: 100})
		book.TotalAskQty += 100
		book.TotalBidQty += 100
	}
	return book, nil
}

func (m *Broker) GetFinancials(ctx context.Context, symbol string) (*core.Financials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.financials[symbol]
	if !ok {
		return nil, fmt.Errorf("no financials for %s", symbol)
	}
	cp := *f
	return &cp, nil
}

func (m *Broker) GetTopVolume(ctx context.Context, limit int) ([]core.VolumeRank, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ranks := m.ranks
	if limit > 0 && len(ranks) > limit {
		ranks = ranks[:limit]
	}
	out := make([]core.VolumeRank, len(ranks))
	copy(out, ranks)
	return out, nil
}

func (m *Broker) GetServerTime(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.serverTime.IsZero() {
		return m.serverTime, nil
	}
	return time.Now(), nil
}

func (m *Broker) GetAccount(ctx context.Context) (*core.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	invested := decimal.Zero
	for _, pos := range m.positions {
		price, ok := m.prices[pos.Symbol]
		if !ok {
			price = pos.AvgPrice
		}
		invested = invested.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return &core.Account{
		Cash:          m.cash,
		InvestedValue: invested,
		TotalEquity:   m.cash.Add(invested),
		UpdatedAt:     time.Now(),
	}, nil
}

func (m *Broker) GetPositions(ctx context.Context) ([]core.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (m *Broker) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *Broker) GetOrders(ctx context.Context, date string) ([]core.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (m *Broker) PlaceOrder(ctx context.Context, order *core.Order) (*core.Order, error) {
	m.mu.Lock()

	if m.failCount > 0 {
		m.failCount--
		err := m.failErr
		m.mu.Unlock()
		return nil, err
	}

	// Idempotency: a repeated client order ID returns the first accept.
	if order.ClientOrderID != "" {
		if existingID, exists := m.clientOrderMap[order.ClientOrderID]; exists {
			if existing, ok := m.orders[existingID]; ok {
				cp := *existing
				m.mu.Unlock()
				return &cp, nil
			}
		}
	}

	m.orderSeq++
	accepted := *order
	accepted.ID = fmt.Sprintf("M%d", m.orderSeq)
	accepted.Status = core.OrderStatusSubmitted
	accepted.CreatedAt = time.Now()
	accepted.UpdatedAt = accepted.CreatedAt

	m.orders[accepted.ID] = &accepted
	m.placedOrders = append(m.placedOrders, accepted.ID)
	if accepted.ClientOrderID != "" {
		m.clientOrderMap[accepted.ClientOrderID] = accepted.ID
	}

	var cb func(string)
	if m.autoFill {
		m.fillLocked(&accepted)
		cb = m.onFilled
	}
	cp := accepted
	m.mu.Unlock()

	if cb != nil {
		cb(cp.ID)
	}
	return &cp, nil
}

func (m *Broker) AmendOrder(ctx context.Context, orderID, symbol string, qty int64, price decimal.Decimal) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot amend order in status %s", order.Status)
	}
	if qty > 0 {
		order.Quantity = qty
	}
	if !price.IsZero() {
		order.Price = price
	}
	order.UpdatedAt = time.Now()
	cp := *order
	return &cp, nil
}

func (m *Broker) CancelOrder(ctx context.Context, orderID, symbol string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("cannot cancel order in status %s", order.Status)
	}
	order.Status = core.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	m.cancelCount++
	return nil
}

func (m *Broker) StreamRealtime(ctx context.Context, symbols []string) (<-chan core.Tick, error) {
	m.streamMu.Lock()
	if m.stream == nil {
		m.stream = make(chan core.Tick, 256)
	}
	ch := m.stream
	m.streamMu.Unlock()

	go func() {
		<-ctx.Done()
		m.closeStream()
	}()
	return ch, nil
}

func (m *Broker) closeStream() {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if m.stream != nil && !m.streamClosed {
		m.streamClosed = true
		close(m.stream)
	}
}

func (m *Broker) Close() error {
	m.closeStream()
	return nil
}
