package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the venue an order is routed to.
type Market string

const (
	MarketKRX Market = "KRX"
	MarketNXT Market = "NXT"
)

// OrdMktCode returns the venue code used by the broker order API.
func (m Market) OrdMktCode() string {
	if m == MarketNXT {
		return "NX"
	}
	return "00"
}

// Interval identifies a bar timeframe.
type Interval string

const (
	IntervalDay   Interval = "1d"
	Interval1Min  Interval = "1m"
	Interval3Min  Interval = "3m"
	Interval5Min  Interval = "5m"
	Interval10Min Interval = "10m"
	Interval15Min Interval = "15m"
	Interval30Min Interval = "30m"
	Interval60Min Interval = "60m"
)

// IsIntraday reports whether the interval is a minute timeframe.
func (i Interval) IsIntraday() bool {
	return i != IntervalDay
}

// Minutes returns the timeframe length in minutes, 0 for daily.
func (i Interval) Minutes() int {
	switch i {
	case Interval1Min:
		return 1
	case Interval3Min:
		return 3
	case Interval5Min:
		return 5
	case Interval10Min:
		return 10
	case Interval15Min:
		return 15
	case Interval30Min:
		return 30
	case Interval60Min:
		return 60
	default:
		return 0
	}
}

// Duration returns the bar length. Daily bars map to 24h.
func (i Interval) Duration() time.Duration {
	if m := i.Minutes(); m > 0 {
		return time.Duration(m) * time.Minute
	}
	return 24 * time.Hour
}

// ParseInterval validates an interval string from config or CLI flags.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalDay, Interval1Min, Interval3Min, Interval5Min,
		Interval10Min, Interval15Min, Interval30Min, Interval60Min:
		return Interval(s), nil
	}
	return "", fmt.Errorf("invalid interval: %q", s)
}

// ValidSymbol reports whether s is a six-digit KRX short code.
func ValidSymbol(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the venue execution style.
type OrderType string

const (
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeMidpoint OrderType = "MIDPOINT" // NXT only
)

// OrderStatus is the lifecycle state of an order. Transitions are one-way.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusSubmitted:
		return 1
	case OrderStatusPartial:
		return 2
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// OHLC is a single bar. Prices are float64 because bars feed indicator
// math; money stays decimal on the order path.
type OHLC struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Value     float64   `json:"value,omitempty"`
}

// TradedValue returns the traded value of the bar, falling back to
// close*volume when the venue did not supply one.
func (b OHLC) TradedValue() float64 {
	if b.Value > 0 {
		return b.Value
	}
	return b.Close * float64(b.Volume)
}

// Tick is a single realtime trade print.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Volume    int64
	Timestamp time.Time
}

// Order is a broker order. Status moves strictly forward.
type Order struct {
	ID            string            `json:"id"`
	ClientOrderID string            `json:"client_order_id,omitempty"`
	Symbol        string            `json:"symbol"`
	Side          OrderSide         `json:"side"`
	Type          OrderType         `json:"type"`
	Quantity      int64             `json:"quantity"`
	Price         decimal.Decimal   `json:"price"`
	Status        OrderStatus       `json:"status"`
	FilledQty     int64             `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal   `json:"avg_fill_price"`
	Market        Market            `json:"market,omitempty"`
	Strategy      string            `json:"strategy,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// UpdateStatus applies a forward-only status transition. Repeated PARTIAL
// updates are allowed because fills accumulate.
func (o *Order) UpdateStatus(next OrderStatus) error {
	cur, nxt := o.Status.rank(), next.rank()
	if nxt < 0 {
		return fmt.Errorf("unknown order status: %q", next)
	}
	if nxt < cur || (nxt == cur && next != OrderStatusPartial) {
		return fmt.Errorf("illegal order status transition %s -> %s", o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	return nil
}

// IsOpen reports whether the order can still fill.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// RemainingQty is the unfilled remainder.
func (o *Order) RemainingQty() int64 {
	return o.Quantity - o.FilledQty
}

// MbrNo returns the venue member code from order metadata, empty when the
// router has not tagged the order.
func (o *Order) MbrNo() string {
	if o.Metadata == nil {
		return ""
	}
	return o.Metadata["mbr_no"]
}

// Position is a held quantity with its weighted average entry price.
type Position struct {
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name,omitempty"`
	Quantity    int64           `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Increase adds quantity at price, recomputing the weighted average.
func (p *Position) Increase(qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	oldQty := decimal.NewFromInt(p.Quantity)
	addQty := decimal.NewFromInt(qty)
	totalQty := oldQty.Add(addQty)
	totalCost := p.AvgPrice.Mul(oldQty).Add(price.Mul(addQty))
	p.AvgPrice = totalCost.Div(totalQty)
	p.Quantity += qty
	p.UpdatedAt = time.Now()
}

// Reduce removes quantity at price and returns the realized PnL for the
// reduced portion. The average price is left untouched.
func (p *Position) Reduce(qty int64, price decimal.Decimal) decimal.Decimal {
	if qty <= 0 {
		return decimal.Zero
	}
	if qty > p.Quantity {
		qty = p.Quantity
	}
	pnl := price.Sub(p.AvgPrice).Mul(decimal.NewFromInt(qty))
	p.Quantity -= qty
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.UpdatedAt = time.Now()
	return pnl
}

// MarketValue values the position at the given price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnL computes open PnL at the given price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Quantity))
}

// Account is a cash and equity snapshot.
type Account struct {
	Cash          decimal.Decimal `json:"cash"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	InvestedValue decimal.Decimal `json:"invested_value"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Trade is an executed fill.
type Trade struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	PnL        decimal.Decimal `json:"pnl"`
	Strategy   string          `json:"strategy,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SignalAction is what a strategy wants done.
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
)

// OrderIntent is the strategy output handed to risk sizing and execution.
// Quantity 0 means the risk manager decides the size. A zero LimitPrice
// means a market order.
type OrderIntent struct {
	Symbol     string
	Action     SignalAction
	Quantity   int64
	LimitPrice decimal.Decimal
	Reason     string
	Strategy   string
}

// Side maps the intent action to an order side.
func (i *OrderIntent) Side() OrderSide {
	if i.Action == ActionSell {
		return SideSell
	}
	return SideBuy
}

// Quote is a snapshot of the current market for a symbol.
type Quote struct {
	Symbol     string
	Name       string
	Price      decimal.Decimal
	PrevClose  decimal.Decimal
	Change     decimal.Decimal
	ChangeRate float64
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	UpperLimit decimal.Decimal
	LowerLimit decimal.Decimal
	Volume     int64
	Value      int64
	Timestamp  time.Time
}

// OrderBookLevel is one price level of depth.
type OrderBookLevel struct {
	Price    decimal.Decimal
	Quantity int64
}

// OrderBook is a ten-level depth snapshot.
type OrderBook struct {
	Symbol      string
	Bids        []OrderBookLevel
	Asks        []OrderBookLevel
	TotalBidQty int64
	TotalAskQty int64
	Timestamp   time.Time
}

// VolumeRank is one row of a volume leaders query.
type VolumeRank struct {
	Rank       int
	Symbol     string
	Name       string
	Price      decimal.Decimal
	ChangeRate float64
	Volume     int64
	Value      int64
}

// Financials holds the per-symbol fundamental ratios used by the
// universe scanner.
type Financials struct {
	Symbol    string
	Name      string
	MarketCap int64
	PER       float64
	PBR       float64
	EPS       float64
	BPS       float64
	ROE       float64
}

// EquityPoint is one sample of an equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// BacktestResult is the outcome of a single backtest run.
type BacktestResult struct {
	RunID            string                 `json:"run_id"`
	Strategy         string                 `json:"strategy"`
	Symbols          []string               `json:"symbols"`
	Interval         Interval               `json:"interval"`
	Start            time.Time              `json:"start"`
	End              time.Time              `json:"end"`
	InitialCapital   float64                `json:"initial_capital"`
	FinalEquity      float64                `json:"final_equity"`
	TotalReturn      float64                `json:"total_return"`
	AnnualizedReturn float64                `json:"annualized_return"`
	MaxDrawdown      float64                `json:"max_drawdown"`
	Sharpe           float64                `json:"sharpe"`
	WinRate          float64                `json:"win_rate"`
	ProfitFactor     float64                `json:"profit_factor"`
	TotalTrades      int                    `json:"total_trades"`
	WinningTrades    int                    `json:"winning_trades"`
	LosingTrades     int                    `json:"losing_trades"`
	Params           map[string]interface{} `json:"params,omitempty"`
	EquityCurve      []EquityPoint          `json:"equity_curve,omitempty"`
	Trades           []Trade                `json:"trades,omitempty"`
}
