// Package core defines the core types and interfaces for the trading system
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OHLCRequest selects a bar range. Count and the Start/End range are
// alternatives; when both are set the range wins.
type OHLCRequest struct {
	Symbol   string
	Interval Interval
	Count    int
	Start    time.Time
	End      time.Time
}

// IBroker defines the interface for a securities broker
type IBroker interface {
	// Identity
	Name() string
	CheckHealth(ctx context.Context) error

	// Market data
	GetOHLC(ctx context.Context, req OHLCRequest) ([]OHLC, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error)
	GetFinancials(ctx context.Context, symbol string) (*Financials, error)
	GetTopVolume(ctx context.Context, limit int) ([]VolumeRank, error)
	GetServerTime(ctx context.Context) (time.Time, error)

	// Account
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetOrders(ctx context.Context, date string) ([]Order, error)

	// Orders
	PlaceOrder(ctx context.Context, order *Order) (*Order, error)
	AmendOrder(ctx context.Context, orderID, symbol string, qty int64, price decimal.Decimal) (*Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string, qty int64) error

	// Realtime
	StreamRealtime(ctx context.Context, symbols []string) (<-chan Tick, error)

	Close() error
}

// IBarStore defines the interface for bar persistence
type IBarStore interface {
	Save(ctx context.Context, symbol string, interval Interval, bars []OHLC) error
	Load(ctx context.Context, symbol string, interval Interval, start, end time.Time) ([]OHLC, error)
	LoadAll(ctx context.Context, symbol string, interval Interval) ([]OHLC, error)
	EvictExpired(ctx context.Context) error
}

// IStrategy defines the interface for bar-driven trading strategy logic
type IStrategy interface {
	Name() string
	WarmupBars() int
	OnBar(ctx context.Context, frame *Frame) ([]OrderIntent, error)
	OnFill(ctx context.Context, trade *Trade)
}

// IPortfolioStrategy selects a universe and target weights instead of
// emitting per-bar intents. Rebalanced daily.
type IPortfolioStrategy interface {
	Name() string
	WarmupBars() int
	SelectUniverse(ctx context.Context, frames map[string]*Frame) []string
	TargetWeights(ctx context.Context, frames map[string]*Frame, selected []string) map[string]float64
}

// IRiskManager defines the interface for pre-trade checks and tripwires
type IRiskManager interface {
	ValidateIntent(ctx context.Context, intent *OrderIntent, acct *Account, positions []Position, price decimal.Decimal) (int64, error)
	RecordFill(trade *Trade)
	UpdateEquity(equity decimal.Decimal) bool
	EmergencyStopped() bool
	// MarketCloseCancelDue reports whether open orders should be swept
	// now that the session has ended. Latches per day so the sweep runs once.
	MarketCloseCancelDue(sessionEnded bool) bool
	ResetDaily(day string)
}

// IJournal defines the interface for trade and result persistence
type IJournal interface {
	RecordTrade(ctx context.Context, trade *Trade) error
	TradesOn(ctx context.Context, day string) ([]Trade, error)
	RecordEquity(ctx context.Context, day string, equity decimal.Decimal) error
	LoadEquity(ctx context.Context, day string) (decimal.Decimal, bool, error)
	RecordBacktest(ctx context.Context, result *BacktestResult) error
	SaveUniverse(ctx context.Context, day string, symbols []string) error
	LoadUniverse(ctx context.Context, day string) ([]string, error)
	Close() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
