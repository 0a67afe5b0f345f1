// Package safety runs pre-flight checks before live trading starts.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Clock skew beyond this against the venue makes session windows
// unreliable.
const maxClockSkew = 5 * time.Second

// Checker validates the broker connection and account state before the
// engine is allowed to trade.
type Checker struct {
	logger core.ILogger
}

func NewChecker(logger core.ILogger) *Checker {
	return &Checker{
		logger: logger.WithField("component", "safety"),
	}
}

// CheckBroker verifies the broker end to end: health endpoint, venue
// clock, a live quote for probeSymbol and the open-order view.
func (c *Checker) CheckBroker(ctx context.Context, broker core.IBroker, probeSymbol string) error {
	c.logger.Info("Checking broker connectivity", "broker", broker.Name())

	if err := broker.CheckHealth(ctx); err != nil {
		return fmt.Errorf("broker health check failed: %w", err)
	}

	// Venue clock drift shifts every session window.
	if serverNow, err := broker.GetServerTime(ctx); err != nil {
		c.logger.Warn("Server time unavailable, session windows use local clock", "error", err)
	} else if skew := time.Since(serverNow); skew > maxClockSkew || skew < -maxClockSkew {
		c.logger.Warn("Local clock skewed against venue",
			"skew", skew, "server_time", serverNow)
	}

	if probeSymbol != "" {
		price, err := broker.GetCurrentPrice(ctx, probeSymbol)
		if err != nil {
			return fmt.Errorf("price probe for %s failed: %w", probeSymbol, err)
		}
		if !price.IsPositive() {
			return fmt.Errorf("price probe for %s returned %s", probeSymbol, price)
		}
		c.logger.Info("Price probe passed", "symbol", probeSymbol, "price", price)
	}

	if open, err := broker.GetOpenOrders(ctx); err != nil {
		c.logger.Warn("Open order view unavailable", "error", err)
	} else if len(open) > 0 {
		c.logger.Warn("Resting orders found at startup", "count", len(open))
	}

	c.logger.Info("Broker connectivity check passed", "broker", broker.Name())
	return nil
}

// CheckAccount validates that the account can support trading: positive
// equity, cash above minCash, and position records that add up.
func (c *Checker) CheckAccount(ctx context.Context, broker core.IBroker, minCash decimal.Decimal) error {
	acct, err := broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account access failed: %w", err)
	}
	c.logger.Info("Account retrieved",
		"cash", acct.Cash, "equity", acct.TotalEquity, "invested", acct.InvestedValue)

	if !acct.TotalEquity.IsPositive() {
		return fmt.Errorf("account equity is %s", acct.TotalEquity)
	}
	if acct.Cash.LessThan(minCash) {
		return fmt.Errorf("cash %s below required minimum %s", acct.Cash, minCash)
	}

	positions, err := broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("position access failed: %w", err)
	}
	for _, pos := range positions {
		if pos.Quantity < 0 {
			return fmt.Errorf("short position %s (%d) on a cash account", pos.Symbol, pos.Quantity)
		}
		if pos.Quantity > 0 && !pos.AvgPrice.IsPositive() {
			c.logger.Warn("Position without cost basis", "symbol", pos.Symbol, "quantity", pos.Quantity)
		}
	}
	if len(positions) > 0 {
		c.logger.Info("Existing positions carried into the session", "count", len(positions))
	}

	c.logger.Info("Account check passed")
	return nil
}

// ValidateTradingParameters sanity-checks config-derived trading
// parameters before anything touches the venue.
func (c *Checker) ValidateTradingParameters(symbols []string, interval string, commission, slippage float64) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no trading symbols configured")
	}
	for _, sym := range symbols {
		if !core.ValidSymbol(sym) {
			return fmt.Errorf("invalid symbol code %q", sym)
		}
	}
	if _, err := core.ParseInterval(interval); err != nil {
		return fmt.Errorf("trading interval: %w", err)
	}
	if commission < 0 || commission > 0.01 {
		return fmt.Errorf("commission %v outside [0, 0.01]", commission)
	}
	if slippage < 0 || slippage > 0.01 {
		return fmt.Errorf("slippage %v outside [0, 0.01]", slippage)
	}
	return nil
}
