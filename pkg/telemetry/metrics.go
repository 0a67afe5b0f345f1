package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal    = "trader_pnl_realized_total"
	MetricPnLUnrealized       = "trader_pnl_unrealized"
	MetricEquity              = "trader_equity"
	MetricDrawdown            = "trader_drawdown"
	MetricOrdersPlacedTotal   = "trader_orders_placed_total"
	MetricOrdersFilledTotal   = "trader_orders_filled_total"
	MetricOrdersRejectedTotal = "trader_orders_rejected_total"
	MetricTicksTotal          = "trader_ticks_total"
	MetricBarsBuiltTotal      = "trader_bars_built_total"
	MetricPositionSize        = "trader_position_size"
	MetricLatencyBroker       = "trader_latency_broker_ms"
	MetricLatencySignal       = "trader_latency_signal_to_order_ms"
	MetricEmergencyStop       = "trader_emergency_stop"
	MetricMarketHalted        = "trader_market_halted"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal    metric.Float64Counter
	PnLUnrealized       metric.Float64ObservableGauge
	Equity              metric.Float64ObservableGauge
	Drawdown            metric.Float64ObservableGauge
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersRejectedTotal metric.Int64Counter
	TicksTotal          metric.Int64Counter
	BarsBuiltTotal      metric.Int64Counter
	PositionSize        metric.Float64ObservableGauge
	LatencyBroker       metric.Float64Histogram
	LatencySignal       metric.Float64Histogram
	EmergencyStop       metric.Int64ObservableGauge
	MarketHalted        metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	positionSizeMap  map[string]float64
	marketHaltedMap  map[string]int64
	equity           float64
	drawdown         float64
	emergencyStop    int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			positionSizeMap:  make(map[string]float64),
			marketHaltedMap:  make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss in KRW"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Total orders rejected by venue or risk checks"))
	if err != nil {
		return err
	}

	m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal, metric.WithDescription("Total realtime ticks received"))
	if err != nil {
		return err
	}

	m.BarsBuiltTotal, err = meter.Int64Counter(MetricBarsBuiltTotal, metric.WithDescription("Total bars completed by the bar builder"))
	if err != nil {
		return err
	}

	m.LatencyBroker, err = meter.Float64Histogram(MetricLatencyBroker, metric.WithDescription("Latency of broker API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencySignal, err = meter.Float64Histogram(MetricLatencySignal, metric.WithDescription("Time from strategy signal to order submission"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Equity, err = meter.Float64ObservableGauge(MetricEquity, metric.WithDescription("Current account equity in KRW"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equity)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Drawdown, err = meter.Float64ObservableGauge(MetricDrawdown, metric.WithDescription("Current drawdown from the daily equity peak"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.drawdown)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EmergencyStop, err = meter.Int64ObservableGauge(MetricEmergencyStop, metric.WithDescription("Emergency stop state (1=stopped, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.emergencyStop)
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarketHalted, err = meter.Int64ObservableGauge(MetricMarketHalted, metric.WithDescription("Market halt state per market (1=halted, 0=trading)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for mkt, val := range m.marketHaltedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("market", mkt)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

func (m *MetricsHolder) SetEquity(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = value
}

func (m *MetricsHolder) SetDrawdown(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawdown = value
}

func (m *MetricsHolder) SetEmergencyStop(stopped bool) {
	val := int64(0)
	if stopped {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStop = val
}

func (m *MetricsHolder) SetMarketHalted(market string, halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketHaltedMap[market] = val
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}
