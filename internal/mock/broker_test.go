package mock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func TestPlaceOrderIdempotency(t *testing.T) {
	m := NewBroker()
	ctx := context.Background()

	order := &core.Order{
		ClientOrderID: "client-1",
		Symbol:        "005930",
		Side:          core.SideBuy,
		Type:          core.OrderTypeLimit,
		Quantity:      10,
		Price:         decimal.NewFromInt(70000),
	}

	first, err := m.PlaceOrder(ctx, order)
	require.NoError(t, err)

	// Resubmitting the same client order ID must not create a second order.
	dup, err := m.PlaceOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)
	assert.Len(t, m.PlacedOrderIDs(), 1)
}

func TestFillSettlesCashAndPosition(t *testing.T) {
	m := NewBroker()
	ctx := context.Background()
	m.SetCash(decimal.NewFromInt(1_000_000))

	buy := &core.Order{Symbol: "005930", Side: core.SideBuy, Type: core.OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(70000)}
	placed, err := m.PlaceOrder(ctx, buy)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusSubmitted, placed.Status)

	require.NoError(t, m.Fill(placed.ID))

	acct, err := m.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(300_000)), "cash %s", acct.Cash)

	positions, err := m.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Quantity)

	// Selling everything removes the position and restores cash.
	sell := &core.Order{Symbol: "005930", Side: core.SideSell, Type: core.OrderTypeLimit,
		Quantity: 10, Price: decimal.NewFromInt(71000)}
	placed, err = m.PlaceOrder(ctx, sell)
	require.NoError(t, err)
	require.NoError(t, m.Fill(placed.ID))

	positions, err = m.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err = m.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(1_010_000)), "cash %s", acct.Cash)
}

func TestAutoFillInvokesFillHook(t *testing.T) {
	m := NewBroker()
	m.SetAutoFill(true)
	m.SetPrice("005930", decimal.NewFromInt(70000))

	var filled []string
	m.OnOrderFilled(func(orderID string) { filled = append(filled, orderID) })

	placed, err := m.PlaceOrder(context.Background(), &core.Order{
		Symbol: "005930", Side: core.SideBuy, Type: core.OrderTypeMarket, Quantity: 5})
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, placed.Status)
	assert.True(t, placed.AvgFillPrice.Equal(decimal.NewFromInt(70000)))
	assert.Equal(t, []string{placed.ID}, filled)
}

func TestCancelOnlyOpenOrders(t *testing.T) {
	m := NewBroker()
	ctx := context.Background()

	placed, err := m.PlaceOrder(ctx, &core.Order{Symbol: "005930", Side: core.SideBuy,
		Type: core.OrderTypeLimit, Quantity: 1, Price: decimal.NewFromInt(70000)})
	require.NoError(t, err)

	require.NoError(t, m.CancelOrder(ctx, placed.ID, placed.Symbol, placed.Quantity))
	assert.Equal(t, 1, m.CancelCount())

	assert.Error(t, m.CancelOrder(ctx, placed.ID, placed.Symbol, placed.Quantity))
	assert.Error(t, m.CancelOrder(ctx, "nope", "005930", 1))

	open, err := m.GetOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStreamDeliversInjectedTicks(t *testing.T) {
	m := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.StreamRealtime(ctx, []string{"005930"})
	require.NoError(t, err)

	m.InjectTick(core.Tick{Symbol: "005930", Price: decimal.NewFromInt(70100), Volume: 50})
	tick := <-ch
	assert.Equal(t, "005930", tick.Symbol)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(70100)))

	price, err := m.GetCurrentPrice(ctx, "005930")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(70100)))

	cancel()
	_, more := <-ch
	assert.False(t, more, "stream should close when context is cancelled")
}

func TestFailPlacementsScriptsTransientErrors(t *testing.T) {
	m := NewBroker()
	ctx := context.Background()
	m.FailPlacements(2, assert.AnError)

	_, err := m.PlaceOrder(ctx, &core.Order{Symbol: "005930", Side: core.SideBuy, Quantity: 1})
	assert.ErrorIs(t, err, assert.AnError)
	_, err = m.PlaceOrder(ctx, &core.Order{Symbol: "005930", Side: core.SideBuy, Quantity: 1})
	assert.ErrorIs(t, err, assert.AnError)

	placed, err := m.PlaceOrder(ctx, &core.Order{Symbol: "005930", Side: core.SideBuy,
		Quantity: 1, Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.NotEmpty(t, placed.ID)
}
