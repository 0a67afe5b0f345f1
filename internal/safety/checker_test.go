package safety

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
	"github.com/greatjins/si-trading-system-sub000/internal/mock"
	"github.com/greatjins/si-trading-system-sub000/pkg/logging"
)

func testChecker() *Checker {
	logger, _ := logging.NewZapLogger("ERROR")
	return NewChecker(logger)
}

func TestCheckBrokerPasses(t *testing.T) {
	m := mock.NewBroker()
	m.SetPrice("005930", decimal.NewFromInt(70_000))

	err := testChecker().CheckBroker(context.Background(), m, "005930")
	assert.NoError(t, err)
}

func TestCheckBrokerFailsOnHealth(t *testing.T) {
	m := mock.NewBroker()
	m.SetHealthErr(assert.AnError)

	err := testChecker().CheckBroker(context.Background(), m, "")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCheckBrokerFailsOnMissingPrice(t *testing.T) {
	m := mock.NewBroker()

	err := testChecker().CheckBroker(context.Background(), m, "005930")
	assert.Error(t, err)
}

func TestCheckAccountEnforcesMinimumCash(t *testing.T) {
	m := mock.NewBroker()
	m.SetCash(decimal.NewFromInt(500_000))
	ctx := context.Background()

	err := testChecker().CheckAccount(ctx, m, decimal.NewFromInt(1_000_000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below required minimum")

	assert.NoError(t, testChecker().CheckAccount(ctx, m, decimal.NewFromInt(100_000)))
}

func TestCheckAccountRejectsShortPosition(t *testing.T) {
	m := mock.NewBroker()
	m.SetCash(decimal.NewFromInt(1_000_000))
	m.SetPosition("005930", -5, decimal.NewFromInt(70_000))

	err := testChecker().CheckAccount(context.Background(), m, decimal.Zero)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short position")
}

func TestValidateTradingParameters(t *testing.T) {
	c := testChecker()

	assert.NoError(t, c.ValidateTradingParameters([]string{"005930", "000660"}, "5m", 0.0015, 0.0005))
	assert.Error(t, c.ValidateTradingParameters(nil, "5m", 0.0015, 0.0005))
	assert.Error(t, c.ValidateTradingParameters([]string{"SAMSUNG"}, "5m", 0.0015, 0.0005))
	assert.Error(t, c.ValidateTradingParameters([]string{"005930"}, "2m", 0.0015, 0.0005))
	assert.Error(t, c.ValidateTradingParameters([]string{"005930"}, "5m", 0.02, 0.0005))
}

func TestValidSymbolCodes(t *testing.T) {
	assert.True(t, core.ValidSymbol("005930"))
	assert.True(t, core.ValidSymbol("000660"))
	assert.False(t, core.ValidSymbol("5930"))
	assert.False(t, core.ValidSymbol("00593A"))
	assert.False(t, core.ValidSymbol(""))
}
