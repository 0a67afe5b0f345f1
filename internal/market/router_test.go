package market

import (
	"fmt"
	"testing"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"

	"github.com/stretchr/testify/assert"
)

func clockAt(hour, minute int) core.IClock {
	return core.FixedClock{T: time.Date(2025, 6, 30, hour, minute, 0, 0, core.KST)}
}

func TestRouterWallClockFallback(t *testing.T) {
	tests := []struct {
		hour, minute int
		want         core.Market
		ok           bool
	}{
		{3, 0, "", false},
		{7, 59, "", false},
		{8, 0, core.MarketNXT, true},
		{8, 30, core.MarketNXT, true},
		{8, 49, core.MarketNXT, true},
		{8, 50, "", false},
		{8, 55, "", false},
		{9, 0, core.MarketKRX, true},
		{9, 15, core.MarketKRX, true},
		{12, 0, core.MarketKRX, true},
		{15, 30, core.MarketKRX, true},
		{15, 35, "", false},
		{15, 40, core.MarketNXT, true},
		{18, 0, core.MarketNXT, true},
		{20, 0, core.MarketNXT, true},
		{20, 1, "", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%02d:%02d", tt.hour, tt.minute), func(t *testing.T) {
			r := NewRouter(NewState(testLogger()), clockAt(tt.hour, tt.minute))
			got, ok := r.DetermineMarket()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRouterClosingNoticeBeatsWallClock(t *testing.T) {
	s := NewState(testLogger())
	s.Apply("1", "41")

	// 15:25 is inside the KRX window, but the venue said it is done.
	r := NewRouter(s, clockAt(15, 25))
	got, ok := r.DetermineMarket()
	assert.False(t, ok)
	assert.Equal(t, core.Market(""), got)
}

func TestRouterClosingNoticeFallsBackToOtherVenue(t *testing.T) {
	s := NewState(testLogger())
	s.Apply("1", "41")
	s.Apply("6", "21")

	r := NewRouter(s, clockAt(10, 0))
	got, ok := r.DetermineMarket()
	assert.True(t, ok)
	assert.Equal(t, core.MarketNXT, got)
}

func TestRouterBothActivePrefersKRXDuringItsHours(t *testing.T) {
	s := NewState(testLogger())
	s.Apply("1", "21")
	s.Apply("6", "21")

	got, ok := NewRouter(s, clockAt(10, 0)).DetermineMarket()
	assert.True(t, ok)
	assert.Equal(t, core.MarketKRX, got)

	got, ok = NewRouter(s, clockAt(16, 30)).DetermineMarket()
	assert.True(t, ok)
	assert.Equal(t, core.MarketNXT, got)

	got, ok = NewRouter(s, clockAt(8, 30)).DetermineMarket()
	assert.True(t, ok)
	assert.Equal(t, core.MarketNXT, got)
}

func TestRouterSingleActiveVenueWins(t *testing.T) {
	s := NewState(testLogger())
	s.Apply("6", "21")

	// JIF data overrides the wall-clock KRX window.
	got, ok := NewRouter(s, clockAt(12, 0)).DetermineMarket()
	assert.True(t, ok)
	assert.Equal(t, core.MarketNXT, got)
}

func TestRouterDataWithNothingActiveReturnsNone(t *testing.T) {
	s := NewState(testLogger())
	s.Apply("1", "11")

	_, ok := NewRouter(s, clockAt(9, 15)).DetermineMarket()
	assert.False(t, ok)
}
