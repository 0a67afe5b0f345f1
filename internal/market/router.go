package market

import (
	"strconv"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Session windows in KST minutes of day, used when no JIF frame has
// arrived yet. KRX runs 09:00-15:30; NXT covers the 08:00-08:49 pre
// window and the 15:40-20:00 post window.
const (
	nxtPreOpen   = 8 * 60
	nxtPreClose  = 8*60 + 49
	krxOpen      = 9 * 60
	krxClose     = 15*60 + 30
	nxtPostOpen  = 15*60 + 40
	nxtPostClose = 20 * 60
)

// Router picks the venue for new orders. The clock should be the
// server-synced clock; KST conversion happens inside.
type Router struct {
	state *State
	clock core.IClock
}

func NewRouter(state *State, clock core.IClock) *Router {
	return &Router{state: state, clock: clock}
}

// DetermineMarket returns the venue that takes orders right now. ok is
// false when no venue does. Precedence: the closing notice beats the
// session flags, the session flags beat the wall clock, and the wall
// clock only speaks before the first JIF frame.
func (r *Router) DetermineMarket() (core.Market, bool) {
	minute := core.MinuteOfDay(r.clock)
	krx, nxt := r.state.Snapshot()

	if !krx.HasData && !nxt.HasData {
		return wallClockVenue(minute)
	}

	end := strconv.Itoa(statusSessionEnd)
	krxOpenNow := krx.Active && krx.Status != end
	nxtOpenNow := nxt.Active && nxt.Status != end

	switch {
	case krxOpenNow && nxtOpenNow:
		if minute >= krxOpen && minute <= krxClose {
			return core.MarketKRX, true
		}
		return core.MarketNXT, true
	case krxOpenNow:
		return core.MarketKRX, true
	case nxtOpenNow:
		return core.MarketNXT, true
	}
	return "", false
}

// wallClockVenue applies the fixed session windows before any JIF data
// exists, typically between process start and the first frame.
func wallClockVenue(minute int) (core.Market, bool) {
	switch {
	case minute >= nxtPreOpen && minute <= nxtPreClose:
		return core.MarketNXT, true
	case minute >= krxOpen && minute <= krxClose:
		return core.MarketKRX, true
	case minute >= nxtPostOpen && minute <= nxtPostClose:
		return core.MarketNXT, true
	}
	return "", false
}
