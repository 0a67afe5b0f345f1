// Package market tracks venue session state from the realtime feed and
// routes orders between KRX and the NXT alternative venue.
package market

import (
	"strconv"
	"strings"
	"sync"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// JIF jstatus bounds. Codes 21..40 are the regular session; 41 is the
// closing notice, after which the venue takes no more orders today.
const (
	statusSessionOpen = 21
	statusSessionEnd  = 41
)

// venueState is one venue's view of the JIF stream.
type venueState struct {
	status         string
	active         bool
	circuitBreaker bool
	sidecar        bool
	hasData        bool
}

// VenueView is an immutable copy of one venue's state.
type VenueView struct {
	Status         string
	Active         bool
	CircuitBreaker bool
	Sidecar        bool
	HasData        bool
}

// State is the shared market-session tracker. The realtime feed is the
// single writer; the router and health checks read.
type State struct {
	mu     sync.RWMutex
	logger core.ILogger

	krx venueState
	nxt venueState
}

func NewState(logger core.ILogger) *State {
	return &State{logger: logger.WithField("component", "market_state")}
}

// Apply ingests one JIF frame. jangubun classes 1 and 2 are KRX, 6 is
// NXT; anything else is ignored.
func (s *State) Apply(jangubun, jstatus string) {
	jstatus = strings.TrimSpace(jstatus)

	s.mu.Lock()
	defer s.mu.Unlock()

	var v *venueState
	switch strings.TrimSpace(jangubun) {
	case "1", "2":
		v = &s.krx
	case "6":
		v = &s.nxt
	default:
		return
	}

	v.status = jstatus
	v.hasData = true

	n, err := strconv.Atoi(jstatus)
	if err != nil {
		// Pre- and after-market phases carry non-numeric codes.
		v.active = false
		return
	}

	v.active = n >= statusSessionOpen && n < statusSessionEnd

	switch n {
	case 61, 63, 68, 69, 71:
		v.circuitBreaker = true
		s.logger.Warn("Circuit breaker triggered", "jangubun", jangubun, "jstatus", jstatus)
	case 62, 70:
		v.circuitBreaker = false
		s.logger.Info("Circuit breaker released", "jangubun", jangubun, "jstatus", jstatus)
	case 64, 66:
		v.sidecar = true
		s.logger.Warn("Sidecar triggered", "jangubun", jangubun, "jstatus", jstatus)
	case 65, 67:
		v.sidecar = false
		s.logger.Info("Sidecar released", "jangubun", jangubun, "jstatus", jstatus)
	}
}

// view must be called under s.mu.
func (s *State) view(m core.Market) *venueState {
	if m == core.MarketNXT {
		return &s.nxt
	}
	return &s.krx
}

// IsMarketActive reports whether the venue is inside its regular
// session. The closing notice counts as inactive.
func (s *State) IsMarketActive(m core.Market) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view(m).active
}

func (s *State) IsCircuitBreakerActive(m core.Market) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view(m).circuitBreaker
}

func (s *State) IsSidecarActive(m core.Market) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view(m).sidecar
}

// Status returns the venue's last raw jstatus code, "" before the
// first frame.
func (s *State) Status(m core.Market) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view(m).status
}

// SessionEnded reports whether the venue has published its closing
// notice for the day.
func (s *State) SessionEnded(m core.Market) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view(m).status == strconv.Itoa(statusSessionEnd)
}

// HasData reports whether any JIF frame has been seen since start (or
// since the tracker was rehydrated after a reconnect).
func (s *State) HasData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.krx.hasData || s.nxt.hasData
}

// Snapshot returns both venue views at one instant, so the router can
// apply its precedence rules without interleaved updates.
func (s *State) Snapshot() (krx, nxt VenueView) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyView(s.krx), copyView(s.nxt)
}

func copyView(v venueState) VenueView {
	return VenueView{
		Status:         v.status,
		Active:         v.active,
		CircuitBreaker: v.circuitBreaker,
		Sidecar:        v.sidecar,
		HasData:        v.hasData,
	}
}
