package core

import (
	"sync/atomic"
	"time"
)

// KST is the exchange timezone. All session logic runs on it.
var KST = loadKST()

func loadKST() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		// tzdata missing on the host; KST has no DST so a fixed zone is exact
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// IClock supplies the current exchange-local time.
type IClock interface {
	Now() time.Time
}

// SystemClock reads the OS clock in KST.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().In(KST) }

// ServerClock tracks the broker's clock via a sampled offset so session
// windows do not depend on the local machine being synced.
type ServerClock struct {
	offsetNs atomic.Int64
}

// NewServerClock returns a clock with zero offset until synced.
func NewServerClock() *ServerClock {
	return &ServerClock{}
}

// Sync records the difference between the broker time and the OS clock.
func (c *ServerClock) Sync(serverNow time.Time) {
	c.offsetNs.Store(int64(time.Until(serverNow)))
}

// Offset returns the current broker-vs-OS offset.
func (c *ServerClock) Offset() time.Duration {
	return time.Duration(c.offsetNs.Load())
}

func (c *ServerClock) Now() time.Time {
	return time.Now().Add(c.Offset()).In(KST)
}

// FixedClock always reports the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T.In(KST) }

// Today formats the clock's current date as yyyymmdd in KST.
func Today(c IClock) string {
	return c.Now().In(KST).Format("20060102")
}

// MinuteOfDay returns hour*60+minute in KST for session-window checks.
func MinuteOfDay(c IClock) int {
	now := c.Now().In(KST)
	return now.Hour()*60 + now.Minute()
}
