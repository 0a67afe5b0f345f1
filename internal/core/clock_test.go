package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerClock_Sync(t *testing.T) {
	c := NewServerClock()
	assert.Equal(t, time.Duration(0), c.Offset())

	// Broker clock runs 2s ahead of the OS clock.
	c.Sync(time.Now().Add(2 * time.Second))
	off := c.Offset()
	assert.InDelta(t, float64(2*time.Second), float64(off), float64(200*time.Millisecond))

	now := c.Now()
	assert.Equal(t, KST, now.Location())
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2025, 7, 1, 10, 30, 0, 0, KST)
	c := FixedClock{T: at}
	assert.Equal(t, "20250701", Today(c))
	assert.Equal(t, 10*60+30, MinuteOfDay(c))
}
