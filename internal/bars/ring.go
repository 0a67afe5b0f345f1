package bars

import "github.com/greatjins/si-trading-system-sub000/internal/core"

// TickRing is a fixed-capacity tick history for one symbol. Appends
// overwrite the oldest tick once full. Not safe for concurrent use; the
// engine goroutine owns one ring per symbol.
type TickRing struct {
	buf   []core.Tick
	next  int
	count int
}

func NewTickRing(capacity int) *TickRing {
	if capacity < 1 {
		capacity = 1
	}
	return &TickRing{buf: make([]core.Tick, capacity)}
}

func (r *TickRing) Append(tick core.Tick) {
	r.buf[r.next] = tick
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *TickRing) Len() int { return r.count }

// Ticks returns the history oldest first.
func (r *TickRing) Ticks() []core.Tick {
	out := make([]core.Tick, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
