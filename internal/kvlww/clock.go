package kvlww

import "sync/atomic"

// Clock is the monotonic logical clock behind last-write-wins stamps.
//
// Every write is stamped with a strictly increasing counter from this
// clock. Observe fast-forwards past counters seen in merged remote
// entries, so a local write issued after observing a remote one always
// carries the higher counter.
//
// Thread-safety: safe for concurrent use (atomic operations), though the
// store's cooperative-transaction model means one goroutine typically
// drives it.
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific counter.
// Used when rebuilding a store over already-populated state.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next counter and advances the clock.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the current counter without advancing.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}

// Observe advances the clock to at least seen. Lamport receive rule:
// counters from merged entries push the local clock forward.
func (c *Clock) Observe(seen uint64) {
	for {
		cur := c.seq.Load()
		if seen <= cur || c.seq.CompareAndSwap(cur, seen) {
			return
		}
	}
}

// Stamp orders concurrent writes: higher counter wins, equal counters
// break the tie on actor id so every replica picks the same winner.
type Stamp struct {
	Counter uint64 `json:"c"`
	Actor   string `json:"a"`
}

// Compare returns -1, 0, or 1 ordering s against o.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Counter < o.Counter:
		return -1
	case s.Counter > o.Counter:
		return 1
	case s.Actor < o.Actor:
		return -1
	case s.Actor > o.Actor:
		return 1
	default:
		return 0
	}
}

// Less reports whether s loses to o.
func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}
