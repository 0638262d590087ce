package engine

import "sync/atomic"

// Clock is the logical clock that orders activities.
//
// Every activity and every lockdown entry of a run is stamped with a
// strictly increasing seq from this clock. Seq, not wall time, is what the
// activity log is sorted by and what replay windows are expressed in.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next() returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that resumes after start.
// Used when appending to an existing run.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last seq handed out, or the start value.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
