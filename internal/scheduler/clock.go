package scheduler

import "sync/atomic"

// Clock stamps published cache entries with increasing seq values. The
// zero value starts at 1. Seq orders candidates within a weak-fingerprint
// family and never feeds a fingerprint.
type Clock struct {
	last atomic.Int64
}

// ResumeClock returns a clock whose first value is after+1, so entries
// published by this build sort after everything already in the store.
func ResumeClock(after int64) *Clock {
	c := new(Clock)
	c.last.Store(after)
	return c
}

// Next is safe for concurrent use.
func (c *Clock) Next() int64 { return c.last.Add(1) }
