package testutil

import (
	"slices"
	"sync"
)

// DeterministicClock is a scheduler.Sequencer for tests. It remembers every
// seq it issued, so a test can check how many entries a build published
// and that a rerun of the same scenario stamps the same values.
type DeterministicClock struct {
	mu     sync.Mutex
	last   int64
	issued []int64
}

// NewDeterministicClock returns a clock whose first Next is 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// ResumeAt returns a clock whose first Next is last+1, the way a build
// resumes from the highest seq already persisted.
func ResumeAt(last int64) *DeterministicClock {
	return &DeterministicClock{last: last}
}

func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	c.issued = append(c.issued, c.last)
	return c.last
}

// Current returns the last seq issued, or the resume point if none was.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Issued returns the seqs handed out so far, sorted.
func (c *DeterministicClock) Issued() []int64 {
	c.mu.Lock()
	out := slices.Clone(c.issued)
	c.mu.Unlock()
	slices.Sort(out)
	return out
}

// Reset forgets every issued seq and rewinds to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = 0
	c.issued = nil
}
