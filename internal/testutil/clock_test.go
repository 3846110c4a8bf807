package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClockSequence(t *testing.T) {
	c := NewDeterministicClock()
	assert.Zero(t, c.Current())
	assert.Empty(t, c.Issued())

	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())
	assert.Equal(t, []int64{1, 2}, c.Issued())

	c.Reset()
	assert.Empty(t, c.Issued())
	assert.Equal(t, int64(1), c.Next())
}

func TestDeterministicClockResume(t *testing.T) {
	c := ResumeAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, []int64{42}, c.Issued())
}

func TestDeterministicClockConcurrentNextIsUnique(t *testing.T) {
	c := NewDeterministicClock()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Next()
		}()
	}
	wg.Wait()

	issued := c.Issued()
	assert.Len(t, issued, 50)
	for i, seq := range issued {
		assert.Equal(t, int64(i+1), seq)
	}
}
