package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall clock that only moves when told to.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading start (converted to UTC).
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored;
// the clock never runs backwards.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set jumps the clock to t if t is later than the current reading.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
}

// SequenceJitter returns the given fractions in order, repeating the last
// one once exhausted. With no values it always returns 0.
type SequenceJitter struct {
	mu     sync.Mutex
	values []float64
	next   int
}

// NewSequenceJitter creates a jitter source cycling through values.
func NewSequenceJitter(values ...float64) *SequenceJitter {
	return &SequenceJitter{values: values}
}

// Float64 returns the next fraction.
func (j *SequenceJitter) Float64() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.values) == 0 {
		return 0
	}
	v := j.values[min(j.next, len(j.values)-1)]
	j.next++
	return v
}
