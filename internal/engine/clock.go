package engine

import (
	"math/rand/v2"
	"time"
)

// Clock reports wall time. Operations are stamped and retries scheduled
// with it; tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Jitter yields fractions in [0, 1) used to spread retries.
type Jitter interface {
	Float64() float64
}

type randomJitter struct{}

func (randomJitter) Float64() float64 {
	return rand.Float64()
}
