package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fieldsync/internal/testutil"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 5}

	var got []time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		got = append(got, b.Delay(attempt, nil))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)
	assert.Equal(t, time.Second, b.Delay(0, nil))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}

	assert.Equal(t, 1200*time.Millisecond, b.Delay(1, testutil.NewSequenceJitter(1)))
	assert.Equal(t, 1100*time.Millisecond, b.Delay(1, testutil.NewSequenceJitter(0.5)))
	assert.Equal(t, time.Second, b.Delay(1, testutil.NewSequenceJitter(-3)))
	assert.Equal(t, time.Minute, b.Delay(20, testutil.NewSequenceJitter(1)))
}

// Property: for any fixed jitter fraction the delay never decreases with
// the attempt count and never exceeds the cap.
func TestBackoffMonotonic(t *testing.T) {
	b := Backoff{BaseDelay: 250 * time.Millisecond, MaxDelay: 90 * time.Second, MaxAttempts: 50}
	for _, f := range []float64{0, 0.1, 0.37, 0.5, 0.99} {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 64; attempt++ {
			d := b.Delay(attempt, testutil.NewSequenceJitter(f))
			assert.GreaterOrEqual(t, d, prev, "jitter %v attempt %d", f, attempt)
			assert.LessOrEqual(t, d, b.MaxDelay)
			prev = d
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := DefaultBackoff()
	assert.False(t, b.Exhausted(DefaultMaxAttempts))
	assert.True(t, b.Exhausted(DefaultMaxAttempts+1))
}

func TestBackoffValidate(t *testing.T) {
	assert.NoError(t, DefaultBackoff().Validate())

	err := Backoff{BaseDelay: 0, MaxDelay: -1, MaxAttempts: 0}.Validate()
	assert.ErrorContains(t, err, "base delay must be positive")
	assert.ErrorContains(t, err, "max attempts must be at least 1")
}
