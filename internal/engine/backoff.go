package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/store"
)

const (
	// DefaultBaseDelay is the wait before the first retry.
	DefaultBaseDelay = 2 * time.Second

	// DefaultMaxDelay caps any single retry wait.
	DefaultMaxDelay = 5 * time.Minute

	// DefaultMaxAttempts is the retry ceiling. An operation whose attempt
	// count would exceed it is dead-lettered.
	DefaultMaxAttempts = 8

	// jitterFraction bounds the random spread added to a delay.
	jitterFraction = 0.2
)

// Backoff is the retry policy for transient failures.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the built-in retry policy.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks that the policy is usable.
func (b Backoff) Validate() error {
	var errs []error
	if b.BaseDelay <= 0 {
		errs = append(errs, errors.New("base delay must be positive"))
	}
	if b.MaxDelay < b.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below base delay %s", b.MaxDelay, b.BaseDelay))
	}
	if b.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// Delay returns the wait after the attempt-th failure (1-based):
// BaseDelay doubled per earlier failure, plus up to 20% jitter, capped at
// MaxDelay. For a fixed jitter fraction the delay never shrinks as
// attempt grows.
func (b Backoff) Delay(attempt int, j Jitter) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.BaseDelay
	for i := 1; i < attempt && d < b.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, b.MaxDelay)
	if j != nil {
		f := min(max(j.Float64(), 0), 1)
		d += time.Duration(float64(d) * jitterFraction * f)
	}
	return min(d, b.MaxDelay)
}

// Exhausted reports whether attempts failed sends exceed the ceiling.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts > b.MaxAttempts
}

func (b Backoff) settings() store.Settings {
	return store.Settings{
		MaxAttempts: b.MaxAttempts,
		BaseDelay:   b.BaseDelay,
		MaxDelay:    b.MaxDelay,
	}
}

func backoffFromSettings(s store.Settings) Backoff {
	return Backoff{
		BaseDelay:   s.BaseDelay,
		MaxDelay:    s.MaxDelay,
		MaxAttempts: s.MaxAttempts,
	}
}
