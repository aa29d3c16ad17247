// Package backoff computes the delays between repeated attempts: dequeue
// retries while the backing store is failing, and live reconnects from
// the client. Strategies hold no mutable state and are safe for
// concurrent use.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before attempt n. Attempt 1 is the
	// first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant waits the same interval before every attempt.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the interval.
func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay on every attempt, starting at Initial and
// never exceeding Max. With Jitter set the delay is drawn uniformly from
// [0, d] so that many clients dropped at the same moment do not come back
// at the same moment.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// NewExponential creates an exponential strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential strategy with full
// jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: true}
}

// Delay returns min(Initial * 2^(attempt-1), Max), jittered when enabled.
func (e *Exponential) Delay(attempt int) time.Duration {
	attempt = max(attempt, 1)
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d *= rand.Float64() //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// Sleep waits for s's delay before attempt and returns early with the
// context error when ctx ends first.
func Sleep(ctx context.Context, s Strategy, attempt int) error {
	d := s.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
