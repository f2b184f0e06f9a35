// Package retry wraps a fallible operation in bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"coin_dash/internal/domain"
)

// Policy configures Do. The zero value makes a single attempt.
type Policy struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // wait before the first retry
	Multiplier   float64       // growth factor per retry; <= 0 means 2

	// StopOnFatal gives up at once on errors that declare themselves
	// non-retriable instead of spending the remaining retries on them.
	StopOnFatal bool

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay returns the wait after failed attempt k (0-based):
// InitialDelay * Multiplier^k.
func (p Policy) Delay(k int) time.Duration {
	m := p.Multiplier
	if m <= 0 {
		m = 2
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(m, float64(k)))
}

// Do calls op until it succeeds, at most MaxRetries+1 times, and returns the
// error of the final attempt unchanged. Every failure is retried unless
// p.StopOnFatal is set and the error declares itself non-retriable, which
// ends the loop after that attempt. Cancelling ctx aborts the wait.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxRetries || (p.StopOnFatal && domain.IsFatal(err)) {
			return zero, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
