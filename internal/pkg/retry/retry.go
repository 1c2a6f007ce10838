package retry

import (
	"context"
	"math"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy controls how Do retries a failing call.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. Nil retries every error.
	ShouldRetry func(error) bool
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy is used for outbound provider calls.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	Factor:       2,
	MaxDelay:     2 * time.Second,
}

// exponential builds the jitter-free schedule described by p.
func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = math.Max(p.Factor, 1)
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait before the attempt following the given failed one
// (1-based): min(MaxDelay, InitialDelay * Factor^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempt
// budget is used up. The last error is returned unchanged. Cancelling ctx
// stops the loop with ctx.Err().
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(attempts-1)), ctx)

	op := func() (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		result, err := fn(ctx)
		if err != nil && p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	failed := 0
	notify := func(err error, delay time.Duration) {
		failed++
		if p.OnRetry != nil {
			p.OnRetry(failed, delay, err)
		}
	}

	result, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
