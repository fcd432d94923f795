package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures of outbound calls (bus publishes,
// SMS sends). Recognizer restarts never go through it.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Multiplier grows the wait between attempts; values below 1 keep it flat.
	Multiplier float64
	// Retryable decides whether err deserves another attempt. Nil retries everything.
	Retryable func(err error) bool
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, Multiplier: 2}
}

// Do calls fn until it succeeds, the error is not retryable, retries are
// exhausted or ctx is done.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	wait := r.Backoff
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || (r.Retryable != nil && !r.Retryable(err)) {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if r.Multiplier > 1 {
			wait = time.Duration(float64(wait) * r.Multiplier)
		}
	}
	return err
}
