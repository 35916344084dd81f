package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// linearBackOff waits interval, 2*interval, 3*interval... between attempts.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// retry runs op with bounded retry and linear backoff. Errors for which
// retryable reports false stop the loop immediately. The attempt count of
// the final outcome is returned alongside the result; it is at least 1
// unless the context was already done.
func retry[T any](ctx context.Context, maxAttempts int, interval time.Duration, retryable func(error) bool, op func() (T, error)) (T, int, error) {
	attempts := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(&linearBackOff{interval: interval}),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return out, attempts, err
}

// retryLLM wraps a language model call with the configured generation retry
// bound. Any error from the port is treated as retryable.
func retryLLM(ctx context.Context, cfg *Config, op func() (string, error)) (string, int, error) {
	return retry(ctx, cfg.LLMMaxAttempts, cfg.BackoffInterval, func(error) bool { return true }, op)
}
