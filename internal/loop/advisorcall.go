package loop

import (
	"context"
	"errors"
	"time"

	"github.com/surgagent/surgagent/internal/advisor"
)

// retryPolicy bounds one logical advisor call: each attempt gets its own
// timeout, and a rate-limit rejection is retried with doubling backoff.
type retryPolicy struct {
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// callWithRetry runs fn under the retry policy. A rejection signal
// (advisor.ErrBusy) is retried up to the configured attempts with doubling
// delay; any other error fails immediately so the caller can fall back.
// Context cancellation is honored between attempts.
func callWithRetry(ctx context.Context, p retryPolicy, fn func(ctx context.Context) error) error {
	delay := p.backoff
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !errors.Is(err, advisor.ErrBusy) {
			return err
		}
		if attempt == p.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
