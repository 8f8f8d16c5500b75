package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy controls per-call retries against the model API.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

const backoffMultiplier = 2.0

// withRetry executes fn with exponential backoff. Context errors are
// never retried; everything else from the remote API is considered
// transient.
func withRetry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if policy.MaxAttempts <= 1 {
		return fn(ctx)
	}

	var lastErr error
	backoff := policy.InitialBackoff

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * backoffMultiplier)
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}
	}

	return zero, fmt.Errorf("max retry attempts reached: %w", lastErr)
}
