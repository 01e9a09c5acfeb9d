package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/remote"
)

// RetryPolicy bounds how long a transfer keeps retrying network failures.
// A failed attempt that still moved at least MinProgressBytes resets the
// attempt counter, so a slow but advancing transfer is never abandoned.
// Delay is the first pause; later pauses back off exponentially.
type RetryPolicy struct {
	MaxAttempts      int
	MinProgressBytes int64
	Delay            time.Duration
}

// RetryPolicyFromConfig builds the policy from the transfer settings
func RetryPolicyFromConfig(cfg config.Transfer) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      cfg.MaxAttempts,
		MinProgressBytes: cfg.MinProgressBytes,
		Delay:            cfg.RetryDelay(),
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.MaxInterval = 16 * p.Delay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// retryCounter tracks consecutive unproductive attempts
type retryCounter struct {
	policy   RetryPolicy
	attempts int
}

// failed records a failed attempt that moved progress bytes and reports
// whether another attempt is allowed
func (c *retryCounter) failed(progress int64) bool {
	if progress > 0 && progress >= c.policy.MinProgressBytes {
		c.attempts = 0
	} else {
		c.attempts++
	}
	max := c.policy.MaxAttempts
	if max < 1 {
		max = 1
	}
	return c.attempts < max
}

// attempt is one try of a transfer; it returns the status and the bytes it moved
type attempt func(ctx context.Context) (remote.Status, int64)

// runWithRetry repeats fn while it fails with a retryable status. onRetry is
// called before every repeated attempt.
func runWithRetry(ctx context.Context, sc *SyncContext, policy RetryPolicy, fn attempt, onRetry func()) remote.Status {
	counter := retryCounter{policy: policy}
	pause := policy.newBackOff()
	for {
		if sc.Aborted() || ctx.Err() != nil {
			return remote.StatusCanceled
		}

		status, moved := fn(ctx)
		if !status.Retryable() {
			return status
		}
		if !counter.failed(moved) {
			return remote.StatusNetworkError
		}
		if counter.attempts == 0 {
			pause.Reset()
		}

		if onRetry != nil {
			onRetry()
		}
		if policy.Delay > 0 {
			select {
			case <-ctx.Done():
				return remote.StatusCanceled
			case <-time.After(pause.NextBackOff()):
			}
		}
	}
}
