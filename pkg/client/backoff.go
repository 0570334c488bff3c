package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff returns a jittered exponential BackoffFunc. The base interval starts
// at initial and is capped at maxInterval; jitter is ±50% of it.
func ExponentialBackoff(initial, maxInterval time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		// ExponentialBackOff is stateful and not goroutine safe, so each call gets its own.
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = initial
		policy.MaxInterval = maxInterval
		policy.MaxElapsedTime = 0
		policy.Reset()

		delay := initial
		for i := 0; i < attempt; i++ {
			delay = policy.NextBackOff()
		}
		return delay
	}
}

// ConstantBackoff waits the same delay before every retry.
func ConstantBackoff(delay time.Duration) BackoffFunc {
	return func(int) time.Duration {
		return delay
	}
}
