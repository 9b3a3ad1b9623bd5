// Package retry wraps exchange gateway calls in a bounded exponential
// backoff. Transient failures are retried up to the attempt budget; anything
// else is returned immediately so rejections surface on the first attempt.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry behaviour for one call.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used where the config does not say otherwise.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// IsTransientFunc decides whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// Do runs fn under the policy. The backoff doubles each attempt, with up to
// 50% jitter added so a fleet of callers does not retry in lockstep.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if isTransient != nil && !isTransient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if backoff > 1 {
			sleep += time.Duration(rand.Int63n(int64(backoff / 2)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
