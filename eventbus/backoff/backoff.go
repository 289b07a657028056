// Package backoff provides capped exponential backoff with full jitter for
// publish and redelivery retry loops.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy describes an exponential backoff curve: delays grow as Base * 2^attempt
// and are capped at Cap before jitter is applied.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultPolicy is the baseline curve used by the publisher retry loop.
func DefaultPolicy() Policy {
	return Policy{Base: 200 * time.Millisecond, Cap: 30 * time.Second}
}

// Delay returns a full-jittered delay for the given zero-based attempt:
// a random duration in [0, min(Base*2^attempt, Cap)). Full jitter spreads
// concurrent retriers instead of synchronizing them.
func (policy Policy) Delay(attempt int) time.Duration {
	ceiling := policy.ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(ceiling)))
}

// ceiling computes Base*2^attempt with overflow protection, capped at Cap.
func (policy Policy) ceiling(attempt int) time.Duration {
	if policy.Base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt

	base := int64(policy.Base)
	if base > math.MaxInt64/multiplier {
		return policy.capOr(time.Duration(math.MaxInt64))
	}

	return policy.capOr(time.Duration(base * multiplier))
}

func (policy Policy) capOr(delay time.Duration) time.Duration {
	if policy.Cap > 0 && delay > policy.Cap {
		return policy.Cap
	}

	return delay
}

// Wait sleeps for the given duration or until the context is done.
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	}
}
