package rpcproxy

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// DelayPolicy computes how long to wait before the retry that follows attempt iteration.
// Iteration 0 is the delay after the first failed attempt.
type DelayPolicy interface {
	GetDelay(iteration int) time.Duration
}

// DelayPolicyFactory creates the delay policy used by a single logical call.
type DelayPolicyFactory func() DelayPolicy

// DelayPolicyFunc adapts a function to DelayPolicy.
type DelayPolicyFunc func(iteration int) time.Duration

// GetDelay implements DelayPolicy.
func (f DelayPolicyFunc) GetDelay(iteration int) time.Duration {
	return f(iteration)
}

// ConstantDelay always waits d.
func ConstantDelay(d time.Duration) DelayPolicy {
	return DelayPolicyFunc(func(int) time.Duration { return d })
}

// LinearDelay waits minDelay*(iteration+1), capped at maxDelay.
// A maxDelay of zero or less means no cap.
//
// Example:
//
//	rpcproxy.LinearDelay(100*time.Millisecond, time.Second)
//	// Delays: 100ms, 200ms, 300ms, ... 1s (capped)
func LinearDelay(minDelay, maxDelay time.Duration) DelayPolicy {
	return DelayPolicyFunc(func(iteration int) time.Duration {
		if iteration < 0 {
			iteration = 0
		}
		return capped(saturatingMul(minDelay, uint64(iteration)+1), maxDelay)
	})
}

// ExponentialDelay waits minDelay*2^iteration, capped at maxDelay.
// A maxDelay of zero or less means no cap.
//
// Example:
//
//	rpcproxy.ExponentialDelay(100*time.Millisecond, 5*time.Second)
//	// Delays: 100ms, 200ms, 400ms, 800ms, ... 5s (capped)
func ExponentialDelay(minDelay, maxDelay time.Duration) DelayPolicy {
	return DelayPolicyFunc(func(iteration int) time.Duration {
		if iteration < 0 {
			iteration = 0
		}
		if iteration >= 63 {
			return capped(saturatingMul(minDelay, math.MaxUint64), maxDelay)
		}
		return capped(saturatingMul(minDelay, uint64(1)<<uint(iteration)), maxDelay)
	})
}

// BackoffDelay builds a per-call delay policy from a go-retry backoff.
// Backoffs are stateful, so newBackoff is called once per logical call and the
// policy returns the backoff's next value on every query. When the backoff asks to
// stop, the last returned delay is repeated; the retry budget is governed by
// MaxRetries alone.
//
// Example:
//
//	rpcproxy.WithDelayPolicy(rpcproxy.BackoffDelay(func() retry.Backoff {
//	    return retry.WithJitter(10*time.Millisecond, retry.NewFibonacci(100*time.Millisecond))
//	}))
func BackoffDelay(newBackoff func() retry.Backoff) DelayPolicyFactory {
	return func() DelayPolicy {
		b := newBackoff()
		var last time.Duration
		return DelayPolicyFunc(func(int) time.Duration {
			next, stop := b.Next()
			if !stop {
				last = next
			}
			return last
		})
	}
}

// FibonacciDelay follows the fibonacci sequence from initial (initial, 2*initial,
// 3*initial, 5*initial, ...), capped at maxDelay when maxDelay > 0.
func FibonacciDelay(initial, maxDelay time.Duration) DelayPolicyFactory {
	if initial <= 0 {
		return FixedDelayPolicy(ConstantDelay(0))
	}
	return BackoffDelay(func() retry.Backoff {
		b := retry.NewFibonacci(initial)
		if maxDelay > 0 {
			b = retry.WithCappedDuration(maxDelay, b)
		}
		return b
	})
}

// FixedDelayPolicy wraps a stateless policy as a factory.
func FixedDelayPolicy(p DelayPolicy) DelayPolicyFactory {
	return func() DelayPolicy { return p }
}

func saturatingMul(d time.Duration, n uint64) time.Duration {
	if d <= 0 || n == 0 {
		return 0
	}
	if uint64(d) > uint64(math.MaxInt64)/n {
		return time.Duration(math.MaxInt64)
	}
	return d * time.Duration(n)
}

func capped(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
