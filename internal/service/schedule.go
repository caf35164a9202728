package service

import (
	"math/rand"
	"time"
)

// Randomized delay draws are isolated behind function types so tests can
// substitute deterministic generators.

// DelayFn draws the scheduling delay for one queue entry.
type DelayFn func() time.Duration

// JitterFn draws the inter-transaction pause between two shielded sends.
type JitterFn func() time.Duration

const (
	minScheduleDelay = 1 * time.Hour
	maxScheduleDelay = 48 * time.Hour

	minSendJitter = 1 * time.Second
	maxSendJitter = 30 * time.Second
)

// DefaultDelay draws uniformly from [1h, 48h). Each denomination of a
// withdrawal gets an independent draw so a source's total payout never maps
// to a single observable on-chain event.
func DefaultDelay() time.Duration {
	return uniformDuration(minScheduleDelay, maxScheduleDelay)
}

// DefaultJitter draws uniformly from [1s, 30s). The pause between sends is a
// privacy requirement (timing obfuscation), not politeness toward the node;
// do not remove or parallelize it.
func DefaultJitter() time.Duration {
	return uniformDuration(minSendJitter, maxSendJitter)
}

// UniformDelay builds a DelayFn over a custom window. Falls back to the
// default window when the bounds are not sane.
func UniformDelay(min, max time.Duration) DelayFn {
	if min <= 0 || max <= min {
		return DefaultDelay
	}
	return func() time.Duration {
		return uniformDuration(min, max)
	}
}

func uniformDuration(min, max time.Duration) time.Duration {
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
