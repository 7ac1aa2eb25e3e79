// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes retry delays: exponential growth with
// additive jitter, capped at a maximum. Pure and stateless apart from
// the jitter source.
package backoff

import (
	"math/rand/v2"
	"time"
)

// jitterFraction scales the random component: each delay gains up to
// 30% of its exponential base. The jitter spreads simultaneous
// retriers (a fleet of CI jobs hitting the same rate limit) so they do
// not re-converge on the same instant.
const jitterFraction = 0.3

// Delay returns the pause before the next retry. attempt is
// zero-indexed: the delay before the second try uses attempt 0.
//
//	delay = min(max, base*2^attempt + uniform(0, 0.3*base*2^attempt))
//
// The result never exceeds max. The jitter source is the shared
// math/rand/v2 generator, so repeated calls with identical inputs
// produce different delays.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}

	exponential := shiftCapped(base, attempt, max)
	if exponential >= max {
		return max
	}

	jitter := time.Duration(rand.Float64() * jitterFraction * float64(exponential))
	delay := exponential + jitter
	if delay > max {
		return max
	}
	return delay
}

// shiftCapped computes base*2^attempt, saturating at cap instead of
// overflowing. Attempt counts in practice stay single-digit, but a
// misconfigured policy must not wrap into a negative duration.
func shiftCapped(base time.Duration, attempt int, cap time.Duration) time.Duration {
	value := base
	for i := 0; i < attempt; i++ {
		value *= 2
		if value >= cap || value < 0 {
			return cap
		}
	}
	return value
}
