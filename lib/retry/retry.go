// Copyright 2026 Last9, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package retry wraps an operation in a bounded retry loop driven by
// the apierr taxonomy and the backoff calculator. The same executor
// runs both the token exchange and each event send, each with its own
// policy instance.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/last9/deploy-marker/lib/apierr"
	"github.com/last9/deploy-marker/lib/backoff"
	"github.com/last9/deploy-marker/lib/clock"
)

// Policy bounds a retry loop. A pure configuration value with no
// identity; callers may share or copy instances freely.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	// Must be at least 1.
	MaxAttempts int

	// BaseBackoff is the exponential floor for the delay before the
	// second try.
	BaseBackoff time.Duration

	// MaxBackoff caps every computed delay. Must be >= BaseBackoff.
	MaxBackoff time.Duration
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.BaseBackoff < 0 {
		return fmt.Errorf("retry: base backoff must be >= 0 (got %v)", p.BaseBackoff)
	}
	if p.MaxBackoff < p.BaseBackoff {
		return fmt.Errorf("retry: max backoff %v must be >= base backoff %v", p.MaxBackoff, p.BaseBackoff)
	}
	return nil
}

// Do runs op up to policy.MaxAttempts times. Success at any attempt
// returns immediately. A failure on the last allowed attempt, or any
// non-retryable failure, propagates as-is without wrapping — a bad
// refresh token is never retried even when attempts remain.
//
// Between attempts, Do sleeps backoff.Delay(attempt, ...) computed
// from the zero-indexed attempt that just failed. When the error
// carries a larger server-provided Retry-After hint, the hint wins.
// The sleep is cancellable through ctx.
func Do[T any](ctx context.Context, clk clock.Clock, logger *slog.Logger, policy Policy, label string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastError error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastError = err

		if attempt == policy.MaxAttempts-1 {
			break
		}
		if !apierr.IsRetryable(err) {
			return zero, err
		}

		delay := backoff.Delay(attempt, policy.BaseBackoff, policy.MaxBackoff)
		if hint := apierr.RetryAfterOf(err); hint > delay {
			delay = hint
		}

		logger.Warn("transient failure, retrying",
			"operation", label,
			"attempt", attempt+1,
			"max_attempts", policy.MaxAttempts,
			"backoff", delay,
			"error", err,
		)

		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastError
}
