// Package retry wraps backend calls with a classified retry policy. The
// policy is a plain value object so the classification rules are testable
// apart from any call site.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/docuflow/extractd/internal/backend"
)

// Policy describes how a single logical call is retried.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // exponential backoff base
	MaxDelay    time.Duration // cap on the exponential term
	// RateLimitCooldown is layered on top of the exponential delay for
	// HTTP 429, giving rate-limited calls a slower ramp.
	RateLimitCooldown time.Duration
	Jitter            bool
}

// DefaultPolicy mirrors the production defaults: 3 attempts, 2s base,
// 30s cap, 10s extra cooldown on rate limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		RateLimitCooldown: 10 * time.Second,
		Jitter:            true,
	}
}

// Delay returns the pause before retrying after the given zero-based failed
// attempt. The sequence is non-decreasing and capped at MaxDelay (plus the
// fixed cooldown when err is a rate limit).
func (p Policy) Delay(attempt int, err error) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 { // <=0 guards shift overflow
		d = p.MaxDelay
	}
	if backend.RateLimited(err) {
		d += p.RateLimitCooldown
	}
	// rand.N panics on non-positive arguments; sub-2ns delays get no jitter.
	if half := d / 2; p.Jitter && half > 0 {
		d += rand.N(half)
	}
	return d
}

// retryable reports whether err may succeed on a later attempt. Fatal
// backend errors never do; everything else — classified transient or
// unclassified — is retried up to MaxAttempts.
func retryable(err error) bool {
	return !backend.IsFatal(err)
}

// Do runs fn up to p.MaxAttempts times, sleeping per the policy between
// attempts. Fatal errors propagate immediately; exhausting the attempts
// propagates the last error. The context is respected while sleeping but
// not injected into fn — callers close over their own ctx.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var zero T
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !retryable(err) {
			logger.Error("retry aborted on fatal error", "op", op, "attempt", attempt+1, "error", err)
			return zero, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt, err)
		logger.Warn("retrying after transient error",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", p.MaxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	logger.Error("retries exhausted", "op", op, "attempts", p.MaxAttempts, "error", lastErr)
	return zero, lastErr
}
