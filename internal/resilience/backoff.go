// Package resilience holds the retry, circuit-breaker, and
// rate-limiting primitives shared by the client engine, facilitator
// client, and settler, per spec §4.11.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes the exponential-backoff-with-jitter
// formula: delay = min(base*multiplier^(attempt-1) + U(-jitter,+jitter)*base*multiplier^(attempt-1), maxDelay).
type BackoffConfig struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Jitter      float64
	MaxDelay    time.Duration
	// IsRetryable decides whether err should trigger another attempt.
	// A nil IsRetryable retries every non-nil error.
	IsRetryable func(err error) bool
}

// DefaultBackoffConfig matches spec §4.6's settle-pipeline retry
// policy: 3 attempts, 2s base, no explicit jitter documented there
// but the shared formula always applies a jitter term.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
		MaxDelay:    30 * time.Second,
	}
}

// Delay computes the backoff delay for the given 1-indexed attempt.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	base := float64(c.Base)
	scaled := base * pow(c.Multiplier, attempt-1)
	jitterSpan := scaled * c.Jitter
	jittered := scaled + jitterSpan*(rand.Float64()*2-1)
	if jittered < 0 {
		jittered = 0
	}
	d := time.Duration(jittered)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Retry calls fn until it succeeds, IsRetryable rejects the error, or
// MaxAttempts is exhausted, sleeping Delay(attempt) between tries.
// The final attempt's error is returned on exhaustion.
func Retry(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.IsRetryable != nil && !cfg.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(cfg.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
