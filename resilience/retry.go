// Package resilience provides retry and circuit breaker primitives used to
// guard Redis access and agent invocations.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/gitwithintent/gwi/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes fn with exponential backoff until it succeeds or the
// attempt budget is exhausted. Every error is retried; use RetryIf to
// restrict which errors are worth another attempt.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	return RetryIf(ctx, config, func(error) bool { return true }, fn)
}

// RetryTransient retries only errors classified as retryable, so validation
// and policy failures surface immediately.
func RetryTransient(ctx context.Context, config *RetryConfig, fn func() error) error {
	return RetryIf(ctx, config, core.IsRetryable, fn)
}

// RetryIf executes fn with exponential backoff, retrying only while
// shouldRetry reports true for the returned error.
func RetryIf(ctx context.Context, config *RetryConfig, shouldRetry func(error) bool, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if !shouldRetry(err) {
				return err
			}
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		sleep := delay
		if config.JitterEnabled {
			// Up to 10% jitter to avoid synchronized retries across workers.
			sleep += time.Duration(rand.Int63n(int64(delay)/10 + 1))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithBreaker combines retry logic with circuit breaker protection.
// Each attempt passes through the breaker so rejected attempts still burn
// the retry budget.
func RetryWithBreaker(ctx context.Context, config *RetryConfig, cb *Breaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
