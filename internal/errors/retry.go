package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (not including initial attempt).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	Multiplier float64

	// Jitter adds randomness to delay to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns the retry configuration used for storage
// mutations: three attempts in total with a short doubling backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// Attempts returns the total number of calls Retry will make at most.
func (c RetryConfig) Attempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

// Retry executes a function with exponential backoff retry logic.
// Every error is considered retryable. If the context is cancelled, it
// returns the context error immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return RetryIf(ctx, cfg, func(error) bool { return true }, fn)
}

// RetryIf is Retry restricted to errors for which shouldRetry returns true.
// Any other error is returned as is after the first failing attempt.
// When all attempts fail, the last error is wrapped in ErrCodeRetriesExhausted.
func RetryIf(ctx context.Context, cfg RetryConfig, shouldRetry func(error) bool, fn func() error) error {
	_, err := RetryWithResultIf(ctx, cfg, shouldRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a value with retry logic.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	return RetryWithResultIf(ctx, cfg, func(error) bool { return true }, fn)
}

// RetryIfNotify is RetryIf with onRetry called once before each retry that
// will actually be made, after the decision to wait and try again.
func RetryIfNotify(ctx context.Context, cfg RetryConfig, shouldRetry func(error) bool, onRetry func(attempt int, err error), fn func() error) error {
	_, err := retry(ctx, cfg, shouldRetry, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResultIf is RetryWithResult restricted to retryable errors.
func RetryWithResultIf[T any](ctx context.Context, cfg RetryConfig, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	return retry(ctx, cfg, shouldRetry, nil, fn)
}

func retry[T any](ctx context.Context, cfg RetryConfig, shouldRetry func(error) bool, onRetry func(int, error), fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return zero, err
		}

		// Last attempt: don't wait
		if attempt >= cfg.MaxRetries {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		waitDelay := delay
		if cfg.Jitter {
			// delay * (0.5 + rand(0, 0.5))
			jitterFactor := 0.5 + rand.Float64()*0.5
			waitDelay = time.Duration(float64(delay) * jitterFactor)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(waitDelay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, New(ErrCodeRetriesExhausted,
		fmt.Sprintf("failed after %d attempts: %v", cfg.Attempts(), lastErr), lastErr)
}
