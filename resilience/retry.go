package resilience

import (
	"context"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/cockroachdb/errors"
)

// RetryConfig defines configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int

	// InitialBackoff is the backoff before the second attempt
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff between attempts
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64

	// Jitter adds up to 10% randomness to each backoff
	Jitter bool

	// Retryable decides whether an error is worth another attempt. nil retries everything.
	Retryable func(error) bool

	// OnRetry is called before sleeping for the next attempt
	OnRetry func(attempt int, backoff time.Duration, err error)
}

// DefaultRetryConfig returns the worker respawn policy: base 100ms, cap 5s, 5 attempts
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Retryable:         DefaultRetryable,
	}
}

// DefaultRetryable determines if an error is retryable by default
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, fault.ErrUnavailable) {
		return false
	}
	if fault.IsKind(err, fault.KindValidation) {
		return false
	}
	return !errors.Is(err, io.EOF)
}

// RetryableFunc is a function that can be retried. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry executes fn until it succeeds, the budget is spent or ctx is done.
// When the budget is spent the returned error wraps the last failure.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if config.Retryable != nil && !config.Retryable(err) {
			return errors.Wrap(err, "non-retryable error")
		}
		if attempt == attempts {
			break
		}

		backoff := Backoff(attempt-1, config)
		if config.OnRetry != nil {
			config.OnRetry(attempt, backoff, err)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "retry cancelled")
		case <-timer.C:
		}
	}
	return errors.Wrapf(lastErr, "max attempts exceeded (%d)", attempts)
}

// Backoff returns the wait before retry number attempt (zero based)
func Backoff(attempt int, config RetryConfig) time.Duration {
	multiplier := config.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	backoff := float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt))
	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	if config.Jitter {
		backoff += rand.Float64() * 0.1 * backoff
	}
	return time.Duration(backoff)
}
