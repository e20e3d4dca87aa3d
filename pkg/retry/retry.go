// Package retry provides caller-driven retries with exponential backoff.
// Nothing in the pool retries implicitly; a caller opts in by wrapping an operation.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/pplnspool/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// OnRetry, when set, is called before sleeping with the failed attempt number (1-based).
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// SubmitConfig is used for submitblock, where a lost solution is expensive
func SubmitConfig() *Config {
	return &Config{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// StartupConfig is used while waiting for dependencies at process start
func StartupConfig() *Config {
	return &Config{
		MaxAttempts: 10,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns a result.
// Errors that are not retryable are returned unwrapped on the first attempt.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := range config.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.calculateDelay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// calculateDelay calculates the delay for the given attempt using exponential backoff
func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		// up to 10% on top
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}
