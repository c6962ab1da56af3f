package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/attestnet/coordinator/pkg/logging"
)

// Config holds the configuration for retry operations
type Config struct {
	MaxRetries      int                   // Maximum number of attempts
	InitialDelay    time.Duration         // Initial delay between retries
	MaxDelay        time.Duration         // Maximum delay between retries
	BackoffFactor   float64               // Multiplier for exponential backoff
	JitterFactor    float64               // Factor for adding jitter to delays (% of delay)
	LogRetryAttempt bool                  // Whether to log retry attempts
	ShouldRetry     func(error, int) bool // Custom predicate: retry this error at this attempt?
}

// DefaultConfig returns a default configuration for retry operations
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		JitterFactor:    0.2,
		LogRetryAttempt: true,
		ShouldRetry:     nil,
	}
}

// Validate checks the configuration for reasonable values
func (c *Config) Validate() error {
	if c.MaxRetries < 1 {
		return errors.New("MaxRetries must be >= 1")
	}
	if c.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if c.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("BackoffFactor must be >= 1.0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1.0 {
		return errors.New("JitterFactor must be between 0.0 and 1.0")
	}
	return nil
}

// secureFloat64 returns a random float64 in [0.0,1.0)
func secureFloat64() float64 {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		// Fallback to math/rand if crypto/rand fails
		return mathrand.Float64()
	}
	return float64(binary.BigEndian.Uint64(b[:])) / (1 << 64)
}

// delayWithJitter calculates the sleep duration for the given base delay with jitter applied
func delayWithJitter(baseDelay time.Duration, jitterFactor float64) time.Duration {
	sleepDuration := baseDelay
	if jitterFactor > 0 {
		jitter := time.Duration(jitterFactor * float64(baseDelay) * secureFloat64())
		sleepDuration += jitter
	}
	return sleepDuration
}

// nextDelay calculates the next delay value using exponential backoff
func nextDelay(currentDelay time.Duration, backoffFactor float64, maxDelay time.Duration) time.Duration {
	next := time.Duration(float64(currentDelay) * backoffFactor)
	if next > maxDelay {
		next = maxDelay
	}
	return next
}

// Retry executes the given operation with exponential backoff.
// Returns the result of the operation if successful, or the last error once
// all attempts are exhausted.
func Retry[T any](ctx context.Context, operation func() (T, error), config *Config, logger logging.Logger) (T, error) {
	var zero T
	var err error

	if config == nil {
		config = DefaultConfig()
	} else if err := config.Validate(); err != nil {
		return zero, fmt.Errorf("invalid retry config: %w", err)
	}

	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, opErr := operation()
		if opErr == nil {
			return result, nil
		}
		err = opErr

		if config.ShouldRetry != nil && !config.ShouldRetry(err, attempt+1) {
			return zero, err
		}
		if attempt == config.MaxRetries-1 {
			break
		}

		sleepDuration := delayWithJitter(delay, config.JitterFactor)

		if config.LogRetryAttempt {
			logger.Warnf("Attempt %d/%d failed: %v. Retrying in %v...", attempt+1, config.MaxRetries, err, sleepDuration)
		}

		select {
		case <-time.After(sleepDuration):
			delay = nextDelay(delay, config.BackoffFactor, config.MaxDelay)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries, err)
}

// RetryFunc executes an operation that only returns an error.
// This is a convenience wrapper around Retry.
func RetryFunc(ctx context.Context, operation func() error, config *Config, logger logging.Logger) error {
	opWithValue := func() (struct{}, error) {
		return struct{}{}, operation()
	}
	_, err := Retry(ctx, opWithValue, config, logger)
	return err
}
