package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ErrorType classifies errors for retry decisions
type ErrorType int

const (
	// Retryable indicates the error is transient and should be retried
	Retryable ErrorType = iota
	// Contended indicates lock contention - use a flat, longer pause
	Contended
	// Permanent indicates the error should not be retried
	Permanent
)

// Classifier is a function that classifies an error
type Classifier func(error) ErrorType

// Options configures retry behavior
type Options struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	ContendedWait time.Duration
	Classifier    Classifier
}

// DefaultDBOptions returns retry options tuned for short SQLite write
// transactions contending with concurrent readers.
func DefaultDBOptions() Options {
	return Options{
		MaxAttempts:   5,
		BackoffBase:   25 * time.Millisecond,
		ContendedWait: 100 * time.Millisecond,
		Classifier:    ClassifySQLite,
	}
}

// maxBackoff caps the maximum backoff duration to prevent overflow
const maxBackoff = 5 * time.Second

// calculateBackoff computes the delay for a given attempt using exponential backoff with jitter
// Formula: delay = base * 2^attempt + jitter(0-25%), capped at maxBackoff
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt))
	delay := time.Duration(float64(base) * multiplier)

	if delay > maxBackoff {
		delay = maxBackoff
	}

	// Add jitter: 0-25% of the delay (math/rand is automatically seeded since Go 1.20)
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}

// Do executes a function with retry logic.
// When MaxAttempts <= 0, retries indefinitely (infinite mode).
func Do(ctx context.Context, opts Options, fn func() error) error {
	var lastErr error
	infinite := opts.MaxAttempts <= 0

	for attempt := 0; infinite || attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		errType := Permanent
		if opts.Classifier != nil {
			errType = opts.Classifier(lastErr)
		}

		switch errType {
		case Permanent:
			return lastErr
		case Contended:
			if err := sleep(ctx, opts.ContendedWait); err != nil {
				return err
			}
		case Retryable:
			// Skip delay on last attempt in finite mode
			if infinite || attempt < opts.MaxAttempts-1 {
				backoff := calculateBackoff(opts.BackoffBase, attempt)
				if err := sleep(ctx, backoff); err != nil {
					return err
				}
			}
		}
	}

	return lastErr
}

// DoWithResult executes a function that returns a value with retry logic.
// When MaxAttempts <= 0, retries indefinitely (infinite mode).
func DoWithResult[T any](ctx context.Context, opts Options, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error
	infinite := opts.MaxAttempts <= 0

	for attempt := 0; infinite || attempt < opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		errType := Permanent
		if opts.Classifier != nil {
			errType = opts.Classifier(lastErr)
		}

		switch errType {
		case Permanent:
			return result, lastErr
		case Contended:
			if err := sleep(ctx, opts.ContendedWait); err != nil {
				return result, err
			}
		case Retryable:
			if infinite || attempt < opts.MaxAttempts-1 {
				backoff := calculateBackoff(opts.BackoffBase, attempt)
				if err := sleep(ctx, backoff); err != nil {
					return result, err
				}
			}
		}
	}

	return result, lastErr
}

// sleep waits for the given duration or until context is cancelled
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
