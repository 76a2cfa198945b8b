// Package retry re-runs repository writes with exponential backoff and
// computes the delay before a task raising a system error is re-invoked.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/davidroman0O/orca/errors"
)

// Operation is one attempt of a write
type Operation func(ctx context.Context) error

// Config shapes the backoff between attempts
type Config struct {
	// MaxAttempts counts the first attempt. Values below 1 mean a single attempt.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxJitter is the upper bound of the random delay added to each backoff
	MaxJitter time.Duration

	// Retryable decides whether a failed attempt is tried again. Nil retries
	// every error.
	Retryable func(error) bool

	// OnRetry is called before sleeping for the next attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig is used for repository writes
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxJitter:    100 * time.Millisecond,
	}
}

// ExhaustedError is returned once every attempt failed. It unwraps to the
// last error so its code survives.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsExhausted reports whether err came from running out of attempts
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Do runs op until it succeeds. An error rejected by cfg.Retryable is
// returned as is; a cancelled context stops the loop with ErrCancelled.
func Do(ctx context.Context, cfg Config, op Operation) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCancelled, "retry interrupted")
		}

		last = op(ctx)
		if last == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}

		delay := Delay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, last)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCancelled, "retry interrupted during backoff")
	case <-timer.C:
		return nil
	}
}

// Delay returns the backoff following the given failed attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, plus jitter.
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		return 0
	}

	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.MaxJitter > 0 {
		delay += float64(cfg.MaxJitter) * rand.Float64()
	}
	return time.Duration(delay)
}
