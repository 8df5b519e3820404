package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// MaxRetries is the total number of attempts (including the first).
	// If zero or negative, DefaultMaxRetries is used.
	MaxRetries int

	// BaseDelay is the starting delay. Each retry is doubled (exponential backoff).
	// If zero, DefaultBaseDelay is used.
	BaseDelay time.Duration

	// DelayFunc, if provided, overrides the backoff calculation per attempt and error.
	// Return a negative duration to skip sleeping for that attempt. Pollers use it
	// to get a fixed interval.
	DelayFunc func(attempt int, err error) time.Duration

	// ShouldRetry, if provided, determines whether to retry based on the returned error.
	// If nil, only errors marked with RetryableError are retried.
	ShouldRetry func(error) bool

	// Sleeper allows tests to override sleeping. If nil, Sleep is used.
	Sleeper func(ctx context.Context, d time.Duration) error
}

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 200 * time.Millisecond
)

// RetryableError marks an error as explicitly retryable.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable error"
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err or any wrapped error is a RetryableError.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

// ParseRetryAfter parses an HTTP Retry-After header value (delay-seconds or
// HTTP-date). ok is false when the header is absent or malformed.
func ParseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}

	if ts, err := http.ParseTime(header); err == nil {
		now := time.Now()
		if ts.After(now) {
			return ts.Sub(now), true
		}
		return 0, true
	}

	return 0, false
}

// RetryAfterDelay parses an HTTP Retry-After header value and returns the advised
// delay. If parsing fails or the header is empty, fallback is returned.
func RetryAfterDelay(header string, fallback time.Duration) time.Duration {
	if d, ok := ParseRetryAfter(header); ok {
		return d
	}
	return fallback
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes op until it succeeds, returns a non-retryable error, or MaxRetries
// attempts have been made, sleeping BaseDelay * 2^attempt (or DelayFunc) between
// attempts. If ctx is canceled, the context error is returned immediately.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = Sleep
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		// Honor cancellation before each attempt.
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		// Stop if we shouldn't retry this error or we're out of attempts.
		if attempt == maxRetries-1 || !shouldRetry(err) {
			return lastErr
		}

		// No jitter for determinism in tests.
		delay := base * time.Duration(1<<attempt)
		if cfg.DelayFunc != nil {
			delay = cfg.DelayFunc(attempt, err)
		}

		if delay < 0 {
			continue
		}

		if err := sleeper(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}
