package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func recordingSleeper(sleeps *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func(int) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoRetriesThenSucceedsWithBackoff(t *testing.T) {
	attempts := 0
	var sleeps []time.Duration
	err := Do(context.Background(), Config{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		Sleeper:    recordingSleeper(&sleeps),
	}, func(int) error {
		attempts++
		if attempts < 3 {
			return &RetryableError{Err: errors.New("temporary")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	wantSleeps := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
	}
	if len(sleeps) != len(wantSleeps) {
		t.Fatalf("expected %d sleeps, got %d", len(wantSleeps), len(sleeps))
	}
	for i, got := range sleeps {
		if got != wantSleeps[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, wantSleeps[i], got)
		}
	}
}

func TestDoDoesNotRetryUnmarkedErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxRetries: 5}, func(int) error {
		attempts++
		return errors.New("plain failure")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt for unmarked error, got %d", attempts)
	}
}

func TestDoHonorsShouldRetry(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{
		MaxRetries: 3,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, errStop)
		},
	}, func(int) error {
		attempts++
		return &RetryableError{Err: errors.New("non-retryable")}
	})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected no retries, got %d attempts", attempts)
	}
}

var errStop = errors.New("stop")

func TestDoUsesCustomDelayFunc(t *testing.T) {
	attempts := 0
	var sleeps []time.Duration
	err := Do(context.Background(), Config{
		MaxRetries: 3,
		BaseDelay:  10 * time.Millisecond,
		DelayFunc: func(attempt int, _ error) time.Duration {
			return time.Duration(attempt+1) * time.Second
		},
		Sleeper: recordingSleeper(&sleeps),
	}, func(int) error {
		attempts++
		if attempts < 3 {
			return &RetryableError{Err: errors.New("again")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	wantSleeps := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(sleeps) != len(wantSleeps) {
		t.Fatalf("expected %d sleeps, got %d", len(wantSleeps), len(sleeps))
	}
	for i, got := range sleeps {
		if got != wantSleeps[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, wantSleeps[i], got)
		}
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, Config{
		MaxRetries: 5,
		BaseDelay:  1 * time.Millisecond,
	}, func(int) error {
		attempts++
		cancel()
		return &RetryableError{Err: errors.New("fail")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected stop after first attempt due to cancel, got %d", attempts)
	}
}

func TestSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected Sleep to return promptly on cancel")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
		ok     bool
	}{
		{name: "seconds", header: "10", want: 10 * time.Second, ok: true},
		{name: "zero seconds", header: "0", want: 0, ok: true},
		{name: "padded", header: " 2 ", want: 2 * time.Second, ok: true},
		{name: "empty", header: "", ok: false},
		{name: "garbage", header: "soon", ok: false},
		{name: "negative", header: "-3", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.header)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRetryAfterDelayParsesHTTPDate(t *testing.T) {
	now := time.Now()
	header := now.Add(3 * time.Second).UTC().Format(http.TimeFormat)
	fb := 1 * time.Second
	got := RetryAfterDelay(header, fb)
	if got < 2*time.Second || got > 4*time.Second {
		t.Fatalf("expected about 3s, got %v", got)
	}
}

func TestRetryAfterDelayFallbackOnInvalid(t *testing.T) {
	fb := 2 * time.Second
	got := RetryAfterDelay("not-a-date", fb)
	if got != fb {
		t.Fatalf("expected fallback %v, got %v", fb, got)
	}
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("base")
	r := &RetryableError{Err: base}
	if !IsRetryable(r) {
		t.Fatalf("expected retryable")
	}
	wrapped := fmt.Errorf("wrap: %w", r)
	if !IsRetryable(wrapped) {
		t.Fatalf("expected wrapped retryable")
	}
	if IsRetryable(base) {
		t.Fatalf("expected non-retryable base")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected RetryableError to unwrap to its cause")
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	lastErr := &RetryableError{Err: errors.New("last")}
	var sleeps []time.Duration
	err := Do(context.Background(), Config{
		MaxRetries: 2,
		BaseDelay:  1 * time.Millisecond,
		Sleeper:    recordingSleeper(&sleeps),
	}, func(int) error {
		return lastErr
	})
	if !errors.Is(err, lastErr) {
		t.Fatalf("expected lastErr, got %v", err)
	}
	if len(sleeps) != 1 {
		t.Fatalf("expected 1 sleep between 2 attempts, got %d", len(sleeps))
	}
}
