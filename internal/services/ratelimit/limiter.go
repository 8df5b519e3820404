// Package ratelimit gates outbound API calls with a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ochronus/pan123/internal/services/retry"
)

const (
	DefaultMaxRequests     = 100
	DefaultPerMilliseconds = 60000
	DefaultMaxRetries      = 3
)

// Config describes the bucket: MaxRequests tokens refilled evenly over
// PerMilliseconds, and how many local waits Wait may perform before giving up.
type Config struct {
	MaxRequests     int
	PerMilliseconds int64
	MaxRetries      int
}

// Error is returned when Wait runs out of local retries.
type Error struct {
	MaxRetries int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded: no token available after %d retries", e.MaxRetries)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for refill arithmetic.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithSleeper overrides how Wait suspends between admission checks.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.sleep = sleep
	}
}

// Limiter is safe for concurrent use by all requests of one client.
type Limiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	cfg     Config
	perMs   float64
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	log     *logrus.Entry
	waitFor time.Duration
}

// New builds a full bucket. A non-positive MaxRequests or PerMilliseconds
// falls back to the defaults; a negative MaxRetries is treated as zero.
func New(cfg Config, logger *logrus.Logger, opts ...Option) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.PerMilliseconds <= 0 {
		cfg.PerMilliseconds = DefaultPerMilliseconds
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = logrus.New()
	}

	l := &Limiter{
		cfg:   cfg,
		perMs: float64(cfg.MaxRequests) / float64(cfg.PerMilliseconds),
		now:   time.Now,
		sleep: retry.Sleep,
		log:   logger.WithField("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}

	// One token's worth of refill, rounded up to whole milliseconds.
	l.waitFor = time.Duration(math.Ceil(1/l.perMs)) * time.Millisecond
	l.bucket = l.newBucket()
	return l
}

func (l *Limiter) newBucket() *rate.Limiter {
	b := rate.NewLimiter(rate.Limit(l.perMs*1000), l.cfg.MaxRequests)
	// Pin the refill clock to the injected time source with the bucket full.
	b.SetBurstAt(l.now(), l.cfg.MaxRequests)
	return b
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// WaitDuration is the pause between admission checks.
func (l *Limiter) WaitDuration() time.Duration {
	return l.waitFor
}

// Wait takes one token, sleeping up to MaxRetries times for the bucket to
// refill. It returns *Error when no token became available, or the context
// error if ctx ends while sleeping.
func (l *Limiter) Wait(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if l.take() {
			return nil
		}
		if attempt >= l.cfg.MaxRetries {
			l.log.WithField("max_retries", l.cfg.MaxRetries).Warn("Rate limit retries exhausted")
			return &Error{MaxRetries: l.cfg.MaxRetries}
		}

		l.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"wait":    l.waitFor,
		}).Debug("Bucket empty, waiting for refill")

		if err := l.sleep(ctx, l.waitFor); err != nil {
			return err
		}
	}
}

func (l *Limiter) take() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.AllowN(l.now(), 1)
}

// Available reports the tokens currently in the bucket after lazy refill.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucket.TokensAt(l.now())
}

// Reset refills the bucket to capacity and restarts the refill clock.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bucket = l.newBucket()
	l.log.Debug("Rate limiter reset")
}
