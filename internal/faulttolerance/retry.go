// Package faulttolerance wraps calls to flaky upstreams with retries and
// circuit breaking.
package faulttolerance

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig holds configuration for retry mechanisms
type RetryConfig struct {
	MaxAttempts int           // attempts including the first
	BaseDelay   time.Duration // first backoff
	MaxDelay    time.Duration // backoff ceiling, also caps DelayHint
	Multiplier  float64
	JitterRange float64 // 0.0 to 1.0
	Name        string

	// ShouldRetry decides whether an error is worth another attempt.
	// nil retries every error.
	ShouldRetry func(error) bool

	// DelayHint lets the upstream dictate the next wait, e.g. a
	// Retry-After header on a 429.
	DelayHint func(error) (time.Duration, bool)
}

func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
		Name:        name,
	}
}

type RetryableFunc func() error

// Retryer runs a call up to MaxAttempts times with exponential backoff and
// jitter between attempts.
type Retryer struct {
	config RetryConfig
	logger logrus.FieldLogger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRetryer(config RetryConfig, logger logrus.FieldLogger) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1.0 {
		config.JitterRange = 0.1
	}
	if config.Name == "" {
		config.Name = "Retryer"
	}

	return &Retryer{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done.
func (r *Retryer) Execute(ctx context.Context, fn RetryableFunc) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Debugf("[%s] succeeded on attempt %d", r.config.Name, attempt)
			}
			return nil
		}
		if !r.isRetryable(lastErr) {
			return lastErr
		}
		if attempt >= r.config.MaxAttempts {
			break
		}

		delay := r.nextDelay(attempt, lastErr)
		r.logger.Debugf("[%s] attempt %d failed: %v, retrying in %v", r.config.Name, attempt, lastErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retryer) nextDelay(attempt int, err error) time.Duration {
	if r.config.DelayHint != nil {
		if d, ok := r.config.DelayHint(err); ok && d > 0 {
			return min(d, r.config.MaxDelay)
		}
	}
	return r.calculateDelay(attempt)
}

// calculateDelay is BaseDelay*Multiplier^(attempt-1), capped at MaxDelay,
// with +/- JitterRange applied and never below BaseDelay.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	delay = math.Min(delay, float64(r.config.MaxDelay))

	if r.config.JitterRange > 0 {
		r.mu.Lock()
		jitter := (r.rng.Float64()*2 - 1) * r.config.JitterRange * delay
		r.mu.Unlock()
		delay += jitter
	}

	return time.Duration(math.Max(delay, float64(r.config.BaseDelay)))
}

func (r *Retryer) isRetryable(err error) bool {
	if r.config.ShouldRetry == nil {
		return true
	}
	return r.config.ShouldRetry(err)
}

// ExecuteWithCircuitBreaker runs the whole retry sequence as one breaker call,
// so a burst of retries counts as a single failure.
func (r *Retryer) ExecuteWithCircuitBreaker(ctx context.Context, cb *CircuitBreaker, fn RetryableFunc) error {
	return cb.Execute(ctx, func() error {
		return r.Execute(ctx, fn)
	})
}
