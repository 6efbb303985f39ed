package faulttolerance

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastRetry(name string) RetryConfig {
	cfg := DefaultRetryConfig(name)
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func TestRetryerSucceedsAfterFailures(t *testing.T) {
	r := NewRetryer(fastRetry("test"), quietLogger())

	calls := 0
	err := r.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerGivesUp(t *testing.T) {
	r := NewRetryer(fastRetry("test"), quietLogger())

	calls := 0
	err := r.Execute(context.Background(), func() error {
		calls++
		return errBoom
	})

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryerNonRetryable(t *testing.T) {
	cfg := fastRetry("test")
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, errBoom) }
	r := NewRetryer(cfg, quietLogger())

	calls := 0
	err := r.Execute(context.Background(), func() error {
		calls++
		return errBoom
	})

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRetryerStopsOnCancel(t *testing.T) {
	r := NewRetryer(fastRetry("test"), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Execute(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelayBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, JitterRange: 0.1}
	r := NewRetryer(cfg, quietLogger())

	for attempt := 1; attempt <= 6; attempt++ {
		d := r.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, cfg.BaseDelay)
		assert.LessOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*1.1)+time.Nanosecond)
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Minute, SuccessThreshold: 1, Name: "test"}, quietLogger())
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	fail := func() error { return errBoom }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitBreakerOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.GetState())

	stats := cb.GetStats()
	assert.Equal(t, "test", stats.Name)
	assert.Equal(t, "CLOSED", stats.State)
}

func TestCircuitBreakerReopensFromHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second, SuccessThreshold: 2}, quietLogger())
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	require.Equal(t, StateOpen, cb.GetState())

	now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return ctx.Err() })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestRetryerDelayHint(t *testing.T) {
	cfg := fastRetry("test")
	cfg.MaxDelay = 5 * time.Millisecond
	var hinted []error
	cfg.DelayHint = func(err error) (time.Duration, bool) {
		hinted = append(hinted, err)
		return time.Hour, true
	}
	r := NewRetryer(cfg, quietLogger())

	assert.Equal(t, 5*time.Millisecond, r.nextDelay(1, errBoom))
	assert.Equal(t, []error{errBoom}, hinted)

	cfg.DelayHint = func(error) (time.Duration, bool) { return 0, false }
	r = NewRetryer(cfg, quietLogger())
	d := r.nextDelay(1, errBoom)
	assert.GreaterOrEqual(t, d, cfg.BaseDelay)
	assert.LessOrEqual(t, d, cfg.MaxDelay)
}

func TestCircuitBreakerIsFailure(t *testing.T) {
	errClient := errors.New("bad request")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errClient) },
	}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return errClient }), errClient)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	_ = cb.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitBreakerOpen)

	stats := cb.GetStats()
	assert.Equal(t, uint64(1), stats.Trips)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.False(t, stats.Since.IsZero())
}
