package faulttolerance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitBreakerState is one of closed, open or half-open.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	MaxFailures      int           // consecutive failures before opening
	Timeout          time.Duration // open period before a half-open probe
	SuccessThreshold int           // probe successes needed to close
	Name             string

	// IsFailure decides which errors count against the upstream. nil
	// counts every error. Errors it rejects are returned but leave the
	// breaker as it was.
	IsFailure func(error) bool
}

// BreakerStats is a point-in-time view of a breaker, exposed on /health.
type BreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Since           time.Time `json:"since"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	Trips           uint64    `json:"trips"`
	Rejected        uint64    `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

// CircuitBreaker stops calling an upstream after MaxFailures consecutive
// failures and probes it again once Timeout has passed.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger logrus.FieldLogger
	now    func() time.Time

	mutex           sync.Mutex
	state           CircuitBreakerState
	since           time.Time
	failures        int
	successes       int
	trips           uint64
	rejected        uint64
	lastFailureTime time.Time
}

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

func NewCircuitBreaker(config CircuitBreakerConfig, logger logrus.FieldLogger) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Name == "" {
		config.Name = "CircuitBreaker"
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		logger: logger,
		now:    time.Now,
	}
	cb.since = cb.now()
	return cb
}

// Execute runs fn unless the breaker is open. Cancellation of ctx is not
// counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		return err
	}
	if err != nil && cb.config.IsFailure != nil && !cb.config.IsFailure(err) {
		cb.record(nil)
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != StateOpen {
		return true
	}
	if cb.now().Sub(cb.lastFailureTime) > cb.config.Timeout {
		cb.setState(StateHalfOpen)
		cb.successes = 0
		return true
	}
	cb.rejected++
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err == nil {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.trip()
		cb.logger.Warnf("[%s] probe failed, circuit breaker open again: %v", cb.config.Name, err)
	case cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
		cb.trip()
		cb.logger.Warnf("[%s] circuit breaker opened after %d failures: %v", cb.config.Name, cb.failures, err)
	}
}

// trip and setState must be called with the mutex held.
func (cb *CircuitBreaker) trip() {
	cb.trips++
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	if cb.state == state {
		return
	}
	cb.logger.Infof("[%s] circuit breaker %s -> %s", cb.config.Name, cb.state, state)
	cb.state = state
	cb.since = cb.now()
}

func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetStats() BreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return BreakerStats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Since:           cb.since,
		Failures:        cb.failures,
		Successes:       cb.successes,
		Trips:           cb.trips,
		Rejected:        cb.rejected,
		LastFailureTime: cb.lastFailureTime,
	}
}
