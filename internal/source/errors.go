package source

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrProviderUnavailable covers network failures, timeouts and open breakers.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderError covers non-2xx replies and malformed payloads.
	ErrProviderError = errors.New("provider error")
)

// Error is returned by adapters. Match the kind with errors.Is.
type Error struct {
	Provider   string
	Kind       error
	StatusCode int
	Err        error

	// RetryAfter is the upstream's requested backoff on a 429, or zero.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unavailable wraps err as ErrProviderUnavailable.
func Unavailable(provider string, err error) error {
	return &Error{Provider: provider, Kind: ErrProviderUnavailable, Err: err}
}

// Failed wraps err as ErrProviderError. status may be zero.
func Failed(provider string, status int, err error) error {
	return &Error{Provider: provider, Kind: ErrProviderError, StatusCode: status, Err: err}
}

// Retryable reports whether another attempt could succeed: transport
// failures, 429 and 5xx.
func Retryable(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	if errors.Is(se.Kind, ErrProviderUnavailable) {
		return true
	}
	return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
}

// StatusCode extracts the upstream HTTP status, or zero.
func StatusCode(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// RetryAfter returns the backoff an upstream asked for, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var se *Error
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}
