package core

import (
	"errors"
	"fmt"
)

// ErrorClass partitions provider failures for the circuit breaker.
// Only transient failures (timeouts, transport errors, 5xx, unparseable
// responses) count toward opening the circuit.
type ErrorClass int

const (
	// ErrorTransient covers transport errors, HTTP 5xx and timeouts.
	ErrorTransient ErrorClass = iota
	// ErrorPermanent covers HTTP 4xx except 429: a config problem, not a
	// flapping dependency.
	ErrorPermanent
	// ErrorRateLimitedRemote covers HTTP 429 from the provider itself.
	ErrorRateLimitedRemote
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorPermanent:
		return "permanent"
	case ErrorRateLimitedRemote:
		return "rate_limited_remote"
	default:
		return "transient"
	}
}

// ProviderError is the classified failure returned by provider adapters.
type ProviderError struct {
	Provider string
	Class    ErrorClass
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a breaker-countable failure.
func NewTransientError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: ErrorTransient, Err: err}
}

// NewPermanentError wraps err as a non-countable configuration failure.
func NewPermanentError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: ErrorPermanent, Err: err}
}

// NewRemoteRateLimitError wraps a 429 from the provider.
func NewRemoteRateLimitError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: ErrorRateLimitedRemote, Err: err}
}

// ClassifyHTTPStatus maps a provider HTTP status to an error class.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorRateLimitedRemote
	case status >= 400 && status < 500:
		return ErrorPermanent
	default:
		return ErrorTransient
	}
}

// IsCountableFailure reports whether err should increment the circuit
// breaker's consecutive-failure counter.
func IsCountableFailure(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class != ErrorPermanent
	}
	// Unclassified errors (context deadline, parse failures) count.
	return true
}

// ErrInvalidRequest is returned for malformed classification requests.
var ErrInvalidRequest = errors.New("invalid request")
