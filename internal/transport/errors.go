package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed exchange.
type Kind string

const (
	// KindTransport covers network failures, timeouts, 408, 429 and 5xx.
	// It is the only retryable kind.
	KindTransport Kind = "transport"

	// KindUnauthenticated (401) must trigger session renewal upstream.
	KindUnauthenticated Kind = "unauthenticated"

	// KindForbidden (403) is permanent for the call.
	KindForbidden Kind = "forbidden"

	// KindCircuitOpen means the breaker rejected the call without contacting
	// the endpoint.
	KindCircuitOpen Kind = "circuit_open"

	// KindRejected covers other 4xx statuses and malformed responses.
	KindRejected Kind = "rejected"
)

// Error is returned for every failed sync exchange.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sync transport: %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("sync transport: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport
}

// KindOf returns the kind of a transport error, or "" if err is not one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsUnauthenticated returns true if err is or wraps a 401 failure.
func IsUnauthenticated(err error) bool { return KindOf(err) == KindUnauthenticated }

// IsForbidden returns true if err is or wraps a 403 failure.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// IsCircuitOpen returns true if err is or wraps a breaker rejection.
func IsCircuitOpen(err error) bool { return KindOf(err) == KindCircuitOpen }

// IsRetryable returns true if err is or wraps a retryable transport error.
func IsRetryable(err error) bool { return KindOf(err) == KindTransport }

// countsAgainstCircuit is the breaker failure predicate: only failures that
// say something about endpoint health open the circuit.
func countsAgainstCircuit(err error) bool {
	return err != nil && IsRetryable(err)
}

// statusError maps a non-2xx response to an Error.
func statusError(status int, body string) *Error {
	err := fmt.Errorf("%s: %s", http.StatusText(status), body)
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindUnauthenticated, Status: status, Err: err}
	case status == http.StatusForbidden:
		return &Error{Kind: KindForbidden, Status: status, Err: err}
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &Error{Kind: KindTransport, Status: status, Err: err}
	default:
		return &Error{Kind: KindRejected, Status: status, Err: err}
	}
}
