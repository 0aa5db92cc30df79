// Package engerr implements the error taxonomy exchange-facing components
// classify failures into: Validation, RateLimited, Timeout, NetworkTransient,
// ExchangeError, DataIntegrity, RiskReject and Fatal.
package engerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error classes components must distinguish.
type Kind int

const (
	Validation Kind = iota
	RateLimited
	Timeout
	NetworkTransient
	ExchangeError
	DataIntegrity
	RiskReject
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case NetworkTransient:
		return "network_transient"
	case ExchangeError:
		return "exchange_error"
	case DataIntegrity:
		return "data_integrity"
	case RiskReject:
		return "risk_reject"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed error every component-boundary call returns.
type Error struct {
	Kind    Kind
	Code    string // exchange error code, when Kind == ExchangeError
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(k Kind, msg string, wrapped error) *Error {
	return &Error{Kind: k, Message: msg, Wrapped: wrapped}
}

func Validate(msg string) *Error  { return newErr(Validation, msg, nil) }
func RateLimit(msg string) *Error { return newErr(RateLimited, msg, nil) }
func Timedout(msg string) *Error  { return newErr(Timeout, msg, nil) }
func Transient(msg string, wrapped error) *Error {
	return newErr(NetworkTransient, msg, wrapped)
}
func Exchange(code, msg string) *Error {
	return &Error{Kind: ExchangeError, Code: code, Message: msg}
}
func DataBad(msg string) *Error        { return newErr(DataIntegrity, msg, nil) }
func RiskRejected(msg string) *Error   { return newErr(RiskReject, msg, nil) }
func FatalErr(msg string, wrapped error) *Error {
	return newErr(Fatal, msg, wrapped)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, returning ok=false if err isn't an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Retryable reports whether a Kind should generally be retried by a caller
// (the specific retry budget/backoff is the caller's concern, not this package's).
func (k Kind) Retryable() bool {
	switch k {
	case RateLimited, Timeout, NetworkTransient:
		return true
	default:
		return false
	}
}
