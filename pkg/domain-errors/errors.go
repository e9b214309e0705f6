// Package derrors provides code-classified domain errors.
//
// Services return these instead of raw errors so transports can map outcomes
// to status codes without string matching, and so callers can branch on the
// class of failure with Is/HasCode rather than unwrapping concrete types.
package derrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// CodeInvalidInput marks caller errors on a single request (bad
	// parameters, malformed IDs). Not retryable without correction.
	CodeInvalidInput Code = "invalid_input"

	// CodeInvalidConfig marks construction-time configuration violations.
	// Fatal: the component must not be used.
	CodeInvalidConfig Code = "invalid_config"

	// CodeBadRequest marks malformed transport-level requests.
	CodeBadRequest Code = "bad_request"

	// CodeNotFound marks lookups for entities that do not exist.
	CodeNotFound Code = "not_found"

	// CodeUnauthorized marks requests without a valid authenticated subject.
	CodeUnauthorized Code = "unauthorized"

	// CodeRateLimited marks requests rejected by the query rate limiter.
	// Retryable after the window resets.
	CodeRateLimited Code = "rate_limited"

	// CodeBudgetExceeded marks reservations that would overspend a subject's
	// privacy budget. Expected outcome, not retryable until the window moves.
	CodeBudgetExceeded Code = "budget_exceeded"

	// CodeProviderFailed marks failures of the external aggregate provider.
	// Transient and retryable; no budget is consumed.
	CodeProviderFailed Code = "provider_failed"

	// CodeEntropyUnavailable marks failures of the secure randomness source.
	// Fatal for the current query: noise cannot be safely generated.
	CodeEntropyUnavailable Code = "entropy_unavailable"

	// CodeInternal marks unexpected infrastructure failures.
	CodeInternal Code = "internal"
)

// Error is a domain error with a classification code.
type Error struct {
	code Code
	msg  string
	err  error
}

// New creates a domain error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a code and message, preserving the
// cause for errors.Is/As chains.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{code: code, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Message returns the human-readable message without the code prefix.
func (e *Error) Message() string { return e.msg }

// GetCode returns the classification of err, walking the unwrap chain.
// Non-domain errors classify as CodeInternal; nil returns the empty code.
func GetCode(err error) Code {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return GetCode(err) == code
}

// HasCode is an alias for Is kept for call-site readability in tests.
func HasCode(err error, code Code) bool {
	return Is(err, code)
}
