// Package faults defines the error taxonomy shared by every Hearth
// component. Each kind is a distinct type so callers can branch with
// [errors.As] without string matching; all of them wrap an underlying
// cause where one exists.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// ErrServiceNotAllowed is wrapped by the [ConfigurationError] returned
// when a command targets a domain.service pair outside the allowlist.
var ErrServiceNotAllowed = errors.New("service not allowed")

// ConfigurationError reports missing credentials, invalid settings, or
// an allowlist violation. It is never retryable.
type ConfigurationError struct {
	Msg string
	Err error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Err != nil && e.Msg != "" {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error { return e.Err }

// UpstreamError reports a non-2xx response from Home Assistant or a
// text-model provider. Body is truncated by the caller.
type UpstreamError struct {
	Service string // "homeassistant", "ollama", "openai"
	Status  int
	Body    string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Service, e.Status, e.Body)
}

// TimeoutError reports that a bounded external call exceeded its limit.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Limit)
}

// Unwrap returns the underlying cause.
func (e *TimeoutError) Unwrap() error { return e.Err }

// PersistenceError reports a failure in the backing store.
type PersistenceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidationError reports malformed caller input (suggestions,
// patterns, feedback). Field names the offending attribute.
type ValidationError struct {
	Field string
	Msg   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Persistence wraps err as a [PersistenceError]. A nil err yields nil,
// which keeps call sites to a single line.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Invalid constructs a [ValidationError].
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsTimeout reports whether err is (or wraps) a [TimeoutError].
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsValidation reports whether err is (or wraps) a [ValidationError].
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotAllowed reports whether err is an allowlist rejection.
func IsNotAllowed(err error) bool {
	return errors.Is(err, ErrServiceNotAllowed)
}
