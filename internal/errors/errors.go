package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUpstream     = errors.New("upstream unavailable")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeUpstream   ErrorType = "upstream"
	ErrorTypeAuth       ErrorType = "auth"
)

// LicenseError is a structured error for license lifecycle operations.
type LicenseError struct {
	Type    ErrorType
	Op      string // Operation that failed (e.g., "issue_trial", "verify")
	Key     string // License key if applicable
	Message string // Client-safe message
	Err     error  // Underlying error
}

func (e *LicenseError) Error() string {
	detail := e.Message
	if e.Err != nil {
		if detail != "" {
			detail = fmt.Sprintf("%s: %v", detail, e.Err)
		} else {
			detail = e.Err.Error()
		}
	}
	if e.Key != "" {
		return fmt.Sprintf("%s failed for %s: %s", e.Op, e.Key, detail)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, detail)
}

func (e *LicenseError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *LicenseError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrUpstream:
		return e.Type == ErrorTypeUpstream
	}

	return errors.Is(e.Err, target)
}

// Validation reports malformed caller input.
func Validation(op, message string) error {
	return &LicenseError{Type: ErrorTypeValidation, Op: op, Message: message}
}

// NotFound reports an unknown key or session.
func NotFound(op, key, message string) error {
	return &LicenseError{Type: ErrorTypeNotFound, Op: op, Key: key, Message: message}
}

// Conflict reports a state clash such as a device mismatch or an already-active license.
func Conflict(op, key, message string) error {
	return &LicenseError{Type: ErrorTypeConflict, Op: op, Key: key, Message: message}
}

// Upstream wraps a store, payment provider or email failure.
func Upstream(op, key string, err error) error {
	return &LicenseError{Type: ErrorTypeUpstream, Op: op, Key: key, Err: err}
}

// Unauthorized reports a missing or mismatched privileged credential.
func Unauthorized(op string) error {
	return &LicenseError{Type: ErrorTypeAuth, Op: op, Message: "unauthorized"}
}

// TypeOf returns the category of err, or "" when err carries none.
func TypeOf(err error) ErrorType {
	var le *LicenseError
	if errors.As(err, &le) {
		return le.Type
	}
	return ""
}

// HTTPStatus maps an error onto the response code the HTTP layer should use.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message that is safe to show to callers.
// Upstream and untyped errors always collapse to fallback.
func PublicMessage(err error, fallback string) string {
	var le *LicenseError
	if !errors.As(err, &le) {
		return fallback
	}
	switch le.Type {
	case ErrorTypeUpstream:
		return fallback
	case ErrorTypeAuth:
		return "unauthorized"
	}
	if le.Message == "" {
		return fallback
	}
	return le.Message
}

// IsRetryable reports whether retrying the same operation may succeed.
func IsRetryable(err error) bool {
	return TypeOf(err) == ErrorTypeUpstream
}
