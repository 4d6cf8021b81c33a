package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies an error category returned to API callers
type Code string

const (
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeSourceExhausted Code = "SOURCE_EXHAUSTED"
	CodeInvalidAPIKey   Code = "INVALID_API_KEY"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConfiguration   Code = "CONFIGURATION"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL"
)

// Error is the structured error type shared by every gateway service.
// Message is safe to show to callers; Reason and Err stay in the logs.
type Error struct {
	Code    Code
	Message string
	Reason  string

	RetryAfterSeconds int
	Remaining         int

	// Attempted lists provider codes tried before giving up
	Attempted []string
	// Skipped lists provider codes not tried because they were marked down
	Skipped []string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Status maps the error code onto an HTTP status
func (e *Error) Status() int {
	switch e.Code {
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSourceExhausted:
		// nothing was even tried: every provider is marked down
		if len(e.Attempted) == 0 && len(e.Skipped) > 0 {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeConfiguration:
		// rejected operator input such as a source or webhook definition
		return http.StatusUnprocessableEntity
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RateLimited is returned when a caller exceeded its window ceiling
func RateLimited(retryAfter, remaining int) *Error {
	return &Error{
		Code:              CodeRateLimited,
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfter,
		Remaining:         remaining,
	}
}

// SourceExhausted is returned when no provider produced data
func SourceExhausted(attempted, skipped []string, last error) *Error {
	msg := "all data sources failed"
	if len(attempted) == 0 && len(skipped) == 0 {
		msg = "no data source configured"
	} else if len(attempted) == 0 {
		msg = "all data sources are down"
	}
	return &Error{
		Code:      CodeSourceExhausted,
		Message:   msg,
		Attempted: attempted,
		Skipped:   skipped,
		Err:       last,
	}
}

// InvalidAPIKey carries the specific rejection reason for operators.
// Callers only ever see "unauthorized".
func InvalidAPIKey(reason string) *Error {
	return &Error{Code: CodeInvalidAPIKey, Message: "unauthorized", Reason: reason}
}

// Forbidden is a scope rejection (market/path/ip) for a valid key
func Forbidden(reason string) *Error {
	return &Error{Code: CodeForbidden, Message: "forbidden", Reason: reason}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Configuration(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error; the wrapped message is never shown to callers
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// From converts any error into an *Error, wrapping unknown errors as internal
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsCode reports whether err carries the given code anywhere in its chain
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
