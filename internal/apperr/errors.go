package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryExpired        Category = "expired"
	CategoryRateLimited    Category = "rate_limited"
	CategoryUpstream       Category = "upstream"
	CategoryStore          Category = "store"
)

// Error is the error type returned across service boundaries. Reason is a
// stable snake_case identifier safe to expose to clients; Cause is internal.
type Error struct {
	Category Category
	Reason   string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on category and reason so sentinels survive wrapping with a cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Reason == t.Reason
}

// WithCause returns a copy of e carrying cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

func New(category Category, reason, message string) *Error {
	return &Error{Category: category, Reason: reason, Message: message}
}

func Wrap(err error, category Category, reason, message string) *Error {
	return &Error{Category: category, Reason: reason, Message: message, Cause: err}
}

func Validation(reason, message string) *Error {
	return New(CategoryValidation, reason, message)
}

func Authentication(reason, message string) *Error {
	return New(CategoryAuthentication, reason, message)
}

func NotFound(reason, message string) *Error {
	return New(CategoryNotFound, reason, message)
}

func Conflict(reason, message string) *Error {
	return New(CategoryConflict, reason, message)
}

func Expired(reason, message string) *Error {
	return New(CategoryExpired, reason, message)
}

func RateLimited(reason, message string) *Error {
	return New(CategoryRateLimited, reason, message)
}

func Upstream(err error, message string) *Error {
	return Wrap(err, CategoryUpstream, "upstream_unavailable", message)
}

func Store(err error) *Error {
	return Wrap(err, CategoryStore, "store_unavailable", "storage temporarily unavailable, retry later")
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func CategoryOf(err error) Category {
	if appErr, ok := As(err); ok {
		return appErr.Category
	}
	return ""
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryUpstream, CategoryStore:
		return true
	}
	return false
}

func HTTPStatus(category Category) int {
	switch category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryExpired:
		return http.StatusGone
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryUpstream:
		return http.StatusBadGateway
	case CategoryStore:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
