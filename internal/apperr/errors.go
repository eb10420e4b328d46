// Package apperr defines the error kinds surfaced by control plane services
// and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAccessDenied        Kind = "access_denied"
	KindNotFound            Kind = "not_found"
	KindTenantScopeRequired Kind = "tenant_scope_required"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

// Error is a classified service error
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.NotFound("")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a validation error
func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

// AccessDenied returns an access denied error
func AccessDenied(format string, args ...interface{}) *Error {
	return newf(KindAccessDenied, format, args...)
}

// NotFound returns a not found error
func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

// TenantScopeRequired returns an error for requests missing a tenant scope
func TenantScopeRequired(format string, args ...interface{}) *Error {
	return newf(KindTenantScopeRequired, format, args...)
}

// Conflict returns a conflict error
func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

// Internal wraps err as an internal error
func Internal(err error, format string, args ...interface{}) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, or KindInternal if it is unclassified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps err onto a response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAccessDenied, KindTenantScopeRequired:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to a client.
// Internal errors never expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}
