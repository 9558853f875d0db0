// Package errors carries the coded error type shared by the HTTP layer and the
// pipeline workers. A Code decides the HTTP status of a failure and whether the
// relay or consumer should try again.
package errors

import (
	stdErrors "errors"
	"net/http"
	"strings"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeCouponNotUsable        Code = "COUPON_NOT_USABLE"
	CodePublishFailure         Code = "PUBLISH_FAILURE"
	CodeHandlerFailure         Code = "HANDLER_FAILURE"
	CodeReconciliationAnomaly  Code = "RECONCILIATION_ANOMALY"
)

// Metadata is what the outside world learns about a code.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

const (
	permanent = false
	transient = true
	opaque    = false
	detailed  = true
)

func meta(status int, retryable bool, public string, details bool) Metadata {
	return Metadata{HTTPStatus: status, Retryable: retryable, PublicMessage: public, DetailsAllowed: details}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    meta(http.StatusBadRequest, permanent, "validation failed", detailed),
	CodeUnauthorized:  meta(http.StatusUnauthorized, permanent, "authentication required", opaque),
	CodeForbidden:     meta(http.StatusForbidden, permanent, "access denied", opaque),
	CodeNotFound:      meta(http.StatusNotFound, permanent, "resource not found", opaque),
	CodeConflict:      meta(http.StatusConflict, permanent, "conflict detected", opaque),
	CodeStateConflict: meta(http.StatusUnprocessableEntity, permanent, "state transition disallowed", detailed),
	CodeInternal:      meta(http.StatusInternalServerError, transient, "internal server error", opaque),
	CodeDependency:    meta(http.StatusServiceUnavailable, transient, "dependency unavailable", detailed),

	CodeConcurrentModification: meta(http.StatusConflict, transient, "resource was modified concurrently", opaque),
	CodeCouponNotUsable:        meta(http.StatusUnprocessableEntity, permanent, "coupon cannot be used", detailed),
	CodePublishFailure:         meta(http.StatusServiceUnavailable, transient, "event publish failed", opaque),
	CodeHandlerFailure:         meta(http.StatusServiceUnavailable, transient, "event handler failed", opaque),
	CodeReconciliationAnomaly:  meta(http.StatusConflict, permanent, "payment state could not be reconciled", detailed),
}

// MetadataFor falls back to the internal error entry for unknown codes.
func MetadataFor(code Code) Metadata {
	if m, ok := metadataByCode[code]; ok {
		return m
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded failure. The zero value is not useful; build one with New
// or Wrap. Nil receivers are tolerated so callers can chain on As results.
type Error struct {
	code      Code
	message   string
	details   any
	cause     error
	retryable *bool
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches a code to err. A nil err yields a plain New.
func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

// WithRetryable overrides the retry hint of the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	if e != nil {
		e.retryable = &retryable
	}
	return e
}

func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return MetadataFor(e.code).Retryable
	}
}

// Error renders "CODE: message: cause", dropping empty parts.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.code))
	if e.message != "" {
		b.WriteString(": ")
		b.WriteString(e.message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error with the same code and message, so sentinels
// built with New work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && t.code == e.code && t.message == e.message
}

// As returns the outermost *Error in the chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsRetryable treats uncoded errors as transient infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if typed := As(err); typed != nil {
		return typed.Retryable()
	}
	return true
}

func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}
