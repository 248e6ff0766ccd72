// Package apperr defines the closed error-kind taxonomy shared across Loom's
// control-plane surfaces, mirroring the kinds every producer (HTTP handlers,
// the provisioner, the secret store, the scheduler) classifies its failures
// into.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error classification.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "already_exists"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindBadRequest          Kind = "bad_request"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
	KindCancelled           Kind = "cancelled"
)

// Error is a typed application error carrying a machine kind, a short code,
// and a human message. The message is what user-facing surfaces render;
// Unwrap exposes the underlying cause for logging, never for display.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

func NotFound(code, message string) *Error      { return New(KindNotFound, code, message) }
func AlreadyExists(code, message string) *Error { return New(KindAlreadyExists, code, message) }
func BadRequest(code, message string) *Error    { return New(KindBadRequest, code, message) }
func Conflict(code, message string) *Error      { return New(KindConflict, code, message) }
func Forbidden(code, message string) *Error     { return New(KindForbidden, code, message) }
func Unauthorized(code, message string) *Error  { return New(KindUnauthorized, code, message) }
func Internal(code string, cause error) *Error {
	return Wrap(KindInternal, code, "internal error", cause)
}

// Retryable reports whether the classified error kind is worth retrying with
// backoff (matches spec's "retriable upstream errors" policy).
func Retryable(kind Kind) bool {
	switch kind {
	case KindUpstreamUnavailable, KindUpstreamTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// As extracts an *Error from err, following the standard errors.As contract.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the classified kind of err, defaulting to KindInternal for
// errors that were never classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
