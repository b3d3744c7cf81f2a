// Package apperr defines Vicky's wire error shape: a stable Kind plus a
// human message, so the HTTP API can map any internal failure to the right
// status code without switching on error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for status-code mapping and metrics labeling.
type Kind string

const (
	// KindNotFound: the referenced task, lock, template, or user does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict: the request collides with existing state (a task
	// template with the same name already exists).
	KindConflict Kind = "conflict"
	// KindInvalidTemplate: template instantiation failed validation
	// (templates.TemplateError).
	KindInvalidTemplate Kind = "invalid_template"
	// KindInvalidState: the requested transition is not valid for the
	// task's current status (e.g. finishing a task that isn't RUNNING).
	KindInvalidState Kind = "invalid_state"
	// KindUnauthenticated: no usable bearer token was presented.
	KindUnauthenticated Kind = "unauthenticated"
	// KindForbidden: the authenticated subject's role may not perform
	// the requested operation.
	KindForbidden Kind = "forbidden"
	// KindBadRequest: the request body or query parameters are malformed.
	KindBadRequest Kind = "bad_request"
	// KindInternal: an unexpected failure in storage, the object store,
	// or elsewhere below the API boundary.
	KindInternal Kind = "internal"
)

// Error is the error type returned across package boundaries in Vicky's
// server. Wrap a lower-level cause with Wrap; callers compare Kind (via
// errors.As) rather than the message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind carrying cause as its Unwrap
// target, so errors.Is/errors.As still see through to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it is, or wraps, an *Error; otherwise
// it returns KindInternal, the safe default for unclassified failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrNotFound    = New(KindNotFound, "not found")
	ErrForbidden   = New(KindForbidden, "forbidden")
	ErrUnauthenticated = New(KindUnauthenticated, "unauthenticated")
)
