package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies recoverable operation failures.
type ErrorKind string

const (
	ErrMissingField        ErrorKind = "MISSING_FIELD"
	ErrInvalidInput        ErrorKind = "INVALID_INPUT"
	ErrNotFound            ErrorKind = "NOT_FOUND"
	ErrInvalidState        ErrorKind = "INVALID_STATE"
	ErrNotAllowed          ErrorKind = "NOT_ALLOWED"
	ErrConstraintViolation ErrorKind = "CONSTRAINT_VIOLATION"
)

// Error is a recoverable domain failure reported back to the caller.
// Details carries structured context (e.g. the violated rail).
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithDetail attaches a structured detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// MissingField reports an absent or empty required argument.
func MissingField(field string) *Error {
	return &Error{
		Kind:    ErrMissingField,
		Message: fmt.Sprintf("required field %q is missing or empty", field),
		Details: map[string]any{"field": field},
	}
}

// InvalidInput reports a value that failed format, bounds or enum validation.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity reference.
func NotFound(kind, id string) *Error {
	return &Error{
		Kind:    ErrNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
		Details: map[string]any{"entityKind": kind, "id": id},
	}
}

// InvalidState reports an operation whose preconditions were not met.
func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidState, Message: fmt.Sprintf(format, args...)}
}

// NotAllowed reports an operation forbidden by a business rule.
func NotAllowed(format string, args ...any) *Error {
	return &Error{Kind: ErrNotAllowed, Message: fmt.Sprintf(format, args...)}
}

// ConstraintViolation reports a submission that violates a configured rail.
func ConstraintViolation(format string, args ...any) *Error {
	return &Error{Kind: ErrConstraintViolation, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or empty string for plain errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// AsError converts err into a *Error, wrapping plain errors as INVALID_STATE.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: ErrInvalidState, Message: err.Error()}
}
