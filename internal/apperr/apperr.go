// Package apperr defines the error type handlers return to clients.
//
// An Error carries the HTTP status, a machine-readable code and a message
// that is safe to show. Cause is for server-side logs only.
package apperr

import (
	"errors"
	"net/http"
)

type Error struct {
	Status  int
	Code    string
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details string) *Error {
	c := *e
	c.Details = details
	return &c
}

func New(status int, code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

func BadRequest(code, msg string) *Error { return New(http.StatusBadRequest, code, msg) }

func Unauthorized(code, msg string) *Error { return New(http.StatusUnauthorized, code, msg) }

func Forbidden(code, msg string) *Error { return New(http.StatusForbidden, code, msg) }

func NotFound(resource string) *Error {
	return New(http.StatusNotFound, "NOT_FOUND", resource+" not found")
}

func Conflict(code, msg string) *Error { return New(http.StatusConflict, code, msg) }

// Internal wraps an unexpected failure. msg is the client-facing summary;
// cause is logged and never sent.
func Internal(msg string, cause error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: msg,
		Cause:   cause,
	}
}

// As extracts an *Error from err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
