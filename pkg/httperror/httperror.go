// Package httperror defines the client-facing error type rendered by the
// error boundary.
package httperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error that carries the HTTP status it should be reported with.
// Message is shown to the client; Err is only logged.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given status and message
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// Wrap creates an Error that keeps the underlying cause for logging
func Wrap(status int, message string, err error) *Error {
	return &Error{Status: status, Message: message, Err: err}
}

func BadRequest(message string) *Error { return New(http.StatusBadRequest, message) }

func Forbidden(message string) *Error { return New(http.StatusForbidden, message) }

func NotFound(message string) *Error { return New(http.StatusNotFound, message) }

func TooManyRequests(message string) *Error { return New(http.StatusTooManyRequests, message) }

// As extracts an *Error from err's chain
func As(err error) (*Error, bool) {
	var herr *Error
	if errors.As(err, &herr) {
		return herr, true
	}
	return nil, false
}

// Body is the JSON body of every error response
type Body struct {
	Message string `json:"message"`
}
