package sms

import (
	"fmt"
	"net/http"
)

// ErrorCode classifies a failed turn for the webhook handler.
type ErrorCode string

const (
	ErrorInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	ErrorPersistence    ErrorCode = "PERSISTENCE_ERROR"
)

// Error is returned by Process when a turn cannot be accepted.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("sms: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("sms: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus is the status code the provider should see for this error.
func (e *Error) HTTPStatus() int {
	if e != nil && e.Code == ErrorInvalidPayload {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
