package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is returned by HandleTurn for requests that cannot be served. Reason
// is a stable snake_case token safe to log.
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
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// HTTPStatus maps an error returned by HandleTurn to a response status and
// public error code.
func HTTPStatus(err error) (int, ErrorCode) {
	var ucErr *Error
	if errors.As(err, &ucErr) && ucErr.Code == ErrorInvalidInput {
		return http.StatusBadRequest, ErrorInvalidInput
	}
	return http.StatusInternalServerError, ErrorInternal
}
