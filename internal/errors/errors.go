// Package apperrors maps domain errors onto the dbrelay error taxonomy and
// renders them as the JSON error envelope used by the HTTP API.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/3leaps/dbrelay/pkg/artifact"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/execstatus"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/monitor"
	"github.com/3leaps/dbrelay/pkg/request"
)

// Code is a taxonomy error code.
type Code string

const (
	CodeNotFound                Code = "NOT_FOUND"
	CodeBadRequest              Code = "BAD_REQUEST"
	CodeIOFailure               Code = "IO_FAILURE"
	CodeProcessExecutionFailure Code = "PROCESS_EXECUTION_FAILURE"
	CodeTimeout                 Code = "TIMEOUT"
	CodeInterrupted             Code = "INTERRUPTED"
	CodeInternal                Code = "INTERNAL_ERROR"
	CodeMethodNotAllowed        Code = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable      Code = "SERVICE_UNAVAILABLE"
)

// HTTPStatus returns the response status for c.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeProcessExecutionFailure:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeInterrupted, CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	}
	return http.StatusInternalServerError
}

// Error is an error carrying an explicit taxonomy code.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails returns e with details attached.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New returns an error with code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches code and message to err.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound returns a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

// BadRequest returns a BAD_REQUEST error.
func BadRequest(format string, args ...any) *Error {
	return New(CodeBadRequest, fmt.Sprintf(format, args...))
}

// ProcessExecutionFailure returns a PROCESS_EXECUTION_FAILURE error.
func ProcessExecutionFailure(format string, args ...any) *Error {
	return New(CodeProcessExecutionFailure, fmt.Sprintf(format, args...))
}

// CodeOf classifies err. Explicit codes win over sentinel matching.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}

	var ioErr *monitor.IOError
	var lineErr *execstatus.LineError
	var pathErr *fs.PathError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, jobregistry.ErrRegistryClosed):
		return CodeInterrupted

	case errors.Is(err, jobregistry.ErrNotFound),
		errors.Is(err, artifact.ErrNotFound),
		errors.Is(err, artifact.ErrBucketNotFound):
		return CodeNotFound

	case errors.Is(err, jobregistry.ErrInvalidState),
		errors.Is(err, jobregistry.ErrInvalidID),
		errors.Is(err, request.ErrValidationFailed),
		errors.Is(err, dbdriver.ErrUnsupported),
		errors.Is(err, dbdriver.ErrNoTables),
		errors.Is(err, dbdriver.ErrTxDone),
		errors.Is(err, artifact.ErrUnsupportedLocation),
		errors.Is(err, artifact.ErrAccessDenied),
		errors.Is(err, artifact.ErrInvalidCredentials):
		return CodeBadRequest

	case errors.As(err, &ioErr), errors.As(err, &lineErr), errors.Is(err, execstatus.ErrInvalidLine):
		return CodeIOFailure
	case errors.Is(err, artifact.ErrUnavailable), errors.Is(err, artifact.ErrThrottled):
		return CodeIOFailure
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.As(err, &pathErr):
		return CodeIOFailure
	}
	return CodeInternal
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	return CodeOf(err).HTTPStatus()
}
