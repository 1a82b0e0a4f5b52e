// Package errors defines the node's error taxonomy and the helpers used to
// translate it into HTTP responses and log fields.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the kind of failure, independent of the message text.
type Code string

const (
	CodeBadRequest          Code = "BadRequest"
	CodeUnauthorized        Code = "Unauthorized"
	CodeNotFound            Code = "NotFound"
	CodeQuotaExceeded       Code = "QuotaExceeded"
	CodeQueueFull           Code = "QueueFull"
	CodeTimeout             Code = "Timeout"
	CodeContainerUnavailable Code = "ContainerUnavailable"
	CodeExecFailed          Code = "ExecFailed"
	CodeConsensusRejected   Code = "ConsensusRejected"
	CodeStateApplyFailed    Code = "StateApplyFailed"
	CodeConfigInvalid       Code = "ConfigInvalid"
	CodeInternal            Code = "Internal"
)

var httpStatus = map[Code]int{
	CodeBadRequest:           http.StatusBadRequest,
	CodeUnauthorized:         http.StatusUnauthorized,
	CodeNotFound:             http.StatusNotFound,
	CodeQuotaExceeded:        http.StatusTooManyRequests,
	CodeQueueFull:            http.StatusServiceUnavailable,
	CodeTimeout:              http.StatusGatewayTimeout,
	CodeContainerUnavailable: http.StatusServiceUnavailable,
	CodeExecFailed:           http.StatusBadGateway,
	CodeConsensusRejected:    http.StatusServiceUnavailable,
	CodeStateApplyFailed:     http.StatusInternalServerError,
	CodeConfigInvalid:        http.StatusInternalServerError,
	CodeInternal:             http.StatusInternalServerError,
}

// ServiceError is the concrete error type every component returns for
// expected failure conditions. Handlers render it uniformly; internal
// callers switch on Code.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a structured detail field and returns the receiver
// for chaining.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// IsFatal reports whether this error class should abort the node process.
// Only StateApplyFailed is fatal: per spec, the replicated log must never
// diverge from the applied state.
func (e *ServiceError) IsFatal() bool {
	return e.Code == CodeStateApplyFailed
}

func newErr(code Code, msg string, cause error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    msg,
		HTTPStatus: httpStatus[code],
		cause:      cause,
	}
}

func BadRequest(msg string) *ServiceError    { return newErr(CodeBadRequest, msg, nil) }
func Unauthorized(msg string) *ServiceError  { return newErr(CodeUnauthorized, msg, nil) }
func NotFound(msg string) *ServiceError      { return newErr(CodeNotFound, msg, nil) }
func QuotaExceeded(msg string) *ServiceError { return newErr(CodeQuotaExceeded, msg, nil) }

func QueueFull() *ServiceError {
	return newErr(CodeQueueFull, "pending transaction queue is full", nil)
}

func Timeout(msg string) *ServiceError { return newErr(CodeTimeout, msg, nil) }

func ContainerUnavailable(msg string) *ServiceError {
	return newErr(CodeContainerUnavailable, msg, nil)
}

func ExecFailed(msg string, cause error) *ServiceError {
	return newErr(CodeExecFailed, msg, cause)
}

func ConsensusRejected(msg string) *ServiceError {
	return newErr(CodeConsensusRejected, msg, nil)
}

func StateApplyFailed(msg string, cause error) *ServiceError {
	return newErr(CodeStateApplyFailed, msg, cause)
}

func ConfigInvalid(msg string) *ServiceError { return newErr(CodeConfigInvalid, msg, nil) }

func Internal(msg string, cause error) *ServiceError {
	return newErr(CodeInternal, msg, cause)
}

// GetServiceError unwraps err looking for a *ServiceError, returning nil if
// none is found anywhere in the chain.
func GetServiceError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
