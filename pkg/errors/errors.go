// Package errors provides the coded error type shared by planlens packages.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. Transport layers map these onto gRPC status codes.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeMalformedPlan       = "MALFORMED_PLAN"
	CodeMissingPrerequisite = "MISSING_PREREQUISITE"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeInferenceBusy       = "INFERENCE_BUSY"
	CodeUnavailable         = "UNAVAILABLE"
	CodeAlreadyExists       = "ALREADY_EXISTS"
	CodeStoreFailed         = "STORE_FAILED"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error carries a code, a message, optional details and the underlying cause.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the error details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "not found"}
	ErrMalformedPlan       = &Error{Code: CodeMalformedPlan, Message: "malformed plan"}
	ErrMissingPrerequisite = &Error{Code: CodeMissingPrerequisite, Message: "missing prerequisite metric"}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrInferenceBusy       = &Error{Code: CodeInferenceBusy, Message: "inference capability busy"}
	ErrUnavailable         = &Error{Code: CodeUnavailable, Message: "store unavailable"}
)

// New creates an error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates an error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err. Callers must not pass a nil err.
func Wrap(err error, code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps err with a formatted message. Callers must not pass a nil err.
func Wrapf(err error, code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code string) bool {
	var coded *Error
	for err != nil {
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Cause
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsInvalidArgument checks if an error is an invalid argument error.
func IsInvalidArgument(err error) bool {
	return HasCode(err, CodeInvalidArgument)
}

// IsMalformedPlan checks if an error is a plan construction error.
func IsMalformedPlan(err error) bool {
	return HasCode(err, CodeMalformedPlan)
}

// IsMissingPrerequisite checks if an error reports a missing prerequisite metric.
func IsMissingPrerequisite(err error) bool {
	return HasCode(err, CodeMissingPrerequisite)
}

// IsInferenceBusy checks if an error is a gate timeout.
func IsInferenceBusy(err error) bool {
	return HasCode(err, CodeInferenceBusy)
}

// IsUnavailable checks if an error reports an unavailable store.
func IsUnavailable(err error) bool {
	return HasCode(err, CodeUnavailable)
}

// GetCode extracts the outermost error code from an error.
func GetCode(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}
