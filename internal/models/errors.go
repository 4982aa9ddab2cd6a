package models

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable reason surfaced to callers.
type ErrorCode string

const (
	CodeInvalidInput       ErrorCode = "invalid_input"
	CodeValidationFailed   ErrorCode = "validation_failed"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
	CodeTimeout            ErrorCode = "timeout"
	CodeCancelled          ErrorCode = "cancelled"
	CodeNotFound           ErrorCode = "not_found"
	CodeInternal           ErrorCode = "internal"
)

// AppError carries an error code, a short tag identifying the failing
// component, and optional structured metadata.
type AppError struct {
	Code     ErrorCode              `json:"code"`
	Tag      string                 `json:"tag"`
	Message  string                 `json:"message"`
	Cause    error                  `json:"-"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Tag, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Tag, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

func newAppError(code ErrorCode, tag, message string) *AppError {
	return &AppError{Code: code, Tag: tag, Message: message}
}

func NewInputError(tag, message string) *AppError {
	return newAppError(CodeInvalidInput, tag, message)
}

func NewValidationError(tag, message string) *AppError {
	return newAppError(CodeValidationFailed, tag, message)
}

func NewServiceError(tag, message string) *AppError {
	return newAppError(CodeServiceUnavailable, tag, message)
}

func NewTimeoutError(tag, message string) *AppError {
	return newAppError(CodeTimeout, tag, message)
}

func NewCancelledError(tag, message string) *AppError {
	return newAppError(CodeCancelled, tag, message)
}

func NewNotFoundError(tag, message string) *AppError {
	return newAppError(CodeNotFound, tag, message)
}

func NewInternalError(tag, message string) *AppError {
	return newAppError(CodeInternal, tag, message)
}

// CodeOf extracts the error code, defaulting to internal for plain errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
