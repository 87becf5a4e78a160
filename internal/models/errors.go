package models

import (
	"errors"
	"net/http"
)

// ErrorCode is the machine readable classification of an AppError.
type ErrorCode string

const (
	ErrorCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrorCodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	ErrorCodeExternalAPI    ErrorCode = "EXTERNAL_API_ERROR"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeInternal       ErrorCode = "INTERNAL_SERVER_ERROR"
)

// AppError is an error with an HTTP status and optional context for the caller.
type AppError struct {
	Code    ErrorCode
	Status  int
	Message string
	Context map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// ValidationError reports missing or malformed input.
func ValidationError(message string) *AppError {
	return &AppError{Code: ErrorCodeValidation, Status: http.StatusBadRequest, Message: message}
}

// AuthenticationError reports a failed token or signature check.
func AuthenticationError(message string) *AppError {
	return &AppError{Code: ErrorCodeAuthentication, Status: http.StatusUnauthorized, Message: message}
}

// ExternalAPIError reports a non-2xx or error payload from a remote service.
func ExternalAPIError(message string, err error, context map[string]any) *AppError {
	return &AppError{Code: ErrorCodeExternalAPI, Status: http.StatusBadGateway, Message: message, Err: err, Context: context}
}

// NotFoundError reports a missing resource.
func NotFoundError(message string) *AppError {
	return &AppError{Code: ErrorCodeNotFound, Status: http.StatusNotFound, Message: message}
}

// AsAppError extracts an AppError from err, or wraps it as an internal error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{Code: ErrorCodeInternal, Status: http.StatusInternalServerError, Message: "Internal Server Error", Err: err}
}
