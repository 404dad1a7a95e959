package shared

import (
	"errors"
	"net/http"
)

// AppError is the error type surfaced to HTTP callers. StatusCode carries the
// taxonomy: 404 not found, 401/403 authorization, 409 conflict, 503 backing
// store unavailable.
type AppError struct {
	StatusCode int         `json:"code"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

func NewAppError(statusCode int, message string, data interface{}) *AppError {
	return &AppError{StatusCode: statusCode, Message: message, Data: data}
}

func ErrNotFound(message string) *AppError {
	if message == "" {
		message = "Not Found"
	}
	return NewAppError(http.StatusNotFound, message, nil)
}

func ErrUnauthorized(message string) *AppError {
	if message == "" {
		message = "Unauthorized"
	}
	return NewAppError(http.StatusUnauthorized, message, nil)
}

func ErrForbidden(message string) *AppError {
	if message == "" {
		message = "Forbidden"
	}
	return NewAppError(http.StatusForbidden, message, nil)
}

func ErrConflict(message string) *AppError {
	if message == "" {
		message = "Conflict"
	}
	return NewAppError(http.StatusConflict, message, nil)
}

func ErrStoreUnavailable(message string) *AppError {
	if message == "" {
		message = "Backing store unavailable"
	}
	return NewAppError(http.StatusServiceUnavailable, message, nil)
}

func ErrBadRequest(message string) *AppError {
	if message == "" {
		message = "Bad Request"
	}
	return NewAppError(http.StatusBadRequest, message, nil)
}

// GetAppError unwraps err looking for an AppError.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func IsNotFound(err error) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.StatusCode == http.StatusNotFound
}

func IsConflict(err error) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.StatusCode == http.StatusConflict
}

func IsUnauthorized(err error) bool {
	appErr, ok := GetAppError(err)
	return ok && (appErr.StatusCode == http.StatusUnauthorized || appErr.StatusCode == http.StatusForbidden)
}

func IsStoreUnavailable(err error) bool {
	appErr, ok := GetAppError(err)
	return ok && appErr.StatusCode == http.StatusServiceUnavailable
}
