package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrInvalidRequest    ErrorType = "INVALID_REQUEST"
	ErrInvalidAllocation ErrorType = "INVALID_ALLOCATION"
	ErrNoData            ErrorType = "NO_DATA"
	ErrNotFound          ErrorType = "NOT_FOUND"
	ErrAuthFailed        ErrorType = "AUTHENTICATION_ERROR"
	ErrForbidden         ErrorType = "FORBIDDEN"
	ErrRateLimited       ErrorType = "RATE_LIMIT_EXCEEDED"
	ErrCannotReallocate  ErrorType = "CANNOT_REALLOCATE"
	ErrReallocation      ErrorType = "REALLOCATION_ERROR"
	ErrOptimization      ErrorType = "OPTIMIZATION_ERROR"
	ErrCoordination      ErrorType = "COORDINATION_ERROR"
	ErrMonitoring        ErrorType = "MONITORING_ERROR"
	ErrConfiguration     ErrorType = "CONFIGURATION_ERROR"
	ErrData              ErrorType = "DATA_ERROR"
	ErrInternal          ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"error"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest, ErrInvalidAllocation:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNoData, ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimited, ErrCannotReallocate:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
