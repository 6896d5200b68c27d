package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common sentinel errors. Package level errors elsewhere wrap one of these so
// the HTTP layer can map them without knowing every domain error.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")
)

// Suggester is implemented by errors that can offer close matches for a name
// the caller got wrong.
type Suggester interface {
	Suggestions() []string
}

// AppError represents an application-specific error with an HTTP status code.
type AppError struct {
	Code    int
	Message string
	Hints   []string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError.
func NewAppError(code int, message string, err error) *AppError {
	appErr := &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
	var s Suggester
	if errors.As(err, &s) {
		appErr.Hints = s.Suggestions()
	}
	return appErr
}

// MapError maps a common error to an AppError with an appropriate HTTP status code.
// The wrapped error text is kept in the message; resolution errors are meant
// for the operator and carry no secrets.
func MapError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, ErrInvalidInput) {
		return NewAppError(http.StatusBadRequest, err.Error(), err)
	}
	if errors.Is(err, ErrNotFound) {
		return NewAppError(http.StatusNotFound, err.Error(), err)
	}
	if errors.Is(err, ErrUnauthorized) {
		return NewAppError(http.StatusUnauthorized, "Unauthorized", err)
	}
	if errors.Is(err, ErrInternal) {
		// Catalog or rule authoring defects.
		return NewAppError(http.StatusInternalServerError, err.Error(), err)
	}

	return NewAppError(http.StatusInternalServerError, "Internal server error", err)
}
