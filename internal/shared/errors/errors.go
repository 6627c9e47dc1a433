package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched with errors.Is across modules.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation error")
	ErrUnavailable  = errors.New("upstream unavailable")
)

// AppError is the error every handler renders as {"error": ...}.
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

func newError(cause error, code string, status int, message string) *AppError {
	return &AppError{Err: cause, Message: message, Code: code, HTTPStatus: status}
}

// NotFound reports a missing encounter, role, entity instance and so on.
func NotFound(resource, id string) *AppError {
	e := newError(ErrNotFound, "NOT_FOUND", http.StatusNotFound, resource+" not found")
	e.Details = map[string]string{"resource": resource, "id": id}
	return e
}

func Unauthorized(message string) *AppError {
	return newError(ErrUnauthorized, "UNAUTHORIZED", http.StatusUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return newError(ErrForbidden, "FORBIDDEN", http.StatusForbidden, message)
}

func BadRequest(message string) *AppError {
	return newError(ErrBadRequest, "BAD_REQUEST", http.StatusBadRequest, message)
}

// Validation carries per-field messages in Details.
func Validation(message string, fields map[string]string) *AppError {
	e := newError(ErrValidation, "VALIDATION_ERROR", http.StatusBadRequest, message)
	e.Details = fields
	return e
}

func Conflict(message string) *AppError {
	return newError(ErrConflict, "CONFLICT", http.StatusConflict, message)
}

// Unavailable reports a failing upstream system (OpenMRS, SMS gateway, store).
func Unavailable(system string, err error) *AppError {
	e := newError(fmt.Errorf("%w: %v", ErrUnavailable, err), "UPSTREAM_UNAVAILABLE",
		http.StatusBadGateway, system+" unavailable")
	e.Details = map[string]string{"system": system}
	return e
}

func Internal(err error) *AppError {
	return newError(err, "INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
}

// Wrap prefixes message onto err. An AppError anywhere in the chain keeps its
// code and status; the original is not modified.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return newError(err, "INTERNAL_ERROR", http.StatusInternalServerError, message)
	}
	wrapped := *appErr
	wrapped.Message = message + ": " + appErr.Message
	return &wrapped
}

// From returns err as an AppError, treating unknown errors as internal.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
