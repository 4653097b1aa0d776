// Package apperror defines the typed errors that cross layer boundaries.
//
// Services return *AppError values wrapping one of the sentinels below.
// The HTTP layer maps the sentinel to a status code with errors.Is, and uses
// Message as the human-readable text. Anything that is not an *AppError is
// treated as an internal failure and never shown to the client.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoCredits    = errors.New("no credits")

	// Image-generation provider failures. The provider distinguishes these,
	// so the client gets a distinct category for each.
	ErrProvider            = errors.New("provider failure")
	ErrProviderQuota       = errors.New("provider quota exceeded")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderRejected    = errors.New("provider rejected request")
)

type AppError struct {
	Err     error  // sentinel, matched with errors.Is
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s already exists: %s", resource, id),
	}
}

// Forbidden means the caller is authenticated but does not own the resource.
// HTTP handlers map this to 403.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized means the caller could not be authenticated. The message must
// not reveal which check failed.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// NoCredits is returned by the generation gate when the balance is empty.
func NoCredits() *AppError {
	return &AppError{
		Err:     ErrNoCredits,
		Message: "No credits remaining. Upgrade your plan to keep creating coloring pages.",
	}
}

// Provider wraps an image-generation failure in one of the provider sentinels.
// The underlying cause is logged by the caller, not carried in Message.
func Provider(kind error, message string) *AppError {
	return &AppError{
		Err:     kind,
		Message: message,
	}
}
