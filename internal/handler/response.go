package handler

// RESPONSE HELPERS:
// Every JSON response goes through writeJSON, and every error through
// writeError, so the client always sees the same shape:
//
//	{"error": "no_credits", "message": "No credits remaining. ..."}
//
// "error" is a stable machine-readable code; "message" is safe to show to
// the user. Internal failures never leak their cause.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Offending input field for validation errors
}

// writeJSON sends a JSON response with the given status code.
//
// Headers and status must be set before the body: once Encode writes,
// later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorMapping pairs a sentinel with its HTTP status and error code.
// Order matters only in that the first match wins.
var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrUnauthorized, http.StatusUnauthorized, "not_authenticated"},
	{apperror.ErrNoCredits, http.StatusPaymentRequired, "no_credits"},
	{apperror.ErrForbidden, http.StatusForbidden, "access_denied"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrConflict, http.StatusConflict, "conflict"},
	{apperror.ErrProviderRejected, http.StatusUnprocessableEntity, "generation_rejected"},
	{apperror.ErrProviderQuota, http.StatusTooManyRequests, "provider_quota_exceeded"},
	{apperror.ErrProviderUnavailable, http.StatusBadGateway, "provider_unavailable"},
	{apperror.ErrProviderTimeout, http.StatusGatewayTimeout, "provider_timeout"},
	{apperror.ErrProvider, http.StatusBadGateway, "generation_failed"},
}

// writeError maps a domain error to its HTTP status and sends it.
//
// The service layer returns *apperror.AppError values wrapping a sentinel;
// errors.Is walks the chain (including fmt.Errorf %w wrappers) to find it.
// Anything that is not an AppError is an internal failure: the caller has
// already logged it, and the client gets a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, m := range errorMapping {
			if errors.Is(err, m.target) {
				writeJSON(w, m.status, ErrorResponse{
					Error:   m.code,
					Message: appErr.Message,
					Field:   appErr.Field,
				})
				return
			}
		}
	}

	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// fail logs internal failures and writes the error response. AppErrors
// are expected outcomes and are not logged.
func fail(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	}
	writeError(w, err)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperror.ValidationFailed("", "Invalid JSON body")
	}
	return nil
}
