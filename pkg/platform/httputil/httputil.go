// Package httputil centralizes JSON response writing so every handler emits
// the same error envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "enrolld/pkg/domain-errors"
)

// ErrorResponse is the wire shape for every failure: a stable code plus a
// human-readable message. Internal causes are never serialized.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON writes v with the given status and a JSON content type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into the HTTP error envelope.
// Messages for internal errors are elided so infrastructure details never
// leak to callers.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorDetails(w, err, nil)
}

// WriteErrorDetails is WriteError with a structured details payload, used by
// validation failures to carry the full violation list.
func WriteErrorDetails(w http.ResponseWriter, err error, details any) {
	code := dErrors.CodeOf(err)
	resp := ErrorResponse{Code: string(code), Details: details}
	var de *dErrors.Error
	if code != dErrors.CodeInternal && errors.As(err, &de) {
		resp.Message = de.Message
	}
	WriteJSON(w, StatusOf(code), resp)
}

// StatusOf maps a domain error code to an HTTP status.
func StatusOf(code dErrors.Code) int {
	switch code {
	case dErrors.CodeSessionNotFound:
		return http.StatusNotFound
	case dErrors.CodeInvalidStateTransition:
		return http.StatusConflict
	case dErrors.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case dErrors.CodeConcurrentModification:
		return http.StatusConflict
	case dErrors.CodeEntityCreationFailed:
		return http.StatusBadGateway
	case dErrors.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case dErrors.CodeDuplicateSession:
		return http.StatusConflict
	case dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
