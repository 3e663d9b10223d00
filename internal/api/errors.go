package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kalambet/opencoding/internal/annotation"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Error types reported in the "type" field of error bodies.
const (
	errInvalidRequest = "invalid_request_error"
	errValidation     = "validation_error"
	errConflict       = "conflict_error"
	errNotFound       = "not_found"
	errTooLarge       = "payload_too_large"
	errAPI            = "api_error"
	errAuth           = "authentication_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"detail": fmt.Sprintf(format, args...),
		"type":   errType,
	})
}

func validationFailed(w http.ResponseWriter, verr *annotation.ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": "annotation failed validation",
		"type":   errValidation,
		"errors": verr.Errors,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
