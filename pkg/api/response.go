package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an engine error onto an HTTP status code.
func StatusFor(err error) int {
	switch engine.ClassOf(err) {
	case engine.ErrorClassValidation, engine.ErrorClassCredential, engine.ErrorClassInvalidState:
		return http.StatusBadRequest
	case engine.ErrorClassAccessDenied:
		return http.StatusForbidden
	case engine.ErrorClassNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: engine.ErrCodeInternal, Message: "internal server error"}

	var ee *engine.EngineError
	if status != http.StatusInternalServerError && errors.As(err, &ee) {
		resp = ErrorResponse{Error: ee.Code, Message: ee.Message, Details: ee.Details}
	} else {
		logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, resp)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="drplane"`)
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "UNAUTHORIZED", Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: engine.ErrCodeValidation, Message: message})
}
