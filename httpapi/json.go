package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deepnoodle-ai/conveyor"
)

type errorResponse struct {
	Error string `json:"error"`
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&errorResponse{Error: message})
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps runtime sentinels onto HTTP status codes. Unknown errors
// are reported as 500 with a generic message to avoid leaking internals.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conveyor.ErrNotFound):
		jsonError(w, http.StatusNotFound, "not found")
	case errors.Is(err, conveyor.ErrUnauthorized):
		jsonError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, conveyor.ErrTokenExpired):
		jsonError(w, http.StatusUnauthorized, "token expired")
	case errors.Is(err, conveyor.ErrForbidden):
		jsonError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, conveyor.ErrNotPaused):
		// A resumable job is identified by being paused; one that is not
		// paused is not there to resume.
		jsonError(w, http.StatusNotFound, "job is not paused")
	case errors.Is(err, conveyor.ErrNotTerminal):
		jsonError(w, http.StatusConflict, "job is not terminal")
	case errors.Is(err, conveyor.ErrBadRequest), conveyor.IsConfigError(err):
		jsonError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
	}
}
