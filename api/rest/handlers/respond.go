// Package handlers implements the HTTP handlers for the buildstate API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bldst/buildstate/pkg/core"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps engine errors to HTTP statuses: lookups to 404, invariant
// violations to 409, bad input to 400, anything else to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrBuildNotFound),
		errors.Is(err, core.ErrProjectNotFound),
		errors.Is(err, core.ErrArtifactNotFound),
		errors.Is(err, core.ErrPolicyNotFound),
		errors.Is(err, core.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateArtifact),
		errors.Is(err, core.ErrResumeAlreadyPending),
		errors.Is(err, core.ErrStateRegression),
		errors.Is(err, core.ErrBuildExists),
		errors.Is(err, core.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, core.ErrChecksumRequired),
		errors.Is(err, core.ErrInvalidState):
		return http.StatusBadRequest
	}
	var conflict *core.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}
