package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/storage"
)

// VariableHandler serves the variable store endpoints.
type VariableHandler struct {
	store storage.Store
}

// NewVariableHandler creates a variable handler.
func NewVariableHandler(store storage.Store) *VariableHandler {
	return &VariableHandler{store: store}
}

// SetVariableRequest is the body of PUT /v1/builds/{id}/variables/{key}.
type SetVariableRequest struct {
	Value               string `json:"value"`
	Type                string `json:"type,omitempty"`
	SetAtState          int    `json:"set_at_state,omitempty"`
	IsSensitive         bool   `json:"is_sensitive"`
	IsRequiredForResume bool   `json:"is_required_for_resume"`
}

// VariableResponse masks sensitive values at the API boundary.
type VariableResponse struct {
	BuildID             string    `json:"build_id"`
	Key                 string    `json:"key"`
	Value               string    `json:"value"`
	Type                string    `json:"type"`
	SetAtState          int       `json:"set_at_state"`
	IsSensitive         bool      `json:"is_sensitive"`
	IsRequiredForResume bool      `json:"is_required_for_resume"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toVariableResponse(v *core.Variable) VariableResponse {
	return VariableResponse{
		BuildID:             v.BuildID,
		Key:                 v.Key,
		Value:               v.DisplayValue(),
		Type:                v.Type,
		SetAtState:          v.SetAtState,
		IsSensitive:         v.IsSensitive,
		IsRequiredForResume: v.IsRequiredForResume,
		UpdatedAt:           v.UpdatedAt,
	}
}

// SetVariable handles PUT /v1/builds/{id}/variables/{key} (upsert).
func (h *VariableHandler) SetVariable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	buildID, key := vars["id"], vars["key"]

	var req SetVariableRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := h.store.GetBuild(r.Context(), buildID); err != nil {
		writeError(w, err)
		return
	}

	v := &core.Variable{
		BuildID:             buildID,
		Key:                 key,
		Value:               req.Value,
		Type:                req.Type,
		SetAtState:          req.SetAtState,
		IsSensitive:         req.IsSensitive,
		IsRequiredForResume: req.IsRequiredForResume,
	}
	if err := h.store.UpsertVariable(r.Context(), v); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVariableResponse(v))
}

// ListVariables handles GET /v1/builds/{id}/variables.
func (h *VariableHandler) ListVariables(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["id"]
	if _, err := h.store.GetBuild(r.Context(), buildID); err != nil {
		writeError(w, err)
		return
	}
	vars, err := h.store.ListVariables(r.Context(), buildID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]VariableResponse, 0, len(vars))
	for i := range vars {
		out = append(out, toVariableResponse(&vars[i]))
	}
	writeJSON(w, http.StatusOK, out)
}
