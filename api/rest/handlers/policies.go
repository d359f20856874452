package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/storage"
)

// PolicyHandler serves project and resume-policy endpoints.
type PolicyHandler struct {
	store storage.Store
}

// NewPolicyHandler creates a policy handler.
func NewPolicyHandler(store storage.Store) *PolicyHandler {
	return &PolicyHandler{store: store}
}

// CreateProjectRequest is the body of POST /v1/projects.
type CreateProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateProject handles POST /v1/projects.
func (h *PolicyHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}
	p := &core.Project{Name: req.Name, Description: req.Description}
	if err := h.store.CreateProject(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProject handles GET /v1/projects/{id}.
func (h *PolicyHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PolicyResponse is the API view of a resume policy. Timeouts are exposed
// in seconds.
type PolicyResponse struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"project_id"`
	StateCode         int       `json:"state_code"`
	IsResumable       bool      `json:"is_resumable"`
	Strategy          string    `json:"strategy"`
	RequiredArtifacts []string  `json:"required_artifacts,omitempty"`
	RequiredVariables []string  `json:"required_variables,omitempty"`
	ResumeCommand     string    `json:"resume_command,omitempty"`
	ResumeTimeoutSecs int       `json:"resume_timeout_seconds,omitempty"`
	Description       string    `json:"description,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toPolicyResponse(p *core.ResumePolicy) PolicyResponse {
	return PolicyResponse{
		ID:                p.ID,
		ProjectID:         p.ProjectID,
		StateCode:         p.StateCode,
		IsResumable:       p.IsResumable,
		Strategy:          string(p.Strategy),
		RequiredArtifacts: p.RequiredArtifacts,
		RequiredVariables: p.RequiredVariables,
		ResumeCommand:     p.ResumeCommand,
		ResumeTimeoutSecs: int(p.ResumeTimeout.Seconds()),
		Description:       p.Description,
		Notes:             p.Notes,
		UpdatedAt:         p.UpdatedAt,
	}
}

// UpsertPolicyRequest is the body of PUT /v1/projects/{id}/resume-policies/{state}.
type UpsertPolicyRequest struct {
	IsResumable       bool     `json:"is_resumable"`
	Strategy          string   `json:"strategy,omitempty"`
	RequiredArtifacts []string `json:"required_artifacts,omitempty"`
	RequiredVariables []string `json:"required_variables,omitempty"`
	ResumeCommand     string   `json:"resume_command,omitempty"`
	ResumeTimeoutSecs int      `json:"resume_timeout_seconds,omitempty"`
	Description       string   `json:"description,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// UpsertPolicy handles PUT /v1/projects/{id}/resume-policies/{state}.
func (h *PolicyHandler) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID := vars["id"]
	stateCode, err := strconv.Atoi(vars["state"])
	if err != nil || stateCode < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid state code"})
		return
	}
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}

	var req UpsertPolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	strategy := core.ResumeStrategy(req.Strategy)
	if strategy == "" {
		strategy = core.ResumeRerunState
	}
	p := &core.ResumePolicy{
		ProjectID:         projectID,
		StateCode:         stateCode,
		IsResumable:       req.IsResumable,
		Strategy:          strategy,
		RequiredArtifacts: req.RequiredArtifacts,
		RequiredVariables: req.RequiredVariables,
		ResumeCommand:     req.ResumeCommand,
		ResumeTimeout:     time.Duration(req.ResumeTimeoutSecs) * time.Second,
		Description:       req.Description,
		Notes:             req.Notes,
	}
	if err := h.store.UpsertResumePolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyResponse(p))
}

// GetPolicy handles GET /v1/projects/{id}/resume-policies/{state}.
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stateCode, err := strconv.Atoi(vars["state"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid state code"})
		return
	}
	p, err := h.store.GetResumePolicy(r.Context(), vars["id"], stateCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyResponse(p))
}

// ListPolicies handles GET /v1/projects/{id}/resume-policies.
func (h *PolicyHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	ps, err := h.store.ListResumePolicies(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]PolicyResponse, 0, len(ps))
	for i := range ps {
		out = append(out, toPolicyResponse(&ps[i]))
	}
	writeJSON(w, http.StatusOK, out)
}
