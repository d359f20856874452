package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/ledger"
	"github.com/bldst/buildstate/pkg/storage"
)

// BuildHandler serves build and state-transition endpoints.
type BuildHandler struct {
	store  storage.Store
	ledger *ledger.Ledger
}

// NewBuildHandler creates a build handler.
func NewBuildHandler(store storage.Store, l *ledger.Ledger) *BuildHandler {
	return &BuildHandler{store: store, ledger: l}
}

// CreateBuildRequest is the body of POST /v1/builds.
type CreateBuildRequest struct {
	ProjectID   string `json:"project_id"`
	Platform    string `json:"platform"`
	OSVersion   string `json:"os_version"`
	ImageType   string `json:"image_type"`
	Description string `json:"description"`
	PipelineURL string `json:"pipeline_url"`
	CommitHash  string `json:"commit_hash"`
}

// BuildResponse is the API view of a build.
type BuildResponse struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id,omitempty"`
	Platform     string    `json:"platform"`
	OSVersion    string    `json:"os_version,omitempty"`
	ImageType    string    `json:"image_type,omitempty"`
	Description  string    `json:"description,omitempty"`
	PipelineURL  string    `json:"pipeline_url,omitempty"`
	CommitHash   string    `json:"commit_hash,omitempty"`
	CurrentState int       `json:"current_state"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toBuildResponse(b *core.Build) BuildResponse {
	return BuildResponse{
		ID:           b.ID,
		ProjectID:    b.ProjectID,
		Platform:     b.Platform,
		OSVersion:    b.OSVersion,
		ImageType:    b.ImageType,
		Description:  b.Description,
		PipelineURL:  b.PipelineURL,
		CommitHash:   b.CommitHash,
		CurrentState: b.CurrentState,
		Status:       string(b.Status),
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

// CreateBuild handles POST /v1/builds.
func (h *BuildHandler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	var req CreateBuildRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Platform == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "platform is required"})
		return
	}

	b := &core.Build{
		ProjectID:   req.ProjectID,
		Platform:    req.Platform,
		OSVersion:   req.OSVersion,
		ImageType:   req.ImageType,
		Description: req.Description,
		PipelineURL: req.PipelineURL,
		CommitHash:  req.CommitHash,
	}
	if err := h.ledger.CreateBuild(r.Context(), b); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBuildResponse(b))
}

// GetBuild handles GET /v1/builds/{id}.
func (h *BuildHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBuild(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBuildResponse(b))
}

// ListBuilds handles GET /v1/builds.
func (h *BuildHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	builds, err := h.store.ListBuilds(r.Context(), storage.BuildFilter{
		ProjectID: q.Get("project_id"),
		Platform:  q.Get("platform"),
		Status:    core.BuildStatus(q.Get("status")),
		Limit:     100,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]BuildResponse, 0, len(builds))
	for _, b := range builds {
		out = append(out, toBuildResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// TransitionRequest is the body of POST /v1/builds/{id}/transitions.
type TransitionRequest struct {
	State        int    `json:"state"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// TransitionResponse reports the effect of a recorded transition.
type TransitionResponse struct {
	BuildID      string `json:"build_id"`
	State        int    `json:"state"`
	Outcome      string `json:"outcome"`
	CurrentState int    `json:"current_state"`
	Status       string `json:"status"`
	NextState    *int   `json:"next_state,omitempty"`
	RetryCount   *int   `json:"retry_count,omitempty"`
}

// RecordTransition handles POST /v1/builds/{id}/transitions.
func (h *BuildHandler) RecordTransition(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["id"]
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	outcome, err := h.ledger.Record(r.Context(), buildID, req.State,
		core.TransitionStatus(req.Status), ledger.RecordOptions{
			Message:      req.Message,
			ErrorMessage: req.ErrorMessage,
			ErrorCode:    req.ErrorCode,
		})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := TransitionResponse{BuildID: buildID, State: req.State}
	switch o := outcome.(type) {
	case core.Completed:
		resp.Outcome = "completed"
		resp.CurrentState = o.State
		resp.Status = string(core.BuildInProgress)
		if o.Final {
			resp.Status = string(core.BuildCompleted)
		} else {
			next := o.Next
			resp.NextState = &next
		}
	case core.Failed:
		resp.Outcome = "failed"
		resp.CurrentState = o.FrozenAt
		resp.Status = string(core.BuildFailed)
		retries := o.RetryCount
		resp.RetryCount = &retries
	case core.InProgress:
		resp.Outcome = "in_progress"
		resp.CurrentState = o.State
		resp.Status = string(core.BuildInProgress)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// StateEntry is one ledger row in the state view.
type StateEntry struct {
	State        int       `json:"state"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// StateResponse is the operator view of a build's progress.
type StateResponse struct {
	BuildID        string       `json:"build_id"`
	CurrentState   int          `json:"current_state"`
	Status         string       `json:"status"`
	RetryCount     int          `json:"retry_count"`
	LastTransition time.Time    `json:"last_transition"`
	History        []StateEntry `json:"history"`
}

// GetState handles GET /v1/builds/{id}/state.
func (h *BuildHandler) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.State(r.Context(), mux.Vars(r)["id"], 10)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StateResponse{
		BuildID:        st.Build.ID,
		CurrentState:   st.Build.CurrentState,
		Status:         string(st.Build.Status),
		RetryCount:     st.RetryCount,
		LastTransition: st.Build.UpdatedAt,
		History:        make([]StateEntry, 0, len(st.History)),
	}
	for _, t := range st.History {
		resp.History = append(resp.History, StateEntry{
			State:        t.State,
			Status:       string(t.Status),
			Message:      t.Message,
			ErrorMessage: t.ErrorMessage,
			ErrorCode:    t.ErrorCode,
			RecordedAt:   t.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
