package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/dispatch"
	"github.com/bldst/buildstate/pkg/resume"
)

// ResumeHandler serves resume-context and resume-request endpoints.
type ResumeHandler struct {
	builder *resume.Builder
	tracker *dispatch.Tracker
}

// NewResumeHandler creates a resume handler.
func NewResumeHandler(builder *resume.Builder, tracker *dispatch.Tracker) *ResumeHandler {
	return &ResumeHandler{builder: builder, tracker: tracker}
}

// ContextResponse is the API view of a resume context. Sensitive variable
// values are masked; the dispatcher hands the real values to the
// orchestration target out of band.
type ContextResponse struct {
	BuildID            string            `json:"build_id"`
	CurrentState       int               `json:"current_state"`
	LastCompletedState int               `json:"last_completed_state"`
	FailedState        *int              `json:"failed_state,omitempty"`
	ResumeFromState    int               `json:"resume_from_state"`
	Resumable          bool              `json:"resumable"`
	Incomplete         bool              `json:"incomplete"`
	Reason             string            `json:"reason,omitempty"`
	MissingArtifacts   []string          `json:"missing_artifacts,omitempty"`
	MissingVariables   []string          `json:"missing_variables,omitempty"`
	Strategy           string            `json:"strategy,omitempty"`
	ResumeCommand      string            `json:"resume_command,omitempty"`
	ResumeTimeoutSecs  int               `json:"resume_timeout_seconds,omitempty"`
	Artifacts          []core.Artifact   `json:"artifacts"`
	Variables          map[string]string `json:"variables"`
}

// GetContext handles GET /v1/builds/{id}/resume-context.
func (h *ResumeHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	rc, err := h.builder.Build(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ContextResponse{
		BuildID:            rc.BuildID,
		CurrentState:       rc.CurrentState,
		LastCompletedState: rc.LastCompletedState,
		FailedState:        rc.FailedState,
		ResumeFromState:    rc.ResumeFromState,
		Resumable:          rc.Resumable,
		Incomplete:         rc.Incomplete,
		Reason:             rc.Reason,
		MissingArtifacts:   rc.MissingArtifacts,
		MissingVariables:   rc.MissingVariables,
		Strategy:           string(rc.Strategy),
		ResumeCommand:      rc.ResumeCommand,
		ResumeTimeoutSecs:  int(rc.ResumeTimeout.Seconds()),
		Artifacts:          rc.Artifacts,
		Variables:          rc.VariableMap(true),
	})
}

// RequestResumeBody is the body of POST /v1/builds/{id}/resume.
type RequestResumeBody struct {
	FromState   int    `json:"from_state"`
	ToState     *int   `json:"to_state,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
	Source      string `json:"source,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// RequestResponse is the API view of a resume request.
type RequestResponse struct {
	ID              string     `json:"id"`
	BuildID         string     `json:"build_id"`
	ResumeFromState int        `json:"resume_from_state"`
	ResumeToState   *int       `json:"resume_to_state,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	RequestedBy     string     `json:"requested_by,omitempty"`
	Source          string     `json:"source,omitempty"`
	Status          string     `json:"status"`
	Platform        string     `json:"platform,omitempty"`
	JobID           string     `json:"job_id,omitempty"`
	JobURL          string     `json:"job_url,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toRequestResponse(req *core.ResumeRequest) RequestResponse {
	return RequestResponse{
		ID:              req.ID,
		BuildID:         req.BuildID,
		ResumeFromState: req.ResumeFromState,
		ResumeToState:   req.ResumeToState,
		Reason:          req.Reason,
		RequestedBy:     req.RequestedBy,
		Source:          req.Source,
		Status:          string(req.Status),
		Platform:        req.Platform,
		JobID:           req.JobID,
		JobURL:          req.JobURL,
		ErrorMessage:    req.ErrorMessage,
		CancelRequested: req.CancelRequested,
		CreatedAt:       req.CreatedAt,
		CompletedAt:     req.CompletedAt,
	}
}

// RequestResume handles POST /v1/builds/{id}/resume.
func (h *ResumeHandler) RequestResume(w http.ResponseWriter, r *http.Request) {
	var body RequestResumeBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := h.tracker.Request(r.Context(), mux.Vars(r)["id"], dispatch.ResumeSpec{
		FromState:   body.FromState,
		ToState:     body.ToState,
		Reason:      body.Reason,
		RequestedBy: body.RequestedBy,
		Source:      body.Source,
		Platform:    body.Platform,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(req))
}

// GetRequest handles GET /v1/resume-requests/{id}.
func (h *ResumeHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.tracker.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

// ListRequests handles GET /v1/builds/{id}/resume-requests.
func (h *ResumeHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.tracker.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]RequestResponse, 0, len(reqs))
	for i := range reqs {
		out = append(out, toRequestResponse(&reqs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelRequest handles POST /v1/resume-requests/{id}/cancel.
func (h *ResumeHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.tracker.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}
