// Package client is a typed HTTP client for the buildstate API, used by the
// bldst CLI and by build pipelines that report progress over REST.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a buildstate server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// Build is the API view of a build.
type Build struct {
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

// CreateBuildRequest registers a new build.
type CreateBuildRequest struct {
	ProjectID   string `json:"project_id"`
	Platform    string `json:"platform"`
	OSVersion   string `json:"os_version,omitempty"`
	ImageType   string `json:"image_type,omitempty"`
	Description string `json:"description,omitempty"`
	PipelineURL string `json:"pipeline_url,omitempty"`
	CommitHash  string `json:"commit_hash,omitempty"`
}

// CreateBuild registers a build at milestone zero.
func (c *Client) CreateBuild(ctx context.Context, req CreateBuildRequest) (*Build, error) {
	var out Build
	if err := c.do(ctx, http.MethodPost, "/v1/builds", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBuild fetches a build by ID.
func (c *Client) GetBuild(ctx context.Context, id string) (*Build, error) {
	var out Build
	if err := c.do(ctx, http.MethodGet, "/v1/builds/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBuilds fetches builds, optionally filtered by query (e.g.
// "status=failed&platform=gitlab").
func (c *Client) ListBuilds(ctx context.Context, query string) ([]Build, error) {
	path := "/v1/builds"
	if query != "" {
		path += "?" + query
	}
	var out []Build
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transition reports a milestone transition.
type Transition struct {
	State        int    `json:"state"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// TransitionResult is the engine's verdict on a reported transition.
type TransitionResult struct {
	BuildID      string `json:"build_id"`
	State        int    `json:"state"`
	Outcome      string `json:"outcome"`
	CurrentState int    `json:"current_state"`
	Status       string `json:"status"`
	NextState    *int   `json:"next_state,omitempty"`
	RetryCount   *int   `json:"retry_count,omitempty"`
}

// RecordTransition reports a state transition for a build.
func (c *Client) RecordTransition(ctx context.Context, buildID string, t Transition) (*TransitionResult, error) {
	var out TransitionResult
	if err := c.do(ctx, http.MethodPost, "/v1/builds/"+buildID+"/transitions", t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StateEntry is one ledger entry in a build's history.
type StateEntry struct {
	State        int       `json:"state"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// BuildState is a build's current position plus recent history.
type BuildState struct {
	BuildID        string       `json:"build_id"`
	CurrentState   int          `json:"current_state"`
	Status         string       `json:"status"`
	RetryCount     int          `json:"retry_count"`
	LastTransition time.Time    `json:"last_transition"`
	History        []StateEntry `json:"history"`
}

// GetState fetches a build's state summary.
func (c *Client) GetState(ctx context.Context, buildID string) (*BuildState, error) {
	var out BuildState
	if err := c.do(ctx, http.MethodGet, "/v1/builds/"+buildID+"/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Artifact is the API view of a registered artifact.
type Artifact struct {
	ID                string            `json:"id"`
	BuildID           string            `json:"build_id"`
	StateCode         int               `json:"state_code"`
	Name              string            `json:"name"`
	Type              string            `json:"type"`
	Path              string            `json:"path,omitempty"`
	StorageBackend    string            `json:"storage_backend,omitempty"`
	StorageRegion     string            `json:"storage_region,omitempty"`
	StorageBucket     string            `json:"storage_bucket,omitempty"`
	StorageKey        string            `json:"storage_key,omitempty"`
	SizeBytes         int64             `json:"size_bytes,omitempty"`
	Checksum          string            `json:"checksum,omitempty"`
	ChecksumAlgorithm string            `json:"checksum_algorithm,omitempty"`
	IsResumable       bool              `json:"is_resumable"`
	IsFinal           bool              `json:"is_final"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// RegisterArtifactRequest records an artifact produced at a milestone.
type RegisterArtifactRequest struct {
	StateCode         int               `json:"state_code"`
	Name              string            `json:"name"`
	Type              string            `json:"type"`
	Path              string            `json:"path,omitempty"`
	StorageBackend    string            `json:"storage_backend,omitempty"`
	StorageRegion     string            `json:"storage_region,omitempty"`
	StorageBucket     string            `json:"storage_bucket,omitempty"`
	StorageKey        string            `json:"storage_key,omitempty"`
	SizeBytes         int64             `json:"size_bytes,omitempty"`
	Checksum          string            `json:"checksum,omitempty"`
	ChecksumAlgorithm string            `json:"checksum_algorithm,omitempty"`
	IsResumable       bool              `json:"is_resumable"`
	IsFinal           bool              `json:"is_final"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RegisterArtifact records an artifact for a build.
func (c *Client) RegisterArtifact(ctx context.Context, buildID string, req RegisterArtifactRequest) (*Artifact, error) {
	var out Artifact
	if err := c.do(ctx, http.MethodPost, "/v1/builds/"+buildID+"/artifacts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListArtifacts fetches a build's artifacts, optionally filtered by query.
func (c *Client) ListArtifacts(ctx context.Context, buildID, query string) ([]Artifact, error) {
	path := "/v1/builds/" + buildID + "/artifacts"
	if query != "" {
		path += "?" + query
	}
	var out []Artifact
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteArtifact soft-deletes an artifact.
func (c *Client) DeleteArtifact(ctx context.Context, artifactID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/artifacts/"+artifactID, nil, nil)
}

// ArtifactStat is an object-store existence check result.
type ArtifactStat struct {
	ArtifactID string `json:"artifact_id"`
	Exists     bool   `json:"exists"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	ETag       string `json:"etag,omitempty"`
}

// StatArtifact checks whether an artifact still exists in its object store.
func (c *Client) StatArtifact(ctx context.Context, artifactID string) (*ArtifactStat, error) {
	var out ArtifactStat
	if err := c.do(ctx, http.MethodGet, "/v1/artifacts/"+artifactID+"/stat", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Variable is the API view of a build variable. Sensitive values arrive
// masked.
type Variable struct {
	BuildID             string    `json:"build_id"`
	Key                 string    `json:"key"`
	Value               string    `json:"value"`
	Type                string    `json:"type"`
	SetAtState          int       `json:"set_at_state"`
	IsSensitive         bool      `json:"is_sensitive"`
	IsRequiredForResume bool      `json:"is_required_for_resume"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// SetVariableRequest sets or replaces a build variable.
type SetVariableRequest struct {
	Value               string `json:"value"`
	Type                string `json:"type,omitempty"`
	SetAtState          int    `json:"set_at_state,omitempty"`
	IsSensitive         bool   `json:"is_sensitive"`
	IsRequiredForResume bool   `json:"is_required_for_resume"`
}

// SetVariable upserts a variable on a build.
func (c *Client) SetVariable(ctx context.Context, buildID, key string, req SetVariableRequest) (*Variable, error) {
	var out Variable
	if err := c.do(ctx, http.MethodPut, "/v1/builds/"+buildID+"/variables/"+key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListVariables fetches a build's variables.
func (c *Client) ListVariables(ctx context.Context, buildID string) ([]Variable, error) {
	var out []Variable
	if err := c.do(ctx, http.MethodGet, "/v1/builds/"+buildID+"/variables", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Project groups builds and owns resume policies.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateProject registers a project.
func (c *Client) CreateProject(ctx context.Context, name, description string) (*Project, error) {
	body := map[string]string{"name": name, "description": description}
	var out Project
	if err := c.do(ctx, http.MethodPost, "/v1/projects", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProject fetches a project by ID.
func (c *Client) GetProject(ctx context.Context, id string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumePolicy is the API view of a per-milestone resume policy.
type ResumePolicy struct {
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

// UpsertPolicyRequest sets or replaces a resume policy for a milestone.
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

// UpsertPolicy sets the resume policy for a project milestone.
func (c *Client) UpsertPolicy(ctx context.Context, projectID string, stateCode int, req UpsertPolicyRequest) (*ResumePolicy, error) {
	var out ResumePolicy
	path := fmt.Sprintf("/v1/projects/%s/resume-policies/%d", projectID, stateCode)
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPolicy fetches the resume policy for a project milestone.
func (c *Client) GetPolicy(ctx context.Context, projectID string, stateCode int) (*ResumePolicy, error) {
	var out ResumePolicy
	path := fmt.Sprintf("/v1/projects/%s/resume-policies/%d", projectID, stateCode)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPolicies fetches all resume policies for a project.
func (c *Client) ListPolicies(ctx context.Context, projectID string) ([]ResumePolicy, error) {
	var out []ResumePolicy
	if err := c.do(ctx, http.MethodGet, "/v1/projects/"+projectID+"/resume-policies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResumeContext is the server's assembled resume context for a build.
type ResumeContext struct {
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
	Artifacts          []Artifact        `json:"artifacts"`
	Variables          map[string]string `json:"variables"`
}

// GetResumeContext fetches the resume context for a build.
func (c *Client) GetResumeContext(ctx context.Context, buildID string) (*ResumeContext, error) {
	var out ResumeContext
	if err := c.do(ctx, http.MethodGet, "/v1/builds/"+buildID+"/resume-context", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeRequest is the API view of a tracked resume request.
type ResumeRequest struct {
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

// RequestResumeSpec files a resume request.
type RequestResumeSpec struct {
	FromState   int    `json:"from_state"`
	ToState     *int   `json:"to_state,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
	Source      string `json:"source,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// RequestResume files a resume request for a build.
func (c *Client) RequestResume(ctx context.Context, buildID string, spec RequestResumeSpec) (*ResumeRequest, error) {
	var out ResumeRequest
	if err := c.do(ctx, http.MethodPost, "/v1/builds/"+buildID+"/resume", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetResumeRequest fetches a resume request by ID.
func (c *Client) GetResumeRequest(ctx context.Context, id string) (*ResumeRequest, error) {
	var out ResumeRequest
	if err := c.do(ctx, http.MethodGet, "/v1/resume-requests/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListResumeRequests fetches all resume requests for a build, newest first.
func (c *Client) ListResumeRequests(ctx context.Context, buildID string) ([]ResumeRequest, error) {
	var out []ResumeRequest
	if err := c.do(ctx, http.MethodGet, "/v1/builds/"+buildID+"/resume-requests", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelResumeRequest cancels a resume request, or flags a dispatched one for
// cancellation.
func (c *Client) CancelResumeRequest(ctx context.Context, id string) (*ResumeRequest, error) {
	var out ResumeRequest
	if err := c.do(ctx, http.MethodPost, "/v1/resume-requests/"+id+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
