// Package orchestrator provides clients for the CI/CD platforms the engine
// dispatches resume jobs to. Each platform is registered under its name in
// a dispatch.Registry; the generic webhook client covers trigger-URL style
// platforms (GitLab pipeline triggers, Jenkins remote builds, plain
// webhooks).
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/dispatch"
)

// WebhookConfig configures a webhook orchestration target.
type WebhookConfig struct {
	TriggerURL string
	StatusURL  string // job ID is appended as a path segment
	CancelURL  string // optional; job ID appended; empty disables cancel
	Token      string // bearer token, optional
	Timeout    time.Duration
}

// Webhook triggers and polls jobs over plain HTTP+JSON.
type Webhook struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook orchestrator client.
func NewWebhook(config WebhookConfig) *Webhook {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

type triggerPayload struct {
	IdempotencyKey  string            `json:"idempotency_key"`
	BuildID         string            `json:"build_id"`
	ResumeFromState int               `json:"resume_from_state"`
	ResumeToState   *int              `json:"resume_to_state,omitempty"`
	Strategy        string            `json:"strategy"`
	ResumeCommand   string            `json:"resume_command,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	Artifacts       []artifactPayload `json:"artifacts"`
	Variables       map[string]string `json:"variables"`
}

type artifactPayload struct {
	Name              string `json:"name"`
	Type              string `json:"type"`
	StateCode         int    `json:"state_code"`
	StorageBackend    string `json:"storage_backend"`
	StorageRegion     string `json:"storage_region,omitempty"`
	StorageBucket     string `json:"storage_bucket,omitempty"`
	StorageKey        string `json:"storage_key,omitempty"`
	Path              string `json:"path,omitempty"`
	Checksum          string `json:"checksum"`
	ChecksumAlgorithm string `json:"checksum_algorithm"`
	SizeBytes         int64  `json:"size_bytes"`
}

type triggerResponse struct {
	JobID  string `json:"job_id"`
	JobURL string `json:"job_url"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// TriggerJob posts the resume bundle to the trigger URL. The idempotency
// key rides both the payload and a header so retried calls with the same
// logical request do not double-trigger.
func (w *Webhook) TriggerJob(ctx context.Context, req dispatch.TriggerRequest) (dispatch.JobRef, error) {
	payload := triggerPayload{
		IdempotencyKey:  req.IdempotencyKey,
		BuildID:         req.BuildID,
		ResumeFromState: req.ResumeFromState,
		ResumeToState:   req.ResumeToState,
		Strategy:        string(req.Strategy),
		ResumeCommand:   req.ResumeCommand,
		TimeoutSeconds:  int(req.ResumeTimeout.Seconds()),
		Artifacts:       toArtifactPayloads(req.Artifacts),
		Variables:       req.Variables,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return dispatch.JobRef{}, fmt.Errorf("orchestrator: marshal trigger payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.TriggerURL, bytes.NewReader(body))
	if err != nil {
		return dispatch.JobRef{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	w.authorize(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return dispatch.JobRef{}, dispatch.Retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return dispatch.JobRef{}, dispatch.Retryable(fmt.Errorf("orchestrator: trigger returned %s", resp.Status))
	}
	if resp.StatusCode >= 300 {
		return dispatch.JobRef{}, fmt.Errorf("orchestrator: trigger returned %s", resp.Status)
	}

	var out triggerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return dispatch.JobRef{}, fmt.Errorf("orchestrator: decode trigger response: %w", err)
	}
	if out.JobID == "" {
		return dispatch.JobRef{}, fmt.Errorf("orchestrator: trigger response missing job_id")
	}
	return dispatch.JobRef{ID: out.JobID, URL: out.JobURL}, nil
}

// PollJob fetches the job status.
func (w *Webhook) PollJob(ctx context.Context, jobID string) (dispatch.JobStatus, error) {
	url := joinPath(w.config.StatusURL, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return dispatch.JobStatus{}, err
	}
	w.authorize(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return dispatch.JobStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return dispatch.JobStatus{}, fmt.Errorf("orchestrator: status returned %s", resp.Status)
	}

	var out statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return dispatch.JobStatus{}, fmt.Errorf("orchestrator: decode status response: %w", err)
	}
	return dispatch.JobStatus{State: mapJobState(out.Status), Error: out.Error}, nil
}

// CancelJob posts a cancellation, best effort.
func (w *Webhook) CancelJob(ctx context.Context, jobID string) error {
	if w.config.CancelURL == "" {
		return fmt.Errorf("orchestrator: cancel not supported by this target")
	}
	url := joinPath(w.config.CancelURL, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	w.authorize(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator: cancel returned %s", resp.Status)
	}
	return nil
}

func (w *Webhook) authorize(req *http.Request) {
	if w.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.Token)
	}
}

func toArtifactPayloads(artifacts []core.Artifact) []artifactPayload {
	out := make([]artifactPayload, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactPayload{
			Name:              a.Name,
			Type:              a.Type,
			StateCode:         a.StateCode,
			StorageBackend:    a.StorageBackend,
			StorageRegion:     a.StorageRegion,
			StorageBucket:     a.StorageBucket,
			StorageKey:        a.StorageKey,
			Path:              a.Path,
			Checksum:          a.Checksum,
			ChecksumAlgorithm: a.ChecksumAlgorithm,
			SizeBytes:         a.SizeBytes,
		})
	}
	return out
}

func mapJobState(s string) dispatch.JobState {
	switch strings.ToLower(s) {
	case "pending", "created", "queued", "scheduled":
		return dispatch.JobPending
	case "running", "in_progress", "started":
		return dispatch.JobRunning
	case "success", "succeeded", "completed", "passed":
		return dispatch.JobSucceeded
	case "failed", "error", "canceled", "cancelled", "aborted", "timed_out":
		return dispatch.JobFailed
	default:
		return dispatch.JobPending
	}
}

func joinPath(base, segment string) string {
	return strings.TrimRight(base, "/") + "/" + segment
}
