package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/dispatch"
	"github.com/bldst/buildstate/pkg/orchestrator"
)

func triggerRequest() dispatch.TriggerRequest {
	return dispatch.TriggerRequest{
		IdempotencyKey:  "req-1",
		BuildID:         "build-1",
		ResumeFromState: 20,
		Strategy:        core.ResumeFromArtifact,
		ResumeCommand:   "imgbuild resume",
		ResumeTimeout:   30 * time.Minute,
		Artifacts: []core.Artifact{{
			Name: "disk-snapshot", Type: "snapshot", StateCode: 15, Checksum: "sha256:abc",
		}},
		Variables: map[string]string{"instance_id": "i-123"},
	}
}

func TestWebhook_TriggerJob(t *testing.T) {
	var gotAuth, gotKey string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": "pipeline-42", "job_url": "https://ci/p/42",
		})
	}))
	defer server.Close()

	wh := orchestrator.NewWebhook(orchestrator.WebhookConfig{
		TriggerURL: server.URL,
		StatusURL:  server.URL,
		Token:      "tok",
	})

	ref, err := wh.TriggerJob(context.Background(), triggerRequest())
	require.NoError(t, err)
	assert.Equal(t, "pipeline-42", ref.ID)
	assert.Equal(t, "https://ci/p/42", ref.URL)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "req-1", gotKey)
	assert.Equal(t, "build-1", gotBody["build_id"])
	assert.Equal(t, float64(20), gotBody["resume_from_state"])
	assert.Equal(t, float64(1800), gotBody["timeout_seconds"])
	assert.Equal(t, "i-123", gotBody["variables"].(map[string]any)["instance_id"])
}

func TestWebhook_TriggerServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	wh := orchestrator.NewWebhook(orchestrator.WebhookConfig{TriggerURL: server.URL, StatusURL: server.URL})
	_, err := wh.TriggerJob(context.Background(), triggerRequest())
	require.Error(t, err)
	assert.True(t, dispatch.IsRetryable(err))
}

func TestWebhook_TriggerClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	wh := orchestrator.NewWebhook(orchestrator.WebhookConfig{TriggerURL: server.URL, StatusURL: server.URL})
	_, err := wh.TriggerJob(context.Background(), triggerRequest())
	require.Error(t, err)
	assert.False(t, dispatch.IsRetryable(err))
}

func TestWebhook_PollJobMapsPlatformStates(t *testing.T) {
	cases := map[string]dispatch.JobState{
		"queued":      dispatch.JobPending,
		"in_progress": dispatch.JobRunning,
		"passed":      dispatch.JobSucceeded,
		"timed_out":   dispatch.JobFailed,
		"weird":       dispatch.JobPending,
	}

	var status string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/job-7", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer server.Close()

	wh := orchestrator.NewWebhook(orchestrator.WebhookConfig{
		TriggerURL: server.URL,
		StatusURL:  server.URL + "/status",
	})

	for platformStatus, want := range cases {
		status = platformStatus
		got, err := wh.PollJob(context.Background(), "job-7")
		require.NoError(t, err)
		assert.Equal(t, want, got.State, "platform status %q", platformStatus)
	}
}

func TestWebhook_CancelJob(t *testing.T) {
	var cancelledPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancelledPath = r.URL.Path
	}))
	defer server.Close()

	wh := orchestrator.NewWebhook(orchestrator.WebhookConfig{
		TriggerURL: server.URL,
		StatusURL:  server.URL,
		CancelURL:  server.URL + "/cancel",
	})
	require.NoError(t, wh.CancelJob(context.Background(), "job-7"))
	assert.Equal(t, "/cancel/job-7", cancelledPath)

	// No cancel URL configured means cancel is unsupported.
	noCancel := orchestrator.NewWebhook(orchestrator.WebhookConfig{TriggerURL: server.URL, StatusURL: server.URL})
	assert.Error(t, noCancel.CancelJob(context.Background(), "job-7"))
}
