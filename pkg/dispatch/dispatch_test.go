package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/dispatch"
	"github.com/bldst/buildstate/pkg/ledger"
	"github.com/bldst/buildstate/pkg/resume"
	"github.com/bldst/buildstate/pkg/storage"
)

// fakeOrchestrator scripts trigger/poll behavior for one platform.
type fakeOrchestrator struct {
	mu         sync.Mutex
	triggered  []dispatch.TriggerRequest
	cancelled  []string
	triggerErr error
	status     dispatch.JobStatus
	pollErr    error
}

func (f *fakeOrchestrator) TriggerJob(_ context.Context, req dispatch.TriggerRequest) (dispatch.JobRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggerErr != nil {
		return dispatch.JobRef{}, f.triggerErr
	}
	f.triggered = append(f.triggered, req)
	return dispatch.JobRef{ID: fmt.Sprintf("job-%d", len(f.triggered)), URL: "https://ci.example.com/job"}, nil
}

func (f *fakeOrchestrator) PollJob(_ context.Context, _ string) (dispatch.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.pollErr
}

func (f *fakeOrchestrator) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeOrchestrator) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggered)
}

type env struct {
	store      *storage.GormStore
	ledger     *ledger.Ledger
	builder    *resume.Builder
	tracker    *dispatch.Tracker
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	target     *fakeOrchestrator
	project    *core.Project
}

func setup(t *testing.T) *env {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	db.Exec("PRAGMA busy_timeout=5000;")

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	project := &core.Project{Name: "base-images"}
	require.NoError(t, store.CreateProject(context.Background(), project))

	policy := ledger.DefaultStepPolicy()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	target := &fakeOrchestrator{}
	registry := dispatch.NewRegistry()
	registry.Register("gitlab", target)

	builder := resume.NewBuilder(store, policy)
	cfg := dispatch.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BackoffBase = time.Millisecond

	return &env{
		store:      store,
		ledger:     ledger.New(store, policy, quiet),
		builder:    builder,
		tracker:    dispatch.NewTracker(store),
		registry:   registry,
		dispatcher: dispatch.NewDispatcher(store, builder, registry, cfg, quiet),
		target:     target,
		project:    project,
	}
}

// failedBuild creates a build that completed 5..15 and failed at 20, with a
// resumable policy and snapshot in place.
func (e *env) failedBuild(t *testing.T) *core.Build {
	ctx := context.Background()
	b := &core.Build{ProjectID: e.project.ID, Platform: "gitlab"}
	require.NoError(t, e.ledger.CreateBuild(ctx, b))
	for _, state := range []int{5, 10, 15} {
		_, err := e.ledger.Record(ctx, b.ID, state, core.TransitionCompleted, ledger.RecordOptions{})
		require.NoError(t, err)
	}
	_, err := e.ledger.Record(ctx, b.ID, 20, core.TransitionFailed, ledger.RecordOptions{ErrorMessage: "network timeout"})
	require.NoError(t, err)

	require.NoError(t, e.store.UpsertResumePolicy(ctx, &core.ResumePolicy{
		ProjectID:         e.project.ID,
		StateCode:         20,
		IsResumable:       true,
		Strategy:          core.ResumeFromArtifact,
		RequiredArtifacts: []string{"disk-snapshot"},
	}))
	require.NoError(t, e.store.CreateArtifact(ctx, &core.Artifact{
		BuildID:     b.ID,
		StateCode:   15,
		Name:        "disk-snapshot",
		Type:        "snapshot",
		Checksum:    "sha256:abc",
		IsResumable: true,
	}))
	return b
}

func claim(t *testing.T, e *env) *core.ResumeRequest {
	req, err := e.store.ClaimPendingRequest(context.Background(), "test-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func TestTracker_Request(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()

	req, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20, Reason: "transient failure"})
	require.NoError(t, err)
	assert.Equal(t, core.RequestPending, req.Status)
	assert.Equal(t, "gitlab", req.Platform) // defaulted from the build

	// One in flight per build.
	_, err = e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	assert.ErrorIs(t, err, core.ErrResumeAlreadyPending)

	// Validation before any write.
	_, err = e.tracker.Request(ctx, "no-such-build", dispatch.ResumeSpec{FromState: 20})
	assert.ErrorIs(t, err, core.ErrBuildNotFound)

	_, err = e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: -5})
	assert.ErrorIs(t, err, core.ErrInvalidState)

	to := 10
	_, err = e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20, ToState: &to})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestDispatcher_TriggersResumeJob(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()

	require.NoError(t, e.store.UpsertVariable(ctx, &core.Variable{
		BuildID: b.ID, Key: "instance_id", Value: "i-123", IsRequiredForResume: true,
	}))

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)

	e.dispatcher.Dispatch(ctx, claim(t, e))

	require.Equal(t, 1, e.target.triggerCount())
	trigger := e.target.triggered[0]
	assert.Equal(t, filed.ID, trigger.IdempotencyKey)
	assert.Equal(t, 20, trigger.ResumeFromState)
	assert.Equal(t, core.ResumeFromArtifact, trigger.Strategy)
	require.Len(t, trigger.Artifacts, 1)
	assert.Equal(t, "disk-snapshot", trigger.Artifacts[0].Name)
	// The external job receives real values, not masked ones.
	assert.Equal(t, "i-123", trigger.Variables["instance_id"])

	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestTriggered, got.Status)
	assert.NotEmpty(t, got.JobID)
}

func TestDispatcher_IncompleteContextFailsWithoutTrigger(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()

	// Losing the snapshot after filing makes the context incomplete.
	arts, err := e.store.ListArtifacts(ctx, b.ID, storage.ArtifactFilter{})
	require.NoError(t, err)
	require.Len(t, arts, 1)

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)
	require.NoError(t, e.store.SoftDeleteArtifact(ctx, arts[0].ID))

	e.dispatcher.Dispatch(ctx, claim(t, e))

	assert.Equal(t, 0, e.target.triggerCount())
	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "disk-snapshot")

	// The failed dispatch never touches the ledger.
	build, err := e.store.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, build.CurrentState)
}

func TestDispatcher_NoPolicyFails(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	b := &core.Build{ProjectID: e.project.ID, Platform: "gitlab"}
	require.NoError(t, e.ledger.CreateBuild(ctx, b))
	_, err := e.ledger.Record(ctx, b.ID, 5, core.TransitionFailed, ledger.RecordOptions{ErrorMessage: "boom"})
	require.NoError(t, err)

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 5})
	require.NoError(t, err)

	e.dispatcher.Dispatch(ctx, claim(t, e))

	assert.Equal(t, 0, e.target.triggerCount())
	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "resume refused")
}

func TestDispatcher_TransientTriggerFailureRequeues(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()

	e.target.triggerErr = dispatch.Retryable(errors.New("gateway timeout"))

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)

	e.dispatcher.Dispatch(ctx, claim(t, e))

	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestPending, got.Status)
	assert.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, 1, got.DispatchAttempts)
}

func TestDispatcher_PermanentTriggerFailureFailsImmediately(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()

	e.target.triggerErr = errors.New("401 unauthorized")

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)

	e.dispatcher.Dispatch(ctx, claim(t, e))

	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "401")
}

func TestDispatcher_ExhaustedAttemptsFail(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()

	e.target.triggerErr = dispatch.Retryable(errors.New("still down"))

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		req, err := e.store.ClaimPendingRequest(ctx, "test-worker", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, req)
		// Clear the backoff deferral so the next claim is immediate.
		e.dispatcher.Dispatch(ctx, req)
		if i < 2 {
			require.NoError(t, e.store.RequeueRequest(ctx, req.ID, time.Now().UTC().Add(-time.Second)))
		}
	}

	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "dispatch failed after")
}

func TestPoller_ReconcilesJobLifecycle(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()
	poller := dispatch.NewPoller(e.store, e.registry, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)
	e.dispatcher.Dispatch(ctx, claim(t, e))

	// Still pending on the platform: no change.
	e.target.status = dispatch.JobStatus{State: dispatch.JobPending}
	poller.Tick(ctx)
	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestTriggered, got.Status)

	e.target.status = dispatch.JobStatus{State: dispatch.JobRunning}
	poller.Tick(ctx)
	got, err = e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestRunning, got.Status)

	e.target.status = dispatch.JobStatus{State: dispatch.JobSucceeded}
	poller.Tick(ctx)
	got, err = e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestPoller_FailedJobFailsRequest(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()
	poller := dispatch.NewPoller(e.store, e.registry, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)
	e.dispatcher.Dispatch(ctx, claim(t, e))

	e.target.status = dispatch.JobStatus{State: dispatch.JobFailed, Error: "resume script crashed"}
	poller.Tick(ctx)

	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestFailed, got.Status)
	assert.Equal(t, "resume script crashed", got.ErrorMessage)
}

func TestPoller_PollErrorIsRetriedNextTick(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()
	poller := dispatch.NewPoller(e.store, e.registry, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)
	e.dispatcher.Dispatch(ctx, claim(t, e))

	e.target.pollErr = errors.New("status endpoint unavailable")
	poller.Tick(ctx)

	got, err := e.store.GetResumeRequest(ctx, filed.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestTriggered, got.Status)
}

func TestPoller_CancelIntentForwarded(t *testing.T) {
	e := setup(t)
	b := e.failedBuild(t)
	ctx := context.Background()
	poller := dispatch.NewPoller(e.store, e.registry, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	filed, err := e.tracker.Request(ctx, b.ID, dispatch.ResumeSpec{FromState: 20})
	require.NoError(t, err)
	e.dispatcher.Dispatch(ctx, claim(t, e))

	_, err = e.tracker.Cancel(ctx, filed.ID)
	require.NoError(t, err)

	e.target.status = dispatch.JobStatus{State: dispatch.JobRunning}
	poller.Tick(ctx)

	e.target.mu.Lock()
	defer e.target.mu.Unlock()
	assert.Len(t, e.target.cancelled, 1)
}

func TestRetryableError(t *testing.T) {
	base := errors.New("connection refused")
	assert.False(t, dispatch.IsRetryable(base))

	wrapped := dispatch.Retryable(base)
	assert.True(t, dispatch.IsRetryable(wrapped))
	assert.ErrorIs(t, wrapped, base)
}
