// Package storage defines the persistence contract for the buildstate
// engine and its GORM implementation. All cross-operation invariants
// (single build pointer, unique artifact names, at-most-one-in-flight
// resume request) are enforced here as conditional writes against the
// store, not as in-process locks, because callers may be separate machines.
package storage

import (
	"context"
	"time"

	"github.com/bldst/buildstate/pkg/core"
)

// BuildFilter narrows ListBuilds.
type BuildFilter struct {
	ProjectID string
	Platform  string
	Status    core.BuildStatus
	Limit     int
}

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	StateCode   *int
	Type        string
	IsResumable *bool
	IsFinal     *bool
}

// Store is the persistence layer for the engine.
type Store interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Projects
	CreateProject(ctx context.Context, p *core.Project) error
	GetProject(ctx context.Context, id string) (*core.Project, error)

	// Build registry
	CreateBuild(ctx context.Context, b *core.Build) error
	GetBuild(ctx context.Context, id string) (*core.Build, error)
	ListBuilds(ctx context.Context, f BuildFilter) ([]*core.Build, error)
	// AdvanceBuild moves the pointer fromState -> toState as a conditional
	// write; it fails with a ConflictError when a concurrent writer moved
	// the pointer first.
	AdvanceBuild(ctx context.Context, buildID string, fromState, toState int, status core.BuildStatus) error
	// FreezeBuild marks the build failed without touching the pointer.
	FreezeBuild(ctx context.Context, buildID string) error

	// State ledger (append-only)
	AppendTransition(ctx context.Context, t *core.StateTransition) error
	ListTransitions(ctx context.Context, buildID string, limit int) ([]core.StateTransition, error)
	HighestCompletedState(ctx context.Context, buildID string) (int, bool, error)
	LatestFailedTransition(ctx context.Context, buildID string) (*core.StateTransition, error)
	CountTransitions(ctx context.Context, buildID string, state int, status core.TransitionStatus) (int64, error)

	// Artifact registry
	CreateArtifact(ctx context.Context, a *core.Artifact) error
	GetArtifact(ctx context.Context, id string) (*core.Artifact, error)
	ListArtifacts(ctx context.Context, buildID string, f ArtifactFilter) ([]core.Artifact, error)
	ListResumableArtifacts(ctx context.Context, buildID string, asOfState *int) ([]core.Artifact, error)
	SoftDeleteArtifact(ctx context.Context, id string) error
	SweepExpiredArtifacts(ctx context.Context, now time.Time) (int64, error)

	// Variable store
	UpsertVariable(ctx context.Context, v *core.Variable) error
	ListVariables(ctx context.Context, buildID string) ([]core.Variable, error)
	RequiredForResume(ctx context.Context, buildID string) ([]core.Variable, error)

	// Resume policy (operator configuration)
	UpsertResumePolicy(ctx context.Context, p *core.ResumePolicy) error
	GetResumePolicy(ctx context.Context, projectID string, stateCode int) (*core.ResumePolicy, error)
	ListResumePolicies(ctx context.Context, projectID string) ([]core.ResumePolicy, error)

	// Resume request tracker (doubles as the dispatch queue)
	CreateResumeRequest(ctx context.Context, r *core.ResumeRequest) error
	GetResumeRequest(ctx context.Context, id string) (*core.ResumeRequest, error)
	ListResumeRequests(ctx context.Context, buildID string) ([]core.ResumeRequest, error)
	ListRequestsByStatus(ctx context.Context, limit int, statuses ...core.RequestStatus) ([]core.ResumeRequest, error)
	ClaimPendingRequest(ctx context.Context, workerID string, lockTTL time.Duration) (*core.ResumeRequest, error)
	MarkTriggered(ctx context.Context, id, jobID, jobURL string) error
	MarkRunning(ctx context.Context, id string) error
	CompleteRequest(ctx context.Context, id string) error
	FailRequest(ctx context.Context, id, errMsg string) error
	RequeueRequest(ctx context.Context, id string, nextAttemptAt time.Time) error
	CancelRequest(ctx context.Context, id string) (*core.ResumeRequest, error)
	ReleaseStaleRequestLocks(ctx context.Context, staleFor time.Duration) (int64, error)
}
