package dispatch

import (
	"context"
	"fmt"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/storage"
)

// Tracker files and inspects resume requests. The at-most-one-in-flight
// invariant lives in the store's conditional insert, not here.
type Tracker struct {
	store storage.Store
}

// NewTracker creates a tracker over the store.
func NewTracker(store storage.Store) *Tracker {
	return &Tracker{store: store}
}

// ResumeSpec describes a requested resume.
type ResumeSpec struct {
	FromState   int
	ToState     *int
	Reason      string
	RequestedBy string
	Source      string
	Platform    string // defaults to the build's platform
}

// Request files a resume request for the build. Fails with
// ErrResumeAlreadyPending when a non-terminal request exists.
func (t *Tracker) Request(ctx context.Context, buildID string, spec ResumeSpec) (*core.ResumeRequest, error) {
	build, err := t.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if spec.FromState < 0 {
		return nil, fmt.Errorf("dispatch: resume_from_state must be >= 0: %w", core.ErrInvalidState)
	}
	if spec.ToState != nil && *spec.ToState <= spec.FromState {
		return nil, fmt.Errorf("dispatch: resume_to_state must be greater than resume_from_state: %w", core.ErrInvalidState)
	}

	platform := spec.Platform
	if platform == "" {
		platform = build.Platform
	}

	req := &core.ResumeRequest{
		BuildID:         buildID,
		ResumeFromState: spec.FromState,
		ResumeToState:   spec.ToState,
		Reason:          spec.Reason,
		RequestedBy:     spec.RequestedBy,
		Source:          spec.Source,
		Platform:        platform,
		Status:          core.RequestPending,
	}
	if err := t.store.CreateResumeRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns a resume request by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*core.ResumeRequest, error) {
	return t.store.GetResumeRequest(ctx, id)
}

// List returns all resume requests for a build, newest first.
func (t *Tracker) List(ctx context.Context, buildID string) ([]core.ResumeRequest, error) {
	if _, err := t.store.GetBuild(ctx, buildID); err != nil {
		return nil, err
	}
	return t.store.ListResumeRequests(ctx, buildID)
}

// Cancel cancels a pending request, or records the cancellation intent on a
// dispatched one.
func (t *Tracker) Cancel(ctx context.Context, id string) (*core.ResumeRequest, error) {
	return t.store.CancelRequest(ctx, id)
}
