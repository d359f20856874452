// Package resume computes what a resuming worker needs: the target
// milestone, the artifacts to restore from, and the variables to rebuild
// environment state. It is strictly read-side and encodes the whole of
// "what does resuming actually require", keeping that logic out of the
// ledger and the dispatcher.
package resume

import (
	"context"
	"errors"
	"time"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/ledger"
	"github.com/bldst/buildstate/pkg/storage"
)

// Context is the immutable bundle a resuming worker consumes.
type Context struct {
	BuildID            string
	ProjectID          string
	Platform           string
	CurrentState       int
	LastCompletedState int
	FailedState        *int
	ResumeFromState    int

	// Resumable is false when no policy permits resuming the target
	// milestone. Incomplete is true when required artifacts or variables
	// are missing; an incomplete context must never be dispatched.
	Resumable  bool
	Incomplete bool
	Reason     string

	MissingArtifacts []string
	MissingVariables []string

	Strategy      core.ResumeStrategy
	ResumeCommand string
	ResumeTimeout time.Duration

	Artifacts []core.Artifact
	Variables []core.Variable
}

// Builder aggregates ledger, artifact registry, variable store and resume
// policy into resume contexts. It performs no writes and is safe for
// concurrent use.
type Builder struct {
	store  storage.Store
	policy ledger.StepPolicy
}

// NewBuilder creates a context builder.
func NewBuilder(store storage.Store, policy ledger.StepPolicy) *Builder {
	if policy.Step <= 0 {
		policy = ledger.DefaultStepPolicy()
	}
	return &Builder{store: store, policy: policy}
}

// Build computes the resume context for a build.
//
// The target milestone is the most recent failed one when the build is
// failed, otherwise the successor of the last completed milestone. The
// builder never invents a strategy: absence of a policy, or a policy with
// IsResumable false, yields Resumable == false and the caller must fall
// back to a full restart or manual handling.
func (b *Builder) Build(ctx context.Context, buildID string) (*Context, error) {
	build, err := b.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}

	lastCompleted, _, err := b.store.HighestCompletedState(ctx, buildID)
	if err != nil {
		return nil, err
	}

	out := &Context{
		BuildID:            build.ID,
		ProjectID:          build.ProjectID,
		Platform:           build.Platform,
		CurrentState:       build.CurrentState,
		LastCompletedState: lastCompleted,
	}

	failed, err := b.store.LatestFailedTransition(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if failed != nil && failed.State >= lastCompleted {
		s := failed.State
		out.FailedState = &s
	}

	if out.FailedState != nil && build.Status == core.BuildFailed {
		out.ResumeFromState = *out.FailedState
	} else {
		out.ResumeFromState = b.policy.Next(lastCompleted)
	}

	pol, err := b.store.GetResumePolicy(ctx, build.ProjectID, out.ResumeFromState)
	if errors.Is(err, core.ErrPolicyNotFound) {
		out.Reason = "no resume policy configured for this milestone"
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if !pol.IsResumable {
		out.Reason = "milestone is configured as not resumable"
		return out, nil
	}

	out.Resumable = true
	out.Strategy = pol.Strategy
	out.ResumeCommand = pol.ResumeCommand
	out.ResumeTimeout = pol.ResumeTimeout

	if err := b.resolveArtifacts(ctx, out, pol); err != nil {
		return nil, err
	}
	if err := b.resolveVariables(ctx, out, pol); err != nil {
		return nil, err
	}

	if out.Incomplete {
		out.Reason = "required resume context is missing"
	}
	return out, nil
}

// resolveArtifacts picks, for each required artifact, the most recent live
// resumable artifact strictly below the target milestone. Checksum
// verification against the recorded digest is the resuming worker's job;
// the builder only hands over the catalog entries.
func (b *Builder) resolveArtifacts(ctx context.Context, out *Context, pol *core.ResumePolicy) error {
	asOf := out.ResumeFromState - 1
	candidates, err := b.store.ListResumableArtifacts(ctx, out.BuildID, &asOf)
	if err != nil {
		return err
	}

	if len(pol.RequiredArtifacts) == 0 {
		out.Artifacts = candidates
		return nil
	}

	for _, want := range pol.RequiredArtifacts {
		found := false
		for i := range candidates {
			// candidates are ordered newest milestone first, so the first
			// hit is the best match
			if candidates[i].Name == want || candidates[i].Type == want {
				out.Artifacts = append(out.Artifacts, candidates[i])
				found = true
				break
			}
		}
		if !found {
			out.Incomplete = true
			out.MissingArtifacts = append(out.MissingArtifacts, want)
		}
	}
	return nil
}

func (b *Builder) resolveVariables(ctx context.Context, out *Context, pol *core.ResumePolicy) error {
	vars, err := b.store.RequiredForResume(ctx, out.BuildID)
	if err != nil {
		return err
	}
	out.Variables = vars

	byKey := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		byKey[v.Key] = struct{}{}
	}
	for _, want := range pol.RequiredVariables {
		if _, ok := byKey[want]; !ok {
			out.Incomplete = true
			out.MissingVariables = append(out.MissingVariables, want)
		}
	}
	return nil
}

// VariableMap flattens the context variables to key/value pairs. Sensitive
// values are masked when display is true; the dispatcher passes display
// false because the external job needs the real values.
func (c *Context) VariableMap(display bool) map[string]string {
	m := make(map[string]string, len(c.Variables))
	for i := range c.Variables {
		v := &c.Variables[i]
		if display {
			m[v.Key] = v.DisplayValue()
		} else {
			m[v.Key] = v.Value
		}
	}
	return m
}
