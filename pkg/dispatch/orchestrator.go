// Package dispatch turns resume requests into externally triggered jobs and
// reconciles their outcome. The resume request table is the durable queue:
// the dispatcher claims pending rows, the poller reconciles dispatched ones,
// and a cron sweeper handles expiry and stale locks. Dispatch failures are
// bookkeeping on the request only; they never touch the state ledger.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/bldst/buildstate/pkg/core"
)

// JobState is the externally observed state of a triggered job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobRef identifies a triggered external job.
type JobRef struct {
	ID  string
	URL string
}

// JobStatus is a poll result.
type JobStatus struct {
	State JobState
	Error string
}

// TriggerRequest is the bundle handed to an orchestration target.
// IdempotencyKey is the resume request ID: a retried trigger with the same
// key must not start a second job.
type TriggerRequest struct {
	IdempotencyKey  string
	BuildID         string
	ResumeFromState int
	ResumeToState   *int
	Strategy        core.ResumeStrategy
	ResumeCommand   string
	ResumeTimeout   time.Duration
	Artifacts       []core.Artifact
	Variables       map[string]string
}

// Orchestrator is the consumed interface to one CI/CD platform.
type Orchestrator interface {
	// TriggerJob starts an external job carrying the resume bundle.
	TriggerJob(ctx context.Context, req TriggerRequest) (JobRef, error)
	// PollJob reports the current status of a previously triggered job.
	PollJob(ctx context.Context, jobID string) (JobStatus, error)
	// CancelJob requests cancellation, best effort. The authoritative
	// outcome is whatever the next poll observes.
	CancelJob(ctx context.Context, jobID string) error
}

// Registry maps platform names to orchestrators. One dispatcher consumer
// runs per target, so targets fail and scale independently.
type Registry struct {
	targets map[string]Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Orchestrator)}
}

// Register adds an orchestrator for a platform name.
func (r *Registry) Register(platform string, o Orchestrator) {
	r.targets[platform] = o
}

// Get returns the orchestrator for a platform.
func (r *Registry) Get(platform string) (Orchestrator, error) {
	o, ok := r.targets[platform]
	if !ok {
		return nil, fmt.Errorf("dispatch: no orchestrator registered for platform %q", platform)
	}
	return o, nil
}

// Platforms lists the registered platform names.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.targets))
	for name := range r.targets {
		out = append(out, name)
	}
	return out
}
