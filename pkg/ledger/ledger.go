// Package ledger implements the state machine over the append-only
// transition log and the cached build pointer.
//
// A build's progress is a sequence of integer milestones (0, step, 2*step,
// ... terminal). The milestone and the outcome of an attempt at it are
// orthogonal: completion advances the pointer, failure freezes it at the
// last completed milestone, and heartbeats leave it alone. Recovery
// therefore starts from the frozen milestone instead of zero.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/storage"
)

// StepPolicy fixes the milestone domain. Step and Terminal are
// configuration, not hard-coded: a project may run a finer-grained ladder.
type StepPolicy struct {
	Step     int
	Terminal int
}

// DefaultStepPolicy is the 0,5,10,...,100 ladder.
func DefaultStepPolicy() StepPolicy {
	return StepPolicy{Step: 5, Terminal: 100}
}

// Valid reports whether state is a milestone on this ladder.
func (p StepPolicy) Valid(state int) bool {
	return state >= 0 && state <= p.Terminal && state%p.Step == 0
}

// Next returns the milestone after state, capped at the terminal value.
func (p StepPolicy) Next(state int) int {
	n := state + p.Step
	if n > p.Terminal {
		return p.Terminal
	}
	return n
}

// Ledger records state transitions and maintains the build pointer.
type Ledger struct {
	store  storage.Store
	policy StepPolicy
	logger *slog.Logger
}

// New creates a ledger over the given store.
func New(store storage.Store, policy StepPolicy, logger *slog.Logger) *Ledger {
	if policy.Step <= 0 {
		policy = DefaultStepPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, policy: policy, logger: logger}
}

// Policy returns the configured step policy.
func (l *Ledger) Policy() StepPolicy {
	return l.policy
}

// RecordOptions carries the optional fields of a transition.
type RecordOptions struct {
	Message      string
	ErrorMessage string
	ErrorCode    string
}

// CreateBuild registers a build at milestone zero and appends the initial
// ledger entry.
func (l *Ledger) CreateBuild(ctx context.Context, b *core.Build) error {
	b.CurrentState = 0
	b.Status = core.BuildInProgress
	if err := l.store.CreateBuild(ctx, b); err != nil {
		return err
	}
	err := l.store.AppendTransition(ctx, &core.StateTransition{
		BuildID: b.ID,
		State:   0,
		Status:  core.TransitionStarted,
		Message: "build initialized",
	})
	if err != nil {
		return fmt.Errorf("ledger: append initial entry: %w", err)
	}
	l.logger.Info("build created",
		"build_id", b.ID, "platform", b.Platform, "image_type", b.ImageType)
	return nil
}

// Record appends a transition attempt and applies its effect on the build
// pointer. The returned Outcome is Completed, Failed or InProgress.
//
// Completion at milestone S requires S to equal the current pointer (an
// idempotent re-record) or its immediate successor; the pointer then moves
// to S. Failure at S freezes the pointer and marks the build failed; the
// entry's State names the milestone that was being attempted. Heartbeats
// only append.
func (l *Ledger) Record(ctx context.Context, buildID string, state int, status core.TransitionStatus, opts RecordOptions) (core.Outcome, error) {
	if !l.policy.Valid(state) {
		return nil, core.ErrInvalidState
	}

	b, err := l.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}

	switch status {
	case core.TransitionCompleted:
		return l.recordCompleted(ctx, b, state, opts)
	case core.TransitionFailed:
		return l.recordFailed(ctx, b, state, opts)
	case core.TransitionStarted, core.TransitionInProgress:
		return l.recordHeartbeat(ctx, b, state, status, opts)
	default:
		return nil, fmt.Errorf("ledger: unknown transition status %q", status)
	}
}

func (l *Ledger) recordCompleted(ctx context.Context, b *core.Build, state int, opts RecordOptions) (core.Outcome, error) {
	if state != b.CurrentState && state != l.policy.Next(b.CurrentState) {
		return nil, &core.StateRegressionError{
			BuildID: b.ID, CurrentState: b.CurrentState, Requested: state,
		}
	}

	if err := l.store.AppendTransition(ctx, &core.StateTransition{
		BuildID: b.ID,
		State:   state,
		Status:  core.TransitionCompleted,
		Message: opts.Message,
	}); err != nil {
		return nil, err
	}

	buildStatus := core.BuildInProgress
	final := state == l.policy.Terminal
	if final {
		buildStatus = core.BuildCompleted
	}
	// Completing a milestone also clears a prior failed marker at it: the
	// pointer update resets Status away from failed.
	if err := l.store.AdvanceBuild(ctx, b.ID, b.CurrentState, state, buildStatus); err != nil {
		return nil, err
	}

	l.logger.Info("milestone completed",
		"build_id", b.ID, "state", state, "final", final)
	return core.Completed{State: state, Next: l.policy.Next(state), Final: final}, nil
}

func (l *Ledger) recordFailed(ctx context.Context, b *core.Build, state int, opts RecordOptions) (core.Outcome, error) {
	// A failure may name the pointer itself or the milestone being
	// attempted next; anything else is out of order.
	if state < b.CurrentState || state > l.policy.Next(b.CurrentState) {
		return nil, &core.StateRegressionError{
			BuildID: b.ID, CurrentState: b.CurrentState, Requested: state,
		}
	}

	if err := l.store.AppendTransition(ctx, &core.StateTransition{
		BuildID:      b.ID,
		State:        state,
		Status:       core.TransitionFailed,
		Message:      opts.Message,
		ErrorMessage: opts.ErrorMessage,
		ErrorCode:    opts.ErrorCode,
	}); err != nil {
		return nil, err
	}

	if err := l.store.FreezeBuild(ctx, b.ID); err != nil {
		return nil, err
	}

	retries, err := l.store.CountTransitions(ctx, b.ID, state, core.TransitionFailed)
	if err != nil {
		return nil, err
	}

	l.logger.Warn("milestone failed",
		"build_id", b.ID, "state", state, "frozen_at", b.CurrentState,
		"retry_count", retries, "error", opts.ErrorMessage)
	return core.Failed{
		State:      state,
		FrozenAt:   b.CurrentState,
		Error:      opts.ErrorMessage,
		RetryCount: int(retries),
	}, nil
}

func (l *Ledger) recordHeartbeat(ctx context.Context, b *core.Build, state int, status core.TransitionStatus, opts RecordOptions) (core.Outcome, error) {
	if err := l.store.AppendTransition(ctx, &core.StateTransition{
		BuildID: b.ID,
		State:   state,
		Status:  status,
		Message: opts.Message,
	}); err != nil {
		return nil, err
	}
	return core.InProgress{State: state}, nil
}

// RetryCount returns how many failed attempts the ledger holds for the
// milestone. Max-retry enforcement is the caller's policy, not the
// ledger's.
func (l *Ledger) RetryCount(ctx context.Context, buildID string, state int) (int, error) {
	n, err := l.store.CountTransitions(ctx, buildID, state, core.TransitionFailed)
	return int(n), err
}

// BuildState is the operator-facing view of a build's progress.
type BuildState struct {
	Build      *core.Build
	History    []core.StateTransition
	RetryCount int // failed attempts at the most recently failed milestone
}

// State returns the build pointer with recent ledger history.
func (l *Ledger) State(ctx context.Context, buildID string, historyLimit int) (*BuildState, error) {
	b, err := l.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	history, err := l.store.ListTransitions(ctx, buildID, historyLimit)
	if err != nil {
		return nil, err
	}
	out := &BuildState{Build: b, History: history}
	if last, err := l.store.LatestFailedTransition(ctx, buildID); err != nil {
		return nil, err
	} else if last != nil {
		n, err := l.store.CountTransitions(ctx, buildID, last.State, core.TransitionFailed)
		if err != nil {
			return nil, err
		}
		out.RetryCount = int(n)
	}
	return out, nil
}
