package core

import (
	"errors"
	"fmt"
)

// Invariant and lookup errors. Each maps to a synchronous rejection at the
// call that would violate it; the engine never coerces the input into a
// "closest valid" value.
var (
	ErrBuildNotFound    = errors.New("buildstate: build not found")
	ErrProjectNotFound  = errors.New("buildstate: project not found")
	ErrArtifactNotFound = errors.New("buildstate: artifact not found")
	ErrPolicyNotFound   = errors.New("buildstate: resume policy not found")
	ErrRequestNotFound  = errors.New("buildstate: resume request not found")

	ErrDuplicateArtifact = errors.New("buildstate: artifact name already registered for build")
	ErrChecksumRequired  = errors.New("buildstate: resumable artifact requires a checksum")

	ErrResumeAlreadyPending = errors.New("buildstate: a resume request is already in flight for build")
	ErrNotCancellable       = errors.New("buildstate: resume request is not in a cancellable status")

	ErrInvalidState = errors.New("buildstate: state code outside the configured domain")
	ErrBuildExists  = errors.New("buildstate: build id already exists")
)

// ErrStateRegression is the sentinel for out-of-order transitions.
var ErrStateRegression = errors.New("buildstate: out-of-order state transition")

// StateRegressionError rejects a transition that would move the ledger
// backwards or skip milestones.
type StateRegressionError struct {
	BuildID      string
	CurrentState int
	Requested    int
}

func (e *StateRegressionError) Error() string {
	return fmt.Sprintf("buildstate: transition to state %d not permitted from state %d for build %s",
		e.Requested, e.CurrentState, e.BuildID)
}

// Is lets callers match with errors.Is(err, ErrStateRegression).
func (e *StateRegressionError) Is(target error) bool {
	return target == ErrStateRegression
}

// ConflictError reports that a conditional write lost to a concurrent
// writer; the caller should re-read and retry.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("buildstate: concurrent update conflict on %s %s", e.Entity, e.ID)
}
