package core

import (
	"time"
)

// TransitionStatus is the outcome of one attempt at a milestone.
type TransitionStatus string

const (
	TransitionStarted    TransitionStatus = "started"
	TransitionInProgress TransitionStatus = "in_progress"
	TransitionCompleted  TransitionStatus = "completed"
	TransitionFailed     TransitionStatus = "failed"
)

// StateTransition is one append-only ledger entry. Entries are never updated
// or deleted; a build's recorded progress is the set of completed entries.
type StateTransition struct {
	ID           string           `gorm:"primaryKey;size:26"` // ULID, lexically time-ordered
	BuildID      string           `gorm:"index:idx_transitions_build;size:36;not null"`
	State        int              `gorm:"index:idx_transitions_build;not null"`
	Status       TransitionStatus `gorm:"size:20;not null"`
	Message      string           `gorm:"size:500"`
	ErrorMessage string           `gorm:"type:text"`
	ErrorCode    string           `gorm:"size:100"`
	RecordedAt   time.Time        `gorm:"index;not null"`
}

// Outcome is the result of recording a transition: exactly one of
// Completed, Failed or InProgress.
type Outcome interface {
	outcome()
}

// Completed reports a successful milestone; Next is the milestone the build
// pointer now sits at.
type Completed struct {
	State int
	Next  int
	Final bool
}

// Failed reports a failed attempt at State. The build pointer is frozen at
// the last completed milestone, never rolled back.
type Failed struct {
	State      int
	FrozenAt   int
	Error      string
	RetryCount int
}

// InProgress is a heartbeat at State with no pointer change.
type InProgress struct {
	State int
}

func (Completed) outcome()  {}
func (Failed) outcome()     {}
func (InProgress) outcome() {}
