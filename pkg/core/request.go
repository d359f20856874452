package core

import (
	"time"
)

// RequestStatus is the lifecycle of a resume request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestTriggered RequestStatus = "triggered"
	RequestRunning   RequestStatus = "running"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestFailed, RequestCancelled:
		return true
	}
	return false
}

// NonTerminalStatuses are the statuses that count toward the
// at-most-one-in-flight invariant. Must stay in sync with the partial
// unique index on resume_requests created in storage.Migrate.
var NonTerminalStatuses = []RequestStatus{RequestPending, RequestTriggered, RequestRunning}

// ResumeRequest is a tracked intent to resume a build. The table doubles as
// the dispatch queue: the dispatcher claims pending rows with a lock and a
// poller reconciles triggered/running rows against the external platform.
type ResumeRequest struct {
	ID      string `gorm:"primaryKey;size:36"`
	BuildID string `gorm:"index;size:36;not null"`

	ResumeFromState int  `gorm:"not null"`
	ResumeToState   *int // optional upper bound

	Reason      string `gorm:"size:500"`
	RequestedBy string `gorm:"size:100"`
	Source      string `gorm:"size:50"` // e.g. "manual", "auto-detector"

	Status   RequestStatus `gorm:"index;size:20;default:'pending'"`
	Platform string        `gorm:"size:50"` // orchestration target
	JobID    string        `gorm:"size:255"`
	JobURL   string        `gorm:"size:1024"`

	ErrorMessage     string `gorm:"type:text"`
	DispatchAttempts int    `gorm:"default:0"`
	CancelRequested  bool

	// NextAttemptAt defers re-dispatch after a transient trigger failure.
	NextAttemptAt *time.Time `gorm:"index"`

	LockedBy    string `gorm:"size:255"`
	LockedUntil *time.Time

	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	CompletedAt *time.Time
}
