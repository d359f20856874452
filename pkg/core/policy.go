package core

import (
	"time"
)

// ResumeStrategy declares how a resumable state is re-entered.
type ResumeStrategy string

const (
	ResumeFromArtifact ResumeStrategy = "from_artifact"
	ResumeRerunState   ResumeStrategy = "rerun_state"
	ResumeSkipToNext   ResumeStrategy = "skip_to_next"
)

// ResumePolicy is per-project, per-milestone operator configuration: whether
// a state can be resumed, and what a resuming worker needs. Read-only to the
// engine; maintained by operators.
type ResumePolicy struct {
	ID        string `gorm:"primaryKey;size:36"`
	ProjectID string `gorm:"uniqueIndex:idx_policies_project_state;size:36;not null"`
	StateCode int    `gorm:"uniqueIndex:idx_policies_project_state;not null"`

	IsResumable bool           `gorm:"not null"`
	Strategy    ResumeStrategy `gorm:"size:20;default:'rerun_state'"`

	RequiredArtifacts []string `gorm:"serializer:json"`
	RequiredVariables []string `gorm:"serializer:json"`

	ResumeCommand string        `gorm:"size:1024"`
	ResumeTimeout time.Duration // stored as nanoseconds

	Description string `gorm:"size:500"`
	Notes       string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
