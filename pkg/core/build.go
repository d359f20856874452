package core

import (
	"time"
)

// BuildStatus is the overall outcome of a build, orthogonal to its
// current milestone.
type BuildStatus string

const (
	BuildInProgress BuildStatus = "in_progress"
	BuildCompleted  BuildStatus = "completed"
	BuildFailed     BuildStatus = "failed"
)

// Build is one record per tracked image build. CurrentState and Status are
// a cached pointer into the ledger; they are mutated only through
// ledger.Record, never by direct field edits.
type Build struct {
	ID          string `gorm:"primaryKey;size:36"`
	ProjectID   string `gorm:"index;size:36"`
	Platform    string `gorm:"index;size:50;not null"`
	OSVersion   string `gorm:"size:50"`
	ImageType   string `gorm:"size:50"`
	Description string `gorm:"size:500"`
	PipelineURL string `gorm:"size:500"`
	CommitHash  string `gorm:"size:64"`

	CurrentState int         `gorm:"not null;default:0"`
	Status       BuildStatus `gorm:"index;size:20;default:'in_progress'"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Terminal reports whether the build has reached a terminal status.
func (s BuildStatus) Terminal() bool {
	return s == BuildCompleted || s == BuildFailed
}

// Project groups builds and owns the resume policies that apply to them.
type Project struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"uniqueIndex;size:100;not null" json:"name"`
	Description string    `gorm:"size:500" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
