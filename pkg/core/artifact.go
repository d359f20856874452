package core

import (
	"time"
)

// Artifact is a durable, checksummed output of a build step (VM snapshot,
// disk image, AMI, config file). Artifacts are write-once: registration is
// guarded by uniqueness on (build, name) and rows are only ever soft-deleted.
type Artifact struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	BuildID   string `gorm:"index;size:36;not null" json:"build_id"`
	StateCode int    `gorm:"index;not null" json:"state_code"` // milestone that produced it
	Name      string `gorm:"size:255;not null" json:"name"`
	Type      string `gorm:"size:50" json:"type"`
	Path      string `gorm:"size:1024" json:"path,omitempty"`

	StorageBackend string `gorm:"size:50" json:"storage_backend,omitempty"` // e.g. "s3", "nfs", "local"
	StorageRegion  string `gorm:"size:50" json:"storage_region,omitempty"`
	StorageBucket  string `gorm:"size:255" json:"storage_bucket,omitempty"`
	StorageKey     string `gorm:"size:1024" json:"storage_key,omitempty"`

	SizeBytes         int64  `json:"size_bytes,omitempty"`
	Checksum          string `gorm:"size:128" json:"checksum,omitempty"`
	ChecksumAlgorithm string `gorm:"size:20;default:'sha256'" json:"checksum_algorithm,omitempty"`

	IsResumable bool `gorm:"index" json:"is_resumable"`
	IsFinal     bool `json:"is_final"`

	ExpiresAt *time.Time        `gorm:"index" json:"expires_at,omitempty"`
	Metadata  map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`

	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"` // soft delete, audit requirement
}

// Deleted reports whether the artifact has been soft-deleted.
func (a *Artifact) Deleted() bool {
	return a.DeletedAt != nil
}
