package core

import (
	"time"
)

// Variable is build-scoped key/value context a resumed worker needs to
// reconstruct environment state (instance IDs, network handles). Variables
// represent current facts, not history: writes are last-write-wins upserts.
type Variable struct {
	ID      string `gorm:"primaryKey;size:36"`
	BuildID string `gorm:"uniqueIndex:idx_variables_build_key;size:36;not null"`
	Key     string `gorm:"uniqueIndex:idx_variables_build_key;size:255;not null"`
	Value   string `gorm:"type:text"`
	Type    string `gorm:"size:20;default:'string'"`

	SetAtState          int
	IsSensitive         bool
	IsRequiredForResume bool `gorm:"index"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// MaskedValue is the placeholder returned in place of sensitive variable
// values at presentation boundaries.
const MaskedValue = "******"

// DisplayValue returns the value with sensitive content masked.
func (v *Variable) DisplayValue() string {
	if v.IsSensitive {
		return MaskedValue
	}
	return v.Value
}
