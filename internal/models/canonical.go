package models

import (
	"time"

	"gorm.io/datatypes"
)

// Verb is the canonical definition of an xAPI verb keyed by its IRI.
type Verb struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	IRI           string         `gorm:"column:iri;size:2048;not null;uniqueIndex" json:"iri"`
	CanonicalData datatypes.JSON `gorm:"type:json" json:"canonical_data"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Activity is the canonical definition of an xAPI activity keyed by its IRI.
type Activity struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	IRI           string         `gorm:"column:iri;size:2048;not null;uniqueIndex" json:"iri"`
	CanonicalData datatypes.JSON `gorm:"type:json" json:"canonical_data"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
