package models

import (
	"time"

	"github.com/google/uuid"
)

// SoftDelete is embedded by entities that are hidden rather than removed.
// Deleted rows stay in the database for audit purposes but are excluded
// from every tenant-facing query.
type SoftDelete struct {
	IsDeleted bool       `db:"is_deleted" json:"is_deleted"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// MarkDeleted flags the entity as deleted at the given time.
func (s *SoftDelete) MarkDeleted(now time.Time) {
	s.IsDeleted = true
	s.DeletedAt = &now
}

// Restore clears the deleted flag.
func (s *SoftDelete) Restore() {
	s.IsDeleted = false
	s.DeletedAt = nil
}

// Audit holds creation/update stamps shared by all entities.
type Audit struct {
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	CreatedBy *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	UpdatedBy *uuid.UUID `db:"updated_by" json:"updated_by,omitempty"`
}
