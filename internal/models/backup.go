// Package models provides data model definitions for the Recall core.
package models

import "time"

// BackupMetadata describes one uploaded snapshot object. Immutable once
// created; rows disappear only through retention pruning or user deletion.
type BackupMetadata struct {
	ID          string `db:"id" json:"id"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	SizeBytes   int64  `db:"size_bytes" json:"size_bytes"`
	Description string `db:"description" json:"description,omitempty"`
	Checksum    string `db:"checksum" json:"checksum,omitempty"`
}

// TableName returns the table name for BackupMetadata.
func (BackupMetadata) TableName() string {
	return "backup_metadata"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (b *BackupMetadata) CreatedAtTime() time.Time {
	return time.Unix(b.CreatedAt, 0)
}
