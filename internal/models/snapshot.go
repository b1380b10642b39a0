// Package models provides data model definitions for the Recall core.
package models

// SnapshotSchemaVersion is the wire-format version written into every
// snapshot. Restore rejects snapshots carrying any other version rather
// than guessing a migration.
const SnapshotSchemaVersion = 1

// Snapshot is the full export of topics and folders at a point in time,
// the unit of backup and restore.
type Snapshot struct {
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     int64     `json:"created_at"`
	TopicCount    int       `json:"topic_count"`
	Topics        []*Topic  `json:"topics"`
	Folders       []*Folder `json:"folders"`
}
