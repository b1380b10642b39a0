// Package models provides data model definitions for the Recall core.
package models

import "time"

// Folder groups topics into a user-defined tree.
// ParentID is empty for root folders; cycles are rejected by the store.
type Folder struct {
	ID        UUID   `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	ParentID  UUID   `db:"parent_id" json:"parent_id,omitempty"`
	SortOrder int    `db:"sort_order" json:"sort_order"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Folder.
func (Folder) TableName() string {
	return "folders"
}

// Touch updates the UpdatedAt timestamp.
func (f *Folder) Touch() {
	f.UpdatedAt = time.Now().Unix()
}
