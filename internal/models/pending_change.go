// Package models provides data model definitions for the Recall core.
package models

import (
	"encoding/json"
	"time"
)

// Change operations recorded in the ledger.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Ledger entry statuses.
const (
	ChangeStatusPending  = "pending"
	ChangeStatusInFlight = "in_flight"
	ChangeStatusFailed   = "failed"
)

// PendingChange records a local mutation that has not yet been covered by an
// uploaded snapshot. Seq is assigned by the store and preserves FIFO order
// per entity.
type PendingChange struct {
	ID         UUID            `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"seq"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   UUID            `db:"entity_id" json:"entity_id"`
	Operation  string          `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Status     string          `db:"status" json:"status"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingChange.
func (PendingChange) TableName() string {
	return "pending_changes"
}

// Time returns CreatedAt as time.Time.
func (c *PendingChange) Time() time.Time {
	return time.Unix(c.CreatedAt, 0)
}
