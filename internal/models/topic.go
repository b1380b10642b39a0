// Package models provides data model definitions for the Recall core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// MaxStage is the highest regular spaced-repetition stage. Stages above it
// are reachable only from corrupted input and fall back to a linear interval.
const MaxStage = 4

// Topic represents a learning item tracked by the review scheduler.
// The content body itself lives elsewhere; ContentRef points at it.
type Topic struct {
	ID                   UUID     `db:"id" json:"id"`
	Title                string   `db:"title" json:"title"`
	ContentRef           string   `db:"content_ref" json:"content_ref,omitempty"`
	CurrentStage         int      `db:"current_stage" json:"current_stage"`
	NextReviewDate       int64    `db:"next_review_date" json:"next_review_date"`
	LastReviewedAt       *int64   `db:"last_reviewed_at" json:"last_reviewed_at,omitempty"`
	ReviewCount          int      `db:"review_count" json:"review_count"`
	Tags                 []string `db:"tags" json:"tags,omitempty"`
	IsFavorite           bool     `db:"is_favorite" json:"is_favorite"`
	FolderID             UUID     `db:"folder_id" json:"folder_id,omitempty"`
	UseCustomSchedule    bool     `db:"use_custom_schedule" json:"use_custom_schedule"`
	CustomReviewDatetime *int64   `db:"custom_review_datetime" json:"custom_review_datetime,omitempty"`
	CreatedAt            int64    `db:"created_at" json:"created_at"`
	UpdatedAt            int64    `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Topic.
func (Topic) TableName() string {
	return "topics"
}

// NextReviewTime returns NextReviewDate as time.Time.
func (t *Topic) NextReviewTime() time.Time {
	return time.Unix(t.NextReviewDate, 0)
}

// IsDue reports whether the topic is due for review at the given time.
func (t *Topic) IsDue(now time.Time) bool {
	return t.NextReviewDate <= now.Unix()
}

// Touch updates the UpdatedAt timestamp.
func (t *Topic) Touch() {
	t.UpdatedAt = time.Now().Unix()
}

// Validate checks the custom-schedule invariant:
// UseCustomSchedule must be set if and only if CustomReviewDatetime is set.
func (t *Topic) Validate() error {
	if t.NextReviewDate == 0 {
		return fmt.Errorf("topic %s: next_review_date must be set", t.ID)
	}
	if t.UseCustomSchedule != (t.CustomReviewDatetime != nil) {
		return fmt.Errorf("topic %s: use_custom_schedule=%v but custom_review_datetime set=%v",
			t.ID, t.UseCustomSchedule, t.CustomReviewDatetime != nil)
	}
	if t.CurrentStage < 0 {
		return fmt.Errorf("topic %s: negative stage %d", t.ID, t.CurrentStage)
	}
	if t.ReviewCount < 0 {
		return fmt.Errorf("topic %s: negative review count %d", t.ID, t.ReviewCount)
	}
	return nil
}
