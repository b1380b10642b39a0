package models

import (
	"testing"
	"time"
)

func TestTopicValidate(t *testing.T) {
	ts := time.Now().Unix()

	valid := &Topic{ID: "t1", Title: "ok", NextReviewDate: ts}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid topic, got %v", err)
	}

	custom := &Topic{ID: "t2", NextReviewDate: ts, UseCustomSchedule: true, CustomReviewDatetime: &ts}
	if err := custom.Validate(); err != nil {
		t.Errorf("Expected valid custom-scheduled topic, got %v", err)
	}

	cases := []struct {
		name  string
		topic *Topic
	}{
		{"missing due date", &Topic{ID: "t3"}},
		{"flag without datetime", &Topic{ID: "t4", NextReviewDate: ts, UseCustomSchedule: true}},
		{"datetime without flag", &Topic{ID: "t5", NextReviewDate: ts, CustomReviewDatetime: &ts}},
		{"negative stage", &Topic{ID: "t6", NextReviewDate: ts, CurrentStage: -1}},
		{"negative review count", &Topic{ID: "t7", NextReviewDate: ts, ReviewCount: -1}},
	}
	for _, tc := range cases {
		if err := tc.topic.Validate(); err == nil {
			t.Errorf("%s: expected validation failure", tc.name)
		}
	}
}

func TestTopicIsDue(t *testing.T) {
	now := time.Now()
	due := &Topic{NextReviewDate: now.Add(-time.Minute).Unix()}
	if !due.IsDue(now) {
		t.Error("Expected past-dated topic to be due")
	}
	exact := &Topic{NextReviewDate: now.Unix()}
	if !exact.IsDue(now) {
		t.Error("Expected topic due exactly now to be due")
	}
	future := &Topic{NextReviewDate: now.Add(time.Hour).Unix()}
	if future.IsDue(now) {
		t.Error("Expected future topic not to be due")
	}
}

func TestUUIDScan(t *testing.T) {
	var u UUID
	if err := u.Scan("abc-123"); err != nil || u != "abc-123" {
		t.Errorf("Failed to scan string: %v (%q)", err, u)
	}
	if err := u.Scan([]byte("def-456")); err != nil || u != "def-456" {
		t.Errorf("Failed to scan bytes: %v (%q)", err, u)
	}
	if err := u.Scan(nil); err != nil || u != "" {
		t.Errorf("Failed to scan nil: %v (%q)", err, u)
	}
	if err := u.Scan(42); err == nil {
		t.Error("Expected scanning an int to fail")
	}
}

func TestSnapshotSchemaVersion(t *testing.T) {
	// Bumping the version is a compatibility break; the restore path gates
	// on it, so a silent change here must fail loudly.
	if SnapshotSchemaVersion != 1 {
		t.Errorf("Snapshot schema version changed to %d", SnapshotSchemaVersion)
	}
}
