package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.DataDir != "data" {
		t.Errorf("Expected default data dir 'data', got %q", cfg.DataDir)
	}
	if cfg.Sync.Interval != 15*time.Minute {
		t.Errorf("Expected default interval 15m, got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.ReviewThreshold != 20 {
		t.Errorf("Expected default threshold 20, got %d", cfg.Sync.ReviewThreshold)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("Expected default max retries 5, got %d", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.Retention.MaxCount != 10 {
		t.Errorf("Expected default retention count 10, got %d", cfg.Sync.Retention.MaxCount)
	}
	if cfg.Remote.Region != "us-east-1" {
		t.Errorf("Expected default region us-east-1, got %q", cfg.Remote.Region)
	}

	quiet, err := cfg.QuietWindow()
	if err != nil {
		t.Fatalf("Failed to parse quiet window: %v", err)
	}
	if quiet != nil {
		t.Error("Expected no quiet window by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
data_dir: /var/lib/recall
sync:
  interval: 5m
  quiet_start: "22:00"
  quiet_end: "06:00"
remote:
  bucket_name: recall-backups
`
	if err := os.WriteFile(filepath.Join(dir, "recall.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DataDir != "/var/lib/recall" {
		t.Errorf("Expected data dir from file, got %q", cfg.DataDir)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("Expected interval 5m, got %v", cfg.Sync.Interval)
	}
	if cfg.Remote.BucketName != "recall-backups" {
		t.Errorf("Expected bucket from file, got %q", cfg.Remote.BucketName)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.ReviewThreshold != 20 {
		t.Errorf("Expected default threshold alongside file values, got %d", cfg.Sync.ReviewThreshold)
	}
}

func TestLoadRejectsBadQuietWindow(t *testing.T) {
	dir := t.TempDir()
	yaml := `
sync:
  quiet_start: "22:00"
`
	if err := os.WriteFile(filepath.Join(dir, "recall.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Error("Expected one-sided quiet window to be rejected")
	}
}

func TestQuietWindowContains(t *testing.T) {
	day := func(h, m int) time.Time {
		return time.Date(2026, 5, 1, h, m, 0, 0, time.UTC)
	}

	w, err := ParseQuietWindow("09:00", "17:00")
	if err != nil {
		t.Fatalf("Failed to parse window: %v", err)
	}
	cases := []struct {
		at   time.Time
		want bool
	}{
		{day(8, 59), false},
		{day(9, 0), true},
		{day(12, 30), true},
		{day(16, 59), true},
		{day(17, 0), false},
	}
	for _, tc := range cases {
		if got := w.Contains(tc.at); got != tc.want {
			t.Errorf("09:00-17:00 Contains(%s) = %v, want %v", tc.at.Format("15:04"), got, tc.want)
		}
	}
}

func TestQuietWindowWrapsMidnight(t *testing.T) {
	day := func(h, m int) time.Time {
		return time.Date(2026, 5, 1, h, m, 0, 0, time.UTC)
	}

	w, err := ParseQuietWindow("22:00", "06:00")
	if err != nil {
		t.Fatalf("Failed to parse window: %v", err)
	}
	cases := []struct {
		at   time.Time
		want bool
	}{
		{day(21, 59), false},
		{day(22, 0), true},
		{day(23, 30), true},
		{day(0, 0), true},
		{day(5, 59), true},
		{day(6, 0), false},
		{day(12, 0), false},
	}
	for _, tc := range cases {
		if got := w.Contains(tc.at); got != tc.want {
			t.Errorf("22:00-06:00 Contains(%s) = %v, want %v", tc.at.Format("15:04"), got, tc.want)
		}
	}
}

func TestParseQuietWindowInvalidFormat(t *testing.T) {
	if _, err := ParseQuietWindow("25:00", "06:00"); err == nil {
		t.Error("Expected invalid hour to be rejected")
	}
	if _, err := ParseQuietWindow("2200", "0600"); err == nil {
		t.Error("Expected missing colon to be rejected")
	}
}

func TestNilQuietWindowContainsNothing(t *testing.T) {
	var w *QuietWindow
	if w.Contains(time.Now()) {
		t.Error("Nil window must contain nothing")
	}
}
