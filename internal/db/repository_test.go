// Package db provides unit tests for the topic store.
package db

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
)

// setupTestDB creates an in-memory SQLite database with the full schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// In-memory databases exist per connection; keep exactly one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}
	if err := NewMigrator(db).Up(); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo := NewRepository(setupTestDB(t))
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestTopic(title string) *models.Topic {
	return &models.Topic{
		Title:          title,
		ContentRef:     "notes/" + title + ".md",
		NextReviewDate: time.Now().Unix(),
	}
}

func TestInsertAndGetTopic(t *testing.T) {
	repo := setupTestRepo(t)

	topic := newTestTopic("TCP handshake")
	topic.Tags = []string{"networking", "protocols"}

	if err := repo.InsertTopic(topic); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}
	if topic.ID == "" {
		t.Fatal("Expected insert to assign an ID")
	}
	if topic.CreatedAt == 0 || topic.UpdatedAt == 0 {
		t.Fatal("Expected insert to assign timestamps")
	}

	got, err := repo.GetTopic(topic.ID)
	if err != nil {
		t.Fatalf("Failed to get topic: %v", err)
	}
	if got.Title != "TCP handshake" {
		t.Errorf("Expected title %q, got %q", "TCP handshake", got.Title)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "networking" || got.Tags[1] != "protocols" {
		t.Errorf("Tags did not round-trip: %v", got.Tags)
	}
	if got.CurrentStage != 0 {
		t.Errorf("Expected new topic at stage 0, got %d", got.CurrentStage)
	}
}

func TestGetTopicNotFound(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.GetTopic("nonexistent-id")
	if !apperrors.Is(err, apperrors.ErrTopicNotFound) {
		t.Errorf("Expected TOPIC_NOT_FOUND, got %v", err)
	}
}

func TestUpdateTopic(t *testing.T) {
	repo := setupTestRepo(t)

	topic := newTestTopic("Original")
	if err := repo.InsertTopic(topic); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}

	topic.Title = "Renamed"
	topic.IsFavorite = true
	if err := repo.UpdateTopic(topic); err != nil {
		t.Fatalf("Failed to update topic: %v", err)
	}

	got, err := repo.GetTopic(topic.ID)
	if err != nil {
		t.Fatalf("Failed to get topic: %v", err)
	}
	if got.Title != "Renamed" || !got.IsFavorite {
		t.Errorf("Update did not persist: title=%q favorite=%v", got.Title, got.IsFavorite)
	}
}

func TestUpdateTopicNotFound(t *testing.T) {
	repo := setupTestRepo(t)

	topic := newTestTopic("Ghost")
	topic.ID = "00000000-0000-0000-0000-000000000000"
	err := repo.UpdateTopic(topic)
	if !apperrors.Is(err, apperrors.ErrTopicNotFound) {
		t.Errorf("Expected TOPIC_NOT_FOUND, got %v", err)
	}
}

func TestInsertTopicCustomScheduleInvariant(t *testing.T) {
	repo := setupTestRepo(t)

	topic := newTestTopic("Broken")
	topic.UseCustomSchedule = true // no CustomReviewDatetime
	err := repo.InsertTopic(topic)
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected VALIDATION_ERROR, got %v", err)
	}
}

func TestDeleteTopic(t *testing.T) {
	repo := setupTestRepo(t)

	topic := newTestTopic("Ephemeral")
	if err := repo.InsertTopic(topic); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}
	if err := repo.DeleteTopic(topic.ID); err != nil {
		t.Fatalf("Failed to delete topic: %v", err)
	}
	if _, err := repo.GetTopic(topic.ID); !apperrors.Is(err, apperrors.ErrTopicNotFound) {
		t.Errorf("Expected TOPIC_NOT_FOUND after delete, got %v", err)
	}

	if err := repo.DeleteTopic(topic.ID); !apperrors.Is(err, apperrors.ErrTopicNotFound) {
		t.Errorf("Expected TOPIC_NOT_FOUND for double delete, got %v", err)
	}
}

func TestInsertTopicsBatchIsAtomic(t *testing.T) {
	repo := setupTestRepo(t)

	dup := newTestTopic("Duplicate")
	dup.ID = "11111111-1111-1111-1111-111111111111"

	batch := []*models.Topic{
		newTestTopic("First"),
		dup,
		{ID: dup.ID, Title: "Collides", NextReviewDate: time.Now().Unix()},
	}

	if err := repo.InsertTopics(batch); err == nil {
		t.Fatal("Expected batch insert with duplicate ID to fail")
	}

	count, err := repo.GetTopicsCount()
	if err != nil {
		t.Fatalf("Failed to count topics: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected rollback to leave 0 topics, got %d", count)
	}
}

func TestGetDueTopics(t *testing.T) {
	repo := setupTestRepo(t)

	now := time.Now()
	var topics []*models.Topic
	for i := 0; i < 1000; i++ {
		topic := newTestTopic(fmt.Sprintf("topic-%03d", i))
		// Half due in the past, half a day out.
		if i%2 == 0 {
			topic.NextReviewDate = now.Add(-time.Duration(i+1) * time.Minute).Unix()
		} else {
			topic.NextReviewDate = now.Add(24 * time.Hour).Unix()
		}
		topics = append(topics, topic)
	}
	if err := repo.InsertTopics(topics); err != nil {
		t.Fatalf("Failed to insert topics: %v", err)
	}

	due, err := repo.GetDueTopics(now)
	if err != nil {
		t.Fatalf("Failed to get due topics: %v", err)
	}
	if len(due) != 500 {
		t.Errorf("Expected 500 due topics, got %d", len(due))
	}
	for _, topic := range due {
		if !topic.IsDue(now) {
			t.Errorf("Topic %s returned as due but is due at %d", topic.ID, topic.NextReviewDate)
		}
	}
	// FIFO within the due set: ordered by due date.
	for i := 1; i < len(due); i++ {
		if due[i].NextReviewDate < due[i-1].NextReviewDate {
			t.Fatal("Due topics not ordered by next_review_date")
		}
	}
}

func TestGetTopicsPaginated(t *testing.T) {
	repo := setupTestRepo(t)

	base := time.Now().Unix()
	var topics []*models.Topic
	for i := 0; i < 25; i++ {
		topic := newTestTopic(fmt.Sprintf("page-%02d", i))
		// Identical due dates force the id tiebreaker to do the work.
		topic.NextReviewDate = base
		topics = append(topics, topic)
	}
	if err := repo.InsertTopics(topics); err != nil {
		t.Fatalf("Failed to insert topics: %v", err)
	}

	seen := make(map[models.UUID]bool)
	for offset := 0; offset < 25; offset += 10 {
		page, err := repo.GetTopicsPaginated(10, offset)
		if err != nil {
			t.Fatalf("Failed to get page at offset %d: %v", offset, err)
		}
		for _, topic := range page {
			if seen[topic.ID] {
				t.Errorf("Topic %s appeared on two pages", topic.ID)
			}
			seen[topic.ID] = true
		}
	}
	if len(seen) != 25 {
		t.Errorf("Expected pagination to cover all 25 topics, got %d", len(seen))
	}
}

func TestSearchTopics(t *testing.T) {
	repo := setupTestRepo(t)

	for _, title := range []string{"Go channels", "Go routines", "Rust traits", "100% coverage"} {
		if err := repo.InsertTopic(newTestTopic(title)); err != nil {
			t.Fatalf("Failed to insert topic: %v", err)
		}
	}

	results, err := repo.SearchTopics("Go ")
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected 2 results for prefix 'Go ', got %d", len(results))
	}

	// LIKE metacharacters in the query must match literally.
	results, err = repo.SearchTopics("100%")
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 result for prefix '100%%', got %d", len(results))
	}
}

func TestGetFavoriteTopics(t *testing.T) {
	repo := setupTestRepo(t)

	fav := newTestTopic("Starred")
	fav.IsFavorite = true
	if err := repo.InsertTopic(fav); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}
	if err := repo.InsertTopic(newTestTopic("Plain")); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}

	favorites, err := repo.GetFavoriteTopics()
	if err != nil {
		t.Fatalf("Failed to get favorites: %v", err)
	}
	if len(favorites) != 1 || favorites[0].ID != fav.ID {
		t.Errorf("Expected only the starred topic, got %d results", len(favorites))
	}
}

func TestReplaceAll(t *testing.T) {
	repo := setupTestRepo(t)

	old := newTestTopic("Pre-restore")
	if err := repo.InsertTopic(old); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}
	change := &models.PendingChange{EntityType: "topics", EntityID: old.ID, Operation: models.OperationUpdate}
	if err := repo.InsertPendingChange(change); err != nil {
		t.Fatalf("Failed to insert pending change: %v", err)
	}

	now := time.Now().Unix()
	parent := &models.Folder{ID: "aaaaaaaa-0000-0000-0000-000000000001", Name: "Parent", CreatedAt: now, UpdatedAt: now}
	child := &models.Folder{ID: "aaaaaaaa-0000-0000-0000-000000000002", Name: "Child", ParentID: parent.ID, CreatedAt: now, UpdatedAt: now}
	restored := &models.Topic{
		ID:             "bbbbbbbb-0000-0000-0000-000000000001",
		Title:          "Restored",
		FolderID:       child.ID,
		NextReviewDate: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Child before parent: restore must tolerate arbitrary snapshot order.
	if err := repo.ReplaceAll([]*models.Topic{restored}, []*models.Folder{child, parent}); err != nil {
		t.Fatalf("Failed to replace store: %v", err)
	}

	if _, err := repo.GetTopic(old.ID); !apperrors.Is(err, apperrors.ErrTopicNotFound) {
		t.Errorf("Expected pre-restore topic to be gone, got %v", err)
	}
	got, err := repo.GetTopic(restored.ID)
	if err != nil {
		t.Fatalf("Failed to get restored topic: %v", err)
	}
	if got.FolderID != child.ID {
		t.Errorf("Expected folder %s, got %s", child.ID, got.FolderID)
	}

	// The replace supersedes local history, so the ledger empties with it.
	pending, err := repo.CountPendingChanges(models.ChangeStatusPending)
	if err != nil {
		t.Fatalf("Failed to count pending changes: %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected pending changes cleared by replace, got %d", pending)
	}
}

func TestReplaceAllFailureKeepsOldState(t *testing.T) {
	repo := setupTestRepo(t)

	keep := newTestTopic("Survivor")
	if err := repo.InsertTopic(keep); err != nil {
		t.Fatalf("Failed to insert topic: %v", err)
	}
	change := &models.PendingChange{EntityType: "topics", EntityID: keep.ID, Operation: models.OperationUpdate}
	if err := repo.InsertPendingChange(change); err != nil {
		t.Fatalf("Failed to insert pending change: %v", err)
	}

	bad := &models.Topic{
		ID:                "cccccccc-0000-0000-0000-000000000001",
		Title:             "Invalid",
		NextReviewDate:    time.Now().Unix(),
		UseCustomSchedule: true, // invariant violation
		CreatedAt:         1,
		UpdatedAt:         1,
	}
	if err := repo.ReplaceAll([]*models.Topic{bad}, nil); err == nil {
		t.Fatal("Expected restore of invalid snapshot to fail")
	}

	if _, err := repo.GetTopic(keep.ID); err != nil {
		t.Errorf("Expected pre-restore state to survive failed restore, got %v", err)
	}
	pending, err := repo.CountPendingChanges(models.ChangeStatusPending)
	if err != nil {
		t.Fatalf("Failed to count pending changes: %v", err)
	}
	if pending != 1 {
		t.Errorf("Expected pending change to survive failed restore, got %d", pending)
	}
}

func TestGetStatistics(t *testing.T) {
	repo := setupTestRepo(t)

	now := time.Now()
	yesterday := newTestTopic("Overdue")
	yesterday.NextReviewDate = now.Add(-24 * time.Hour).Unix()
	yesterday.CurrentStage = 2
	yesterday.ReviewCount = 2

	later := newTestTopic("Matured")
	later.NextReviewDate = now.Add(7 * 24 * time.Hour).Unix()
	later.CurrentStage = 3
	later.ReviewCount = 5

	if err := repo.InsertTopics([]*models.Topic{yesterday, later}); err != nil {
		t.Fatalf("Failed to insert topics: %v", err)
	}

	stats, err := repo.GetStatistics(now)
	if err != nil {
		t.Fatalf("Failed to get statistics: %v", err)
	}
	if stats.TotalTopics != 2 {
		t.Errorf("Expected 2 topics, got %d", stats.TotalTopics)
	}
	if stats.Overdue != 1 {
		t.Errorf("Expected 1 overdue topic, got %d", stats.Overdue)
	}
	if stats.TotalReviews != 7 {
		t.Errorf("Expected 7 total reviews, got %d", stats.TotalReviews)
	}
	if stats.StageCounts[2] != 1 || stats.StageCounts[3] != 1 {
		t.Errorf("Unexpected stage counts: %v", stats.StageCounts)
	}
}
