// Package db provides the durable topic store backing the review core.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
	"github.com/linchen/recall/internal/uuid"
)

// Repository provides CRUD and query operations for all models.
// All mutating calls run inside serialized transactions; restore takes an
// exclusive lock so no read observes a half-replaced store.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt

	// storeMu is held shared by reads and exclusively by ReplaceAll.
	storeMu sync.RWMutex
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic.
func (r *Repository) WithTx(fn func(tx *sql.Tx) error) error {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.WithTx", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.WithTx", "failed to commit transaction", err)
	}
	return nil
}

// =====================================================
// Topic Operations
// =====================================================

const topicColumns = `id, title, content_ref, current_stage, next_review_date,
	last_reviewed_at, review_count, tags, is_favorite, folder_id,
	use_custom_schedule, custom_review_datetime, created_at, updated_at`

const insertTopicSQL = `
INSERT INTO topics (id, title, content_ref, current_stage, next_review_date,
	last_reviewed_at, review_count, tags, is_favorite, folder_id,
	use_custom_schedule, custom_review_datetime, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const updateTopicSQL = `
UPDATE topics
SET title = ?, content_ref = ?, current_stage = ?, next_review_date = ?,
	last_reviewed_at = ?, review_count = ?, tags = ?, is_favorite = ?,
	folder_id = ?, use_custom_schedule = ?, custom_review_datetime = ?,
	updated_at = ?
WHERE id = ?
`

// encodeTags serializes tags as a JSON array so they round-trip losslessly.
func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeTags(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func nullableID(id models.UUID) interface{} {
	if id == "" {
		return nil
	}
	return string(id)
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// topicArgs builds the insert argument list for a topic.
func topicArgs(t *models.Topic) ([]interface{}, error) {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		t.ID, t.Title, t.ContentRef, t.CurrentStage, t.NextReviewDate,
		nullableInt64(t.LastReviewedAt), t.ReviewCount, tags, t.IsFavorite,
		nullableID(t.FolderID), t.UseCustomSchedule,
		nullableInt64(t.CustomReviewDatetime), t.CreatedAt, t.UpdatedAt,
	}, nil
}

// prepareTopicForInsert assigns ID and timestamps, then validates invariants.
func prepareTopicForInsert(t *models.Topic) error {
	now := time.Now().Unix()
	if t.ID == "" {
		t.ID = models.UUID(uuid.New())
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.NextReviewDate == 0 {
		t.NextReviewDate = now
	}
	return t.Validate()
}

// InsertTopic creates a new topic.
func (r *Repository) InsertTopic(t *models.Topic) error {
	if err := prepareTopicForInsert(t); err != nil {
		return apperrors.WrapOp(apperrors.ErrValidation, "db.InsertTopic", "invalid topic", err)
	}
	return r.WithTx(func(tx *sql.Tx) error {
		return insertTopicTx(tx, t)
	})
}

func insertTopicTx(tx *sql.Tx, t *models.Topic) error {
	args, err := topicArgs(t)
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.InsertTopic", "failed to encode tags", err)
	}
	if _, err := tx.Exec(insertTopicSQL, args...); err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.InsertTopic", "insert failed", err)
	}
	return nil
}

// InsertTopics creates many topics in one all-or-nothing transaction.
// A single prepared statement is reused across rows, which is what makes the
// batch path markedly cheaper than row-by-row inserts.
func (r *Repository) InsertTopics(topics []*models.Topic) error {
	for _, t := range topics {
		if err := prepareTopicForInsert(t); err != nil {
			return apperrors.WrapOp(apperrors.ErrValidation, "db.InsertTopics", "invalid topic", err)
		}
	}
	return r.WithTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(insertTopicSQL)
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.InsertTopics", "failed to prepare statement", err)
		}
		defer stmt.Close()

		for _, t := range topics {
			args, err := topicArgs(t)
			if err != nil {
				return apperrors.WrapOp(apperrors.ErrStorage, "db.InsertTopics", "failed to encode tags", err)
			}
			if _, err := stmt.Exec(args...); err != nil {
				return apperrors.WrapOp(apperrors.ErrStorage, "db.InsertTopics",
					fmt.Sprintf("insert failed for topic %s", t.ID), err)
			}
		}
		return nil
	})
}

// UpdateTopic updates an existing topic.
func (r *Repository) UpdateTopic(t *models.Topic) error {
	return r.WithTx(func(tx *sql.Tx) error {
		return r.UpdateTopicTx(tx, t)
	})
}

// UpdateTopicTx updates a topic inside an existing transaction.
func (r *Repository) UpdateTopicTx(tx *sql.Tx, t *models.Topic) error {
	if err := t.Validate(); err != nil {
		return apperrors.WrapOp(apperrors.ErrValidation, "db.UpdateTopic", "invalid topic", err)
	}
	t.Touch()

	tags, err := encodeTags(t.Tags)
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.UpdateTopic", "failed to encode tags", err)
	}
	result, err := tx.Exec(updateTopicSQL,
		t.Title, t.ContentRef, t.CurrentStage, t.NextReviewDate,
		nullableInt64(t.LastReviewedAt), t.ReviewCount, tags, t.IsFavorite,
		nullableID(t.FolderID), t.UseCustomSchedule,
		nullableInt64(t.CustomReviewDatetime), t.UpdatedAt, t.ID)
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.UpdateTopic", "update failed", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.New(apperrors.ErrTopicNotFound, fmt.Sprintf("topic not found: %s", t.ID))
	}
	return nil
}

// UpdateTopics updates many topics in one all-or-nothing transaction.
func (r *Repository) UpdateTopics(topics []*models.Topic) error {
	return r.WithTx(func(tx *sql.Tx) error {
		for _, t := range topics {
			if err := r.UpdateTopicTx(tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteTopic removes a topic.
func (r *Repository) DeleteTopic(id models.UUID) error {
	return r.WithTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM topics WHERE id = ?`, id)
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteTopic", "delete failed", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return apperrors.New(apperrors.ErrTopicNotFound, fmt.Sprintf("topic not found: %s", id))
		}
		return nil
	})
}

// DeleteTopics removes many topics in one all-or-nothing transaction.
// IDs that do not exist are ignored; the batch still commits.
func (r *Repository) DeleteTopics(ids []models.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.WithTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`DELETE FROM topics WHERE id = ?`)
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteTopics", "failed to prepare statement", err)
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.Exec(id); err != nil {
				return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteTopics",
					fmt.Sprintf("delete failed for topic %s", id), err)
			}
		}
		return nil
	})
}

// GetTopic retrieves a topic by ID.
func (r *Repository) GetTopic(id models.UUID) (*models.Topic, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	query := `SELECT ` + topicColumns + ` FROM topics WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetTopic", "failed to prepare statement", err)
	}

	t, err := scanTopic(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrTopicNotFound, fmt.Sprintf("topic not found: %s", id))
	}
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetTopic", "query failed", err)
	}
	return t, nil
}

// GetTopicTx retrieves a topic by ID inside an existing transaction.
func (r *Repository) GetTopicTx(tx *sql.Tx, id models.UUID) (*models.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics WHERE id = ?`
	t, err := scanTopic(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrTopicNotFound, fmt.Sprintf("topic not found: %s", id))
	}
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetTopic", "query failed", err)
	}
	return t, nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanTopic.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTopic(row rowScanner) (*models.Topic, error) {
	var t models.Topic
	var tagsRaw string
	var lastReviewed, customReview sql.NullInt64
	var folderID sql.NullString

	err := row.Scan(
		&t.ID, &t.Title, &t.ContentRef, &t.CurrentStage, &t.NextReviewDate,
		&lastReviewed, &t.ReviewCount, &tagsRaw, &t.IsFavorite, &folderID,
		&t.UseCustomSchedule, &customReview, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastReviewed.Valid {
		v := lastReviewed.Int64
		t.LastReviewedAt = &v
	}
	if customReview.Valid {
		v := customReview.Int64
		t.CustomReviewDatetime = &v
	}
	if folderID.Valid {
		t.FolderID = models.UUID(folderID.String)
	}

	tags, err := decodeTags(tagsRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tags for topic %s: %w", t.ID, err)
	}
	t.Tags = tags

	return &t, nil
}

// queryTopics runs a topic SELECT and scans all rows.
func (r *Repository) queryTopics(op, query string, args ...interface{}) ([]*models.Topic, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, op, "failed to prepare statement", err)
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, op, "query failed", err)
	}
	defer rows.Close()

	var topics []*models.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, apperrors.WrapOp(apperrors.ErrStorage, op, "scan failed", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, op, "iteration failed", err)
	}
	return topics, nil
}

// GetDueTopics returns topics with next_review_date at or before now,
// served from the (next_review_date, id) index.
func (r *Repository) GetDueTopics(now time.Time) ([]*models.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics
		WHERE next_review_date <= ?
		ORDER BY next_review_date, id`
	return r.queryTopics("db.GetDueTopics", query, now.Unix())
}

// GetFavoriteTopics returns all favorite topics.
func (r *Repository) GetFavoriteTopics() ([]*models.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics
		WHERE is_favorite = 1
		ORDER BY next_review_date, id`
	return r.queryTopics("db.GetFavoriteTopics", query)
}

// SearchTopics returns topics whose title starts with the query string.
func (r *Repository) SearchTopics(q string) ([]*models.Topic, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(q)
	query := `SELECT ` + topicColumns + ` FROM topics
		WHERE title LIKE ? ESCAPE '\'
		ORDER BY title, id`
	return r.queryTopics("db.SearchTopics", query, escaped+"%")
}

// GetTopicsByFolder returns all topics in a folder.
func (r *Repository) GetTopicsByFolder(folderID models.UUID) ([]*models.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics
		WHERE folder_id = ?
		ORDER BY next_review_date, id`
	return r.queryTopics("db.GetTopicsByFolder", query, folderID)
}

// GetTopicsPaginated returns one page of topics in a stable total order
// (next_review_date, then id) so successive pages neither skip nor
// duplicate rows.
func (r *Repository) GetTopicsPaginated(limit, offset int) ([]*models.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics
		ORDER BY next_review_date, id
		LIMIT ? OFFSET ?`
	return r.queryTopics("db.GetTopicsPaginated", query, limit, offset)
}

// GetTopicsCount returns the total number of topics.
func (r *Repository) GetTopicsCount() (int, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM topics`).Scan(&count)
	if err != nil {
		return 0, apperrors.WrapOp(apperrors.ErrStorage, "db.GetTopicsCount", "query failed", err)
	}
	return count, nil
}

// AllTopics returns every topic, used for snapshot export.
func (r *Repository) AllTopics() ([]*models.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics ORDER BY next_review_date, id`
	return r.queryTopics("db.AllTopics", query)
}

// ReplaceAll atomically replaces the entire topic and folder contents with
// the given snapshot data, and clears the pending change ledger in the same
// transaction since local history predating the snapshot is meaningless.
// Holds the exclusive store lock for its duration, blocking all reads and
// writes. On any failure the pre-existing state is left untouched.
func (r *Repository) ReplaceAll(topics []*models.Topic, folders []*models.Folder) error {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	// Snapshot ordering is arbitrary; defer FK checks to commit so a child
	// folder may be inserted before its parent.
	if _, err := tx.Exec(`PRAGMA defer_foreign_keys=ON`); err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to defer foreign keys", err)
	}

	if _, err := tx.Exec(`DELETE FROM topics`); err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to clear topics", err)
	}
	if _, err := tx.Exec(`DELETE FROM folders`); err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to clear folders", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_changes`); err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to clear pending changes", err)
	}

	folderStmt, err := tx.Prepare(insertFolderSQL)
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to prepare folder insert", err)
	}
	defer folderStmt.Close()
	for _, f := range folders {
		if _, err := folderStmt.Exec(f.ID, f.Name, nullableID(f.ParentID), f.SortOrder, f.CreatedAt, f.UpdatedAt); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll",
				fmt.Sprintf("insert failed for folder %s", f.ID), err)
		}
	}

	topicStmt, err := tx.Prepare(insertTopicSQL)
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to prepare topic insert", err)
	}
	defer topicStmt.Close()
	for _, t := range topics {
		if err := t.Validate(); err != nil {
			return apperrors.WrapOp(apperrors.ErrValidation, "db.ReplaceAll", "invalid topic in snapshot", err)
		}
		args, err := topicArgs(t)
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to encode tags", err)
		}
		if _, err := topicStmt.Exec(args...); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll",
				fmt.Sprintf("insert failed for topic %s", t.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.ReplaceAll", "failed to commit", err)
	}
	return nil
}
