// Package db provides the durable topic store backing the review core.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
	"github.com/linchen/recall/internal/uuid"
)

const changeColumns = `seq, id, entity_type, entity_id, operation, payload, retry_count, status, created_at`

// InsertPendingChange appends a change record. Seq is assigned by SQLite's
// AUTOINCREMENT, which preserves append order.
func (r *Repository) InsertPendingChange(c *models.PendingChange) error {
	return r.WithTx(func(tx *sql.Tx) error {
		return r.InsertPendingChangeTx(tx, c)
	})
}

// InsertPendingChangeTx appends a change record inside an existing
// transaction, so the mutation and its ledger entry commit together.
func (r *Repository) InsertPendingChangeTx(tx *sql.Tx, c *models.PendingChange) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	if c.Status == "" {
		c.Status = models.ChangeStatusPending
	}
	payload := c.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := tx.Exec(`
		INSERT INTO pending_changes (id, entity_type, entity_id, operation, payload, retry_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityType, c.EntityID, c.Operation, string(payload), c.RetryCount, c.Status, c.CreatedAt)
	if err != nil {
		return apperrors.WrapOp(apperrors.ErrStorage, "db.InsertPendingChange", "insert failed", err)
	}
	seq, err := result.LastInsertId()
	if err == nil {
		c.Seq = seq
	}
	return nil
}

// ListPendingChanges returns up to limit records with the given status in
// FIFO (seq) order. A limit of 0 means no limit.
func (r *Repository) ListPendingChanges(status string, limit int) ([]*models.PendingChange, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	query := `SELECT ` + changeColumns + ` FROM pending_changes WHERE status = ? ORDER BY seq`
	args := []interface{}{status}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListPendingChanges", "query failed", err)
	}
	defer rows.Close()

	var changes []*models.PendingChange
	for rows.Next() {
		c, err := scanPendingChange(rows)
		if err != nil {
			return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListPendingChanges", "scan failed", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListPendingChanges", "iteration failed", err)
	}
	return changes, nil
}

// MarkPendingChanges sets the status of the given records.
func (r *Repository) MarkPendingChanges(ids []models.UUID, status string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.WithTx(func(tx *sql.Tx) error {
		query := fmt.Sprintf(`UPDATE pending_changes SET status = ? WHERE id IN (%s)`, placeholders(len(ids)))
		args := make([]interface{}, 0, len(ids)+1)
		args = append(args, status)
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.MarkPendingChanges", "update failed", err)
		}
		return nil
	})
}

// RequeuePendingChanges increments retry counts and flips records back to
// pending, or to failed once retry_count reaches the ceiling.
func (r *Repository) RequeuePendingChanges(ids []models.UUID, maxRetries int) error {
	if len(ids) == 0 {
		return nil
	}
	return r.WithTx(func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			UPDATE pending_changes
			SET retry_count = retry_count + 1,
				status = CASE WHEN retry_count + 1 > ? THEN ? ELSE ? END
			WHERE id IN (%s)`, placeholders(len(ids)))
		args := make([]interface{}, 0, len(ids)+3)
		args = append(args, maxRetries, models.ChangeStatusFailed, models.ChangeStatusPending)
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.RequeuePendingChanges", "update failed", err)
		}
		return nil
	})
}

// ResetInFlightChanges flips every in-flight record back to pending and
// returns how many were recovered. Called at startup: rows left in flight
// by a crash mid-sync would otherwise never be drained again.
func (r *Repository) ResetInFlightChanges() (int, error) {
	var count int
	err := r.WithTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`UPDATE pending_changes SET status = ? WHERE status = ?`,
			models.ChangeStatusPending, models.ChangeStatusInFlight)
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.ResetInFlightChanges", "update failed", err)
		}
		if n, err := result.RowsAffected(); err == nil {
			count = int(n)
		}
		return nil
	})
	return count, err
}

// DeletePendingChanges removes the given records.
func (r *Repository) DeletePendingChanges(ids []models.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.WithTx(func(tx *sql.Tx) error {
		query := fmt.Sprintf(`DELETE FROM pending_changes WHERE id IN (%s)`, placeholders(len(ids)))
		args := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.Exec(query, args...); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeletePendingChanges", "delete failed", err)
		}
		return nil
	})
}

// ClearPendingChanges removes every ledger record.
func (r *Repository) ClearPendingChanges() error {
	return r.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM pending_changes`); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.ClearPendingChanges", "delete failed", err)
		}
		return nil
	})
}

// CountPendingChanges returns the number of records with the given status.
func (r *Repository) CountPendingChanges(status string) (int, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM pending_changes WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, apperrors.WrapOp(apperrors.ErrStorage, "db.CountPendingChanges", "query failed", err)
	}
	return count, nil
}

func scanPendingChange(row rowScanner) (*models.PendingChange, error) {
	var c models.PendingChange
	var payload string
	if err := row.Scan(&c.Seq, &c.ID, &c.EntityType, &c.EntityID, &c.Operation,
		&payload, &c.RetryCount, &c.Status, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Payload = []byte(payload)
	return &c, nil
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
