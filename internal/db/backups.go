// Package db provides the durable topic store backing the review core.
package db

import (
	"database/sql"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
)

// SaveBackupMetadata records an uploaded snapshot. Rows are immutable once
// written; they disappear only through retention pruning or user deletion.
func (r *Repository) SaveBackupMetadata(b *models.BackupMetadata) error {
	return r.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO backup_metadata (id, created_at, size_bytes, description, checksum)
			VALUES (?, ?, ?, ?, ?)`,
			b.ID, b.CreatedAt, b.SizeBytes, b.Description, b.Checksum)
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.SaveBackupMetadata", "insert failed", err)
		}
		return nil
	})
}

// ListBackupMetadata returns all recorded backups, newest first.
func (r *Repository) ListBackupMetadata() ([]*models.BackupMetadata, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	rows, err := r.db.Query(`
		SELECT id, created_at, size_bytes, description, checksum
		FROM backup_metadata ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListBackupMetadata", "query failed", err)
	}
	defer rows.Close()

	var backups []*models.BackupMetadata
	for rows.Next() {
		var b models.BackupMetadata
		if err := rows.Scan(&b.ID, &b.CreatedAt, &b.SizeBytes, &b.Description, &b.Checksum); err != nil {
			return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListBackupMetadata", "scan failed", err)
		}
		backups = append(backups, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListBackupMetadata", "iteration failed", err)
	}
	return backups, nil
}

// GetBackupMetadata retrieves one backup record by ID.
func (r *Repository) GetBackupMetadata(id string) (*models.BackupMetadata, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	var b models.BackupMetadata
	err := r.db.QueryRow(`
		SELECT id, created_at, size_bytes, description, checksum
		FROM backup_metadata WHERE id = ?`, id).
		Scan(&b.ID, &b.CreatedAt, &b.SizeBytes, &b.Description, &b.Checksum)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrBackupNotFound, "backup not found: "+id)
	}
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetBackupMetadata", "query failed", err)
	}
	return &b, nil
}

// DeleteBackupMetadata removes one backup record.
func (r *Repository) DeleteBackupMetadata(id string) error {
	return r.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM backup_metadata WHERE id = ?`, id); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteBackupMetadata", "delete failed", err)
		}
		return nil
	})
}
