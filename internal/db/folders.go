// Package db provides the durable topic store backing the review core.
package db

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
	"github.com/linchen/recall/internal/uuid"
)

const folderColumns = `id, name, parent_id, sort_order, created_at, updated_at`

const insertFolderSQL = `
INSERT INTO folders (id, name, parent_id, sort_order, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`

// InsertFolder creates a new folder. The parent, if set, must exist, and the
// new folder must not introduce a cycle.
func (r *Repository) InsertFolder(f *models.Folder) error {
	now := time.Now().Unix()
	if f.ID == "" {
		f.ID = models.UUID(uuid.New())
	}
	f.CreatedAt = now
	f.UpdatedAt = now

	return r.WithTx(func(tx *sql.Tx) error {
		if f.ParentID != "" {
			if err := checkFolderCycle(tx, f.ID, f.ParentID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(insertFolderSQL, f.ID, f.Name, nullableID(f.ParentID),
			f.SortOrder, f.CreatedAt, f.UpdatedAt); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.InsertFolder", "insert failed", err)
		}
		return nil
	})
}

// GetFolder retrieves a folder by ID.
func (r *Repository) GetFolder(id models.UUID) (*models.Folder, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	query := `SELECT ` + folderColumns + ` FROM folders WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetFolder", "failed to prepare statement", err)
	}

	f, err := scanFolder(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrFolderNotFound, fmt.Sprintf("folder not found: %s", id))
	}
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetFolder", "query failed", err)
	}
	return f, nil
}

// ListFolders returns all folders ordered by sort order then name.
func (r *Repository) ListFolders() ([]*models.Folder, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	query := `SELECT ` + folderColumns + ` FROM folders ORDER BY sort_order, name`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListFolders", "query failed", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListFolders", "scan failed", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.ListFolders", "iteration failed", err)
	}
	return folders, nil
}

// UpdateFolder updates an existing folder.
func (r *Repository) UpdateFolder(f *models.Folder) error {
	f.Touch()
	return r.WithTx(func(tx *sql.Tx) error {
		if f.ParentID != "" {
			if err := checkFolderCycle(tx, f.ID, f.ParentID); err != nil {
				return err
			}
		}
		result, err := tx.Exec(`UPDATE folders SET name = ?, parent_id = ?, sort_order = ?, updated_at = ? WHERE id = ?`,
			f.Name, nullableID(f.ParentID), f.SortOrder, f.UpdatedAt, f.ID)
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.UpdateFolder", "update failed", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return apperrors.New(apperrors.ErrFolderNotFound, fmt.Sprintf("folder not found: %s", f.ID))
		}
		return nil
	})
}

// DeleteFolder removes a folder. Child folders are reparented to the deleted
// folder's parent; topics in the folder keep existing with no folder. Callers
// wanting a cascade delete the contained topics first.
func (r *Repository) DeleteFolder(id models.UUID) error {
	return r.WithTx(func(tx *sql.Tx) error {
		var parentID sql.NullString
		err := tx.QueryRow(`SELECT parent_id FROM folders WHERE id = ?`, id).Scan(&parentID)
		if err == sql.ErrNoRows {
			return apperrors.New(apperrors.ErrFolderNotFound, fmt.Sprintf("folder not found: %s", id))
		}
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteFolder", "lookup failed", err)
		}

		var newParent interface{}
		if parentID.Valid {
			newParent = parentID.String
		}
		if _, err := tx.Exec(`UPDATE folders SET parent_id = ? WHERE parent_id = ?`, newParent, id); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteFolder", "reparent failed", err)
		}
		if _, err := tx.Exec(`UPDATE topics SET folder_id = NULL WHERE folder_id = ?`, id); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteFolder", "topic detach failed", err)
		}
		if _, err := tx.Exec(`DELETE FROM folders WHERE id = ?`, id); err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.DeleteFolder", "delete failed", err)
		}
		return nil
	})
}

// AllFolders returns every folder, used for snapshot export.
func (r *Repository) AllFolders() ([]*models.Folder, error) {
	return r.ListFolders()
}

// checkFolderCycle walks up from parentID and fails if it reaches id.
func checkFolderCycle(tx *sql.Tx, id, parentID models.UUID) error {
	current := parentID
	for current != "" {
		if current == id {
			return apperrors.New(apperrors.ErrFolderCycle,
				fmt.Sprintf("folder %s cannot be its own ancestor", id))
		}
		var next sql.NullString
		err := tx.QueryRow(`SELECT parent_id FROM folders WHERE id = ?`, current).Scan(&next)
		if err == sql.ErrNoRows {
			return apperrors.New(apperrors.ErrFolderNotFound, fmt.Sprintf("parent folder not found: %s", current))
		}
		if err != nil {
			return apperrors.WrapOp(apperrors.ErrStorage, "db.checkFolderCycle", "lookup failed", err)
		}
		if !next.Valid {
			break
		}
		current = models.UUID(next.String)
	}
	return nil
}

func scanFolder(row rowScanner) (*models.Folder, error) {
	var f models.Folder
	var parentID sql.NullString
	if err := row.Scan(&f.ID, &f.Name, &parentID, &f.SortOrder, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		f.ParentID = models.UUID(parentID.String)
	}
	return &f, nil
}
