package sync

import (
	"context"

	"github.com/linchen/recall/internal/models"
)

// RemoteBackupStore is the abstract remote half of backup and restore.
// The concrete provider is an external collaborator; the core only depends
// on this surface.
type RemoteBackupStore interface {
	// Upload stores a snapshot and returns its backup ID.
	Upload(ctx context.Context, data []byte) (string, error)

	// Download retrieves a snapshot by backup ID.
	Download(ctx context.Context, id string) ([]byte, error)

	// Delete removes a backup.
	Delete(ctx context.Context, id string) error

	// List returns metadata for every stored backup, newest first.
	List(ctx context.Context) ([]*models.BackupMetadata, error)
}
