// Package sync orchestrates snapshot backup, restore and the offline
// change ledger against an abstract remote backup store.
package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/linchen/recall/internal/db"
	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
)

// BuildSnapshot exports the full topic and folder state at a point in time.
func BuildSnapshot(repo *db.Repository, now time.Time) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		SchemaVersion: models.SnapshotSchemaVersion,
		CreatedAt:     now.Unix(),
	}

	var g errgroup.Group
	g.Go(func() error {
		topics, err := repo.AllTopics()
		if err != nil {
			return err
		}
		snap.Topics = topics
		return nil
	})
	g.Go(func() error {
		folders, err := repo.AllFolders()
		if err != nil {
			return err
		}
		snap.Folders = folders
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.TopicCount = len(snap.Topics)
	return snap, nil
}

// EncodeSnapshot serializes a snapshot as gzip-compressed JSON and returns
// the bytes plus their SHA-256 checksum.
func EncodeSnapshot(snap *models.Snapshot) ([]byte, string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", apperrors.Wrap(apperrors.ErrInternal, "failed to compress snapshot", err)
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// DecodeSnapshot parses gzip-compressed snapshot bytes, rejecting corrupted
// data and any schema version it does not understand.
func DecodeSnapshot(data []byte) (*models.Snapshot, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSnapshotCorrupted, "snapshot is not valid gzip", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSnapshotCorrupted, "failed to decompress snapshot", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSnapshotCorrupted, "snapshot is not valid JSON", err)
	}

	if snap.SchemaVersion != models.SnapshotSchemaVersion {
		return nil, apperrors.New(apperrors.ErrSyncSchemaMismatch,
			fmt.Sprintf("unsupported snapshot schema version %d (want %d)",
				snap.SchemaVersion, models.SnapshotSchemaVersion))
	}

	return &snap, nil
}

// ChecksumOf returns the SHA-256 hex digest of data.
func ChecksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
