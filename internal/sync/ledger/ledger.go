// Package ledger provides the append-only log of local mutations awaiting
// sync, with retry accounting and a failure ceiling.
package ledger

import (
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/linchen/recall/internal/db"
	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/logging"
	"github.com/linchen/recall/internal/models"
)

// DefaultMaxRetries is the retry ceiling after which an entry becomes
// Failed and is surfaced instead of retried.
const DefaultMaxRetries = 5

// Ledger records pending changes durably in the pending_changes table.
// FIFO order per entity is preserved by the store-assigned sequence number.
type Ledger struct {
	repo       *db.Repository
	maxRetries int
	mu         sync.Mutex
}

// New creates a Ledger over the given repository. maxRetries <= 0 falls
// back to DefaultMaxRetries. Records left in flight by a crash mid-sync
// are flipped back to pending, without consuming a retry, so the next
// cycle drains them.
func New(repo *db.Repository, maxRetries int) *Ledger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if recovered, err := repo.ResetInFlightChanges(); err != nil {
		logging.Error("failed to recover in-flight ledger entries", err, nil)
	} else if recovered > 0 {
		logging.Warn("recovered in-flight ledger entries",
			map[string]interface{}{"count": recovered})
	}
	return &Ledger{repo: repo, maxRetries: maxRetries}
}

// MaxRetries returns the configured retry ceiling.
func (l *Ledger) MaxRetries() int {
	return l.maxRetries
}

// Append records a mutation. The payload is a snapshot of the entity after
// the mutation, so later replay never needs the live row.
func (l *Ledger) Append(entityType string, entityID models.UUID, operation string, payload interface{}) error {
	change, err := buildChange(entityType, entityID, operation, payload)
	if err != nil {
		return err
	}
	return l.repo.InsertPendingChange(change)
}

// AppendTx records a mutation inside an existing transaction so the entity
// write and its ledger entry commit or roll back together.
func (l *Ledger) AppendTx(tx *sql.Tx, entityType string, entityID models.UUID, operation string, payload interface{}) error {
	change, err := buildChange(entityType, entityID, operation, payload)
	if err != nil {
		return err
	}
	return l.repo.InsertPendingChangeTx(tx, change)
}

func buildChange(entityType string, entityID models.UUID, operation string, payload interface{}) (*models.PendingChange, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode change payload", err)
		}
		raw = data
	}
	return &models.PendingChange{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		Payload:    raw,
	}, nil
}

// Drain returns up to maxBatch of the oldest pending records in FIFO order
// and marks them in-flight. Records are not removed; callers acknowledge or
// requeue them once the upload settles.
func (l *Ledger) Drain(maxBatch int) ([]*models.PendingChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	changes, err := l.repo.ListPendingChanges(models.ChangeStatusPending, maxBatch)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	ids := changeIDs(changes)
	if err := l.repo.MarkPendingChanges(ids, models.ChangeStatusInFlight); err != nil {
		return nil, err
	}
	for _, c := range changes {
		c.Status = models.ChangeStatusInFlight
	}
	return changes, nil
}

// Acknowledge removes successfully synced records.
func (l *Ledger) Acknowledge(ids []models.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.DeletePendingChanges(ids)
}

// Requeue increments retry counts and flips records back to pending. An
// entry whose count passes the ceiling becomes Failed and stays visible
// through counts rather than being retried again.
func (l *Ledger) Requeue(ids []models.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.repo.RequeuePendingChanges(ids, l.maxRetries); err != nil {
		return err
	}
	failed, err := l.repo.CountPendingChanges(models.ChangeStatusFailed)
	if err == nil && failed > 0 {
		logging.Warn("ledger entries exceeded retry ceiling",
			map[string]interface{}{"failed": failed, "max_retries": l.maxRetries})
	}
	return nil
}

// Release flips in-flight records back to pending without touching retry
// counts. Used when a sync is cancelled rather than failed.
func (l *Ledger) Release(ids []models.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.MarkPendingChanges(ids, models.ChangeStatusPending)
}

// Clear removes every record. Used when local history is abandoned
// wholesale, for example before re-seeding a store from scratch.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repo.ClearPendingChanges()
}

// PendingCount returns the number of records waiting to sync.
func (l *Ledger) PendingCount() (int, error) {
	return l.repo.CountPendingChanges(models.ChangeStatusPending)
}

// FailedCount returns the number of records past the retry ceiling.
func (l *Ledger) FailedCount() (int, error) {
	return l.repo.CountPendingChanges(models.ChangeStatusFailed)
}

func changeIDs(changes []*models.PendingChange) []models.UUID {
	ids := make([]models.UUID, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	return ids
}
