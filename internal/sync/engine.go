package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/linchen/recall/internal/config"
	"github.com/linchen/recall/internal/db"
	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/logging"
	"github.com/linchen/recall/internal/models"
	"github.com/linchen/recall/internal/sync/ledger"
)

// SyncState labels where the engine is within a sync cycle.
type SyncState string

const (
	StateIdle          SyncState = "idle"
	StateChecking      SyncState = "checking"
	StateExporting     SyncState = "exporting"
	StateUploading     SyncState = "uploading"
	StateAcknowledging SyncState = "acknowledging"
	StateRetrying      SyncState = "retrying"
	StateRestoring     SyncState = "restoring"
	StateFailed        SyncState = "failed"
)

// Policy bounds a sync cycle. Zero values fall back to defaults.
type Policy struct {
	QuietWindow     *config.QuietWindow
	RetentionCount  int           // keep at most this many backups (default 10)
	RetentionMaxAge time.Duration // drop backups older than this (0 = no age limit)
	MaxAttempts     int           // upload attempts per cycle (default 5)
	DrainBatch      int           // ledger records drained per cycle (default 500)
	UploadTimeout   time.Duration // per-attempt bound (default 30s)
	BackoffBase     time.Duration // first retry delay (default 1s)
	BackoffCap      time.Duration // retry delay ceiling (default 30s)
}

func (p *Policy) fillDefaults() {
	if p.RetentionCount <= 0 {
		p.RetentionCount = 10
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.DrainBatch <= 0 {
		p.DrainBatch = 500
	}
	if p.UploadTimeout <= 0 {
		p.UploadTimeout = 30 * time.Second
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 30 * time.Second
	}
}

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Skipped      bool
	SkipReason   string
	BackupID     string
	TopicCount   int
	SizeBytes    int64
	Acknowledged int
	Pruned       int
}

// Status is the externally visible sync state.
type Status struct {
	State          SyncState  `json:"state"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastBackupID   string     `json:"last_backup_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastErrorCode  string     `json:"last_error_code,omitempty"`
	PendingChanges int        `json:"pending_changes"`
	FailedChanges  int        `json:"failed_changes"`
}

// Engine orchestrates snapshot export, upload, retention and restore.
// At most one cycle runs at a time; concurrent triggers coalesce into the
// in-flight one instead of queueing.
type Engine struct {
	repo   *db.Repository
	ledger *ledger.Ledger
	remote RemoteBackupStore
	policy Policy

	// Clock and Sleep are injectable for tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// OnSynced, if set, runs after every successful cycle (e.g. to reset
	// the review engine's threshold counter).
	OnSynced func()

	sf singleflight.Group

	mu           sync.Mutex
	state        SyncState
	lastSync     *time.Time
	lastBackupID string
	lastErr      error
}

// NewEngine creates a sync engine. The policy's zero values are filled with
// defaults.
func NewEngine(repo *db.Repository, ldg *ledger.Ledger, remote RemoteBackupStore, policy Policy) *Engine {
	policy.fillDefaults()
	return &Engine{
		repo:   repo,
		ledger: ldg,
		remote: remote,
		policy: policy,
		state:  StateIdle,
		Clock:  time.Now,
		Sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) setState(s SyncState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the current sync state.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetSyncStatus reports the current state, last outcome and ledger depth.
func (e *Engine) GetSyncStatus() Status {
	e.mu.Lock()
	status := Status{
		State:        e.state,
		LastSyncAt:   e.lastSync,
		LastBackupID: e.lastBackupID,
	}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
		status.LastErrorCode = string(apperrors.CodeOf(e.lastErr))
	}
	e.mu.Unlock()

	if pending, err := e.ledger.PendingCount(); err == nil {
		status.PendingChanges = pending
	}
	if failed, err := e.ledger.FailedCount(); err == nil {
		status.FailedChanges = failed
	}
	return status
}

// ListBackups returns the backups available on the remote store.
func (e *Engine) ListBackups(ctx context.Context) ([]*models.BackupMetadata, error) {
	return e.remote.List(ctx)
}

// PerformSync runs one full sync cycle. Concurrent calls coalesce: a
// trigger arriving while a cycle is in flight shares that cycle's result
// instead of starting another. Automatic (non-manual) syncs honor quiet
// hours and skip when there is nothing to upload.
func (e *Engine) PerformSync(ctx context.Context, manual bool) (*SyncResult, error) {
	v, err, _ := e.sf.Do("sync", func() (interface{}, error) {
		return e.runCycle(ctx, manual)
	})
	if v == nil {
		return nil, err
	}
	return v.(*SyncResult), err
}

// runCycle drives the state machine:
// Idle -> Checking -> Exporting -> Uploading -> Acknowledging -> Idle,
// with Checking -> Idle on skip and Uploading -> Retrying -> Uploading on
// transient failure up to the attempt ceiling, then Retrying -> Failed ->
// Idle with the ledger preserved.
func (e *Engine) runCycle(ctx context.Context, manual bool) (result *SyncResult, err error) {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateFailed {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	e.state = StateChecking
	e.lastErr = nil
	e.mu.Unlock()

	now := e.Clock()
	result = &SyncResult{StartTime: now}

	defer func() {
		result.EndTime = e.Clock()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		if err != nil {
			e.lastErr = err
			e.state = StateFailed
		} else {
			e.state = StateIdle
		}
		e.mu.Unlock()
	}()

	// Checking: policy gate for automatic triggers.
	if !manual && e.policy.QuietWindow.Contains(now) {
		result.Skipped = true
		result.SkipReason = "quiet_hours"
		logging.Debug("sync skipped during quiet hours", nil)
		return result, nil
	}
	if !manual {
		pending, perr := e.ledger.PendingCount()
		if perr != nil {
			return result, perr
		}
		if pending == 0 {
			result.Skipped = true
			result.SkipReason = "no_pending_changes"
			return result, nil
		}
	}

	// Exporting: drain the ledger and build the snapshot.
	e.setState(StateExporting)

	drained, err := e.ledger.Drain(e.policy.DrainBatch)
	if err != nil {
		return result, err
	}
	drainedIDs := make([]models.UUID, len(drained))
	for i, c := range drained {
		drainedIDs[i] = c.ID
	}

	snap, err := BuildSnapshot(e.repo, now)
	if err != nil {
		e.releaseQuietly(drainedIDs)
		return result, err
	}
	data, checksum, err := EncodeSnapshot(snap)
	if err != nil {
		e.releaseQuietly(drainedIDs)
		return result, err
	}
	result.TopicCount = snap.TopicCount
	result.SizeBytes = int64(len(data))

	// Uploading, with capped exponential backoff on transient failures.
	e.setState(StateUploading)

	backupID, err := e.uploadWithRetry(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled, not failed: the drained entries go straight back
			// to pending without consuming a retry.
			e.releaseQuietly(drainedIDs)
			return result, apperrors.Wrap(apperrors.ErrSyncNetwork, "sync cancelled", ctx.Err())
		}
		if rerr := e.ledger.Requeue(drainedIDs); rerr != nil {
			logging.Error("failed to requeue ledger entries", rerr, nil)
		}
		logging.ErrorWithCode("sync upload failed", string(apperrors.CodeOf(err)), err, nil)
		return result, err
	}
	result.BackupID = backupID

	meta := &models.BackupMetadata{
		ID:          backupID,
		CreatedAt:   now.Unix(),
		SizeBytes:   int64(len(data)),
		Description: fmt.Sprintf("%d topics, %d folders", len(snap.Topics), len(snap.Folders)),
		Checksum:    checksum,
	}
	if err := e.repo.SaveBackupMetadata(meta); err != nil {
		// The upload already happened; losing local metadata is not worth
		// failing the cycle over.
		logging.Error("failed to record backup metadata", err, nil)
	}

	result.Pruned = e.pruneBackups(ctx, now)

	// Acknowledging: the uploaded snapshot covers every drained entry.
	e.setState(StateAcknowledging)
	if err := e.ledger.Acknowledge(drainedIDs); err != nil {
		return result, err
	}
	result.Acknowledged = len(drainedIDs)

	syncedAt := e.Clock()
	e.mu.Lock()
	e.lastSync = &syncedAt
	e.lastBackupID = backupID
	e.mu.Unlock()

	if e.OnSynced != nil {
		e.OnSynced()
	}

	logging.Info("sync completed", map[string]interface{}{
		"backup_id":    backupID,
		"topics":       result.TopicCount,
		"size_bytes":   result.SizeBytes,
		"acknowledged": result.Acknowledged,
		"pruned":       result.Pruned,
	})
	return result, nil
}

// uploadWithRetry attempts the upload up to the attempt ceiling. Network
// errors back off and retry; auth and quota errors surface immediately as
// actionable.
func (e *Engine) uploadWithRetry(ctx context.Context, data []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.UploadTimeout)
		backupID, err := e.remote.Upload(attemptCtx, data)
		cancel()

		if err == nil {
			return backupID, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", lastErr
		}
		code := apperrors.CodeOf(err)
		if code == apperrors.ErrSyncAuthFailed || code == apperrors.ErrSyncQuotaExceeded {
			return "", err
		}

		if attempt < e.policy.MaxAttempts {
			e.setState(StateRetrying)
			delay := backoffDelay(attempt, e.policy.BackoffBase, e.policy.BackoffCap)
			logging.Warn("sync upload failed, retrying", map[string]interface{}{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
			if serr := e.Sleep(ctx, delay); serr != nil {
				return "", lastErr
			}
			e.setState(StateUploading)
		}
	}
	return "", lastErr
}

// backoffDelay doubles the base delay per attempt, capped.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	delay := base << uint(attempt-1)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	return delay
}

// pruneBackups deletes backups beyond the retention count or age. Pruning
// failures are logged, never fatal to the cycle.
func (e *Engine) pruneBackups(ctx context.Context, now time.Time) int {
	backups, err := e.repo.ListBackupMetadata()
	if err != nil {
		logging.Error("retention pruning skipped", err, nil)
		return 0
	}

	pruned := 0
	for i, b := range backups {
		tooMany := i >= e.policy.RetentionCount
		tooOld := e.policy.RetentionMaxAge > 0 &&
			now.Sub(b.CreatedAtTime()) > e.policy.RetentionMaxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := e.remote.Delete(ctx, b.ID); err != nil {
			logging.Error("failed to prune backup", err,
				map[string]interface{}{"backup_id": b.ID})
			continue
		}
		if err := e.repo.DeleteBackupMetadata(b.ID); err != nil {
			logging.Error("failed to drop pruned backup metadata", err,
				map[string]interface{}{"backup_id": b.ID})
		}
		pruned++
	}
	return pruned
}

func (e *Engine) releaseQuietly(ids []models.UUID) {
	if err := e.ledger.Release(ids); err != nil {
		logging.Error("failed to release ledger entries", err, nil)
	}
}

// Restore downloads a snapshot and replaces the local store with it inside
// one exclusive transaction. Last-writer-wins at snapshot granularity: no
// field-level merge is attempted. On any validation or write failure the
// pre-restore state is untouched. The replace also clears the pending
// change ledger, so a restored store never replays stale local history.
func (e *Engine) Restore(ctx context.Context, backupID string) error {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateFailed {
		e.mu.Unlock()
		return apperrors.New(apperrors.ErrSyncInProgress, "cannot restore while a sync is running")
	}
	e.state = StateRestoring
	e.mu.Unlock()

	defer e.setState(StateIdle)

	data, err := e.remote.Download(ctx, backupID)
	if err != nil {
		return err
	}

	// When we recorded this backup ourselves, verify its checksum.
	if meta, err := e.repo.GetBackupMetadata(backupID); err == nil && meta.Checksum != "" {
		if ChecksumOf(data) != meta.Checksum {
			return apperrors.New(apperrors.ErrSnapshotCorrupted,
				"snapshot checksum mismatch for "+backupID)
		}
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}

	if err := e.repo.ReplaceAll(snap.Topics, snap.Folders); err != nil {
		return err
	}

	logging.Info("restore completed", map[string]interface{}{
		"backup_id": backupID,
		"topics":    len(snap.Topics),
		"folders":   len(snap.Folders),
	})
	return nil
}
