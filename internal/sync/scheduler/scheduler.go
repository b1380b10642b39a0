// Package scheduler runs automatic backup sync in the background, on a
// periodic interval and whenever enough reviews have accumulated.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/logging"
	syncpkg "github.com/linchen/recall/internal/sync"
)

// SyncRunner is the slice of the sync engine the scheduler drives.
type SyncRunner interface {
	PerformSync(ctx context.Context, manual bool) (*syncpkg.SyncResult, error)
}

// ReviewCounter reports how many reviews happened since the last
// successful sync.
type ReviewCounter interface {
	ReviewedSinceReset() int64
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval    time.Duration // periodic automatic sync (default: 15 minutes)
	ReviewThreshold int           // reviews that trigger an early sync (default: 20)
	PollInterval    time.Duration // how often the threshold is checked (default: 1 minute)
	SyncTimeout     time.Duration // bound on one automatic cycle (default: 5 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:    15 * time.Minute,
		ReviewThreshold: 20,
		PollInterval:    time.Minute,
		SyncTimeout:     5 * time.Minute,
	}
}

// Scheduler triggers automatic sync cycles. Quiet hours and coalescing of
// overlapping triggers are the engine's concern, not the scheduler's; the
// scheduler only decides when to ask.
type Scheduler struct {
	runner   SyncRunner
	reviews  ReviewCounter
	config   *Config
	stopCh   chan struct{}
	wg       stdsync.WaitGroup
	mu       stdsync.RWMutex
	running  bool
	lastSync time.Time
}

// New creates a Scheduler. reviews may be nil, disabling the threshold
// trigger.
func New(runner SyncRunner, reviews ReviewCounter, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 15 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 5 * time.Minute
	}

	return &Scheduler{
		runner:  runner,
		reviews: reviews,
		config:  config,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.intervalLoop(ctx)

	if s.reviews != nil && s.config.ReviewThreshold > 0 {
		s.wg.Add(1)
		go s.thresholdLoop(ctx)
	}

	logging.Info("sync scheduler started", map[string]interface{}{
		"interval_minutes": s.config.SyncInterval.Minutes(),
		"review_threshold": s.config.ReviewThreshold,
	})
}

// Stop shuts the scheduler down and waits for its loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("sync scheduler stopped", nil)
}

// intervalLoop fires an automatic sync every SyncInterval.
func (s *Scheduler) intervalLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runAutoSync(ctx, "interval")
		}
	}
}

// thresholdLoop fires an automatic sync once enough reviews have piled up
// since the last successful cycle.
func (s *Scheduler) thresholdLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.reviews.ReviewedSinceReset() >= int64(s.config.ReviewThreshold) {
				s.runAutoSync(ctx, "review_threshold")
			}
		}
	}
}

// runAutoSync executes one automatic sync cycle. An already-running cycle
// is not an error here; the next tick will try again.
func (s *Scheduler) runAutoSync(ctx context.Context, trigger string) {
	syncCtx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	result, err := s.runner.PerformSync(syncCtx, false)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			return
		}
		logging.ErrorWithCode("automatic sync failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
		return
	}
	if result.Skipped {
		logging.Debug("automatic sync skipped",
			map[string]interface{}{"trigger": trigger, "reason": result.SkipReason})
		return
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()

	logging.Info("automatic sync completed", map[string]interface{}{
		"trigger":      trigger,
		"backup_id":    result.BackupID,
		"acknowledged": result.Acknowledged,
	})
}

// SyncNow runs a manual sync and waits for it to finish. Manual syncs
// ignore quiet hours and run even with an empty ledger.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	result, err := s.runner.PerformSync(ctx, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()

	return result, nil
}

// Status reports the scheduler's view of the world.
type Status struct {
	Running  bool
	LastSync *time.Time
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{Running: s.running}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		status.LastSync = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
