// Package review implements the stage-based spaced-repetition scheduling
// engine. All state lives in the topic store; the engine only computes
// stage transitions and due dates and persists them transactionally.
package review

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linchen/recall/internal/db"
	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/logging"
	"github.com/linchen/recall/internal/models"
	"github.com/linchen/recall/internal/sync/ledger"
)

// stageIntervals maps a stage to the delay until the next review.
// Stage 0 is immediately due.
var stageIntervals = [models.MaxStage + 1]time.Duration{
	0,
	24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
	14 * 24 * time.Hour,
}

// NextReviewAt returns the due time for a topic at the given stage.
// Stages beyond MaxStage are reachable only from corrupted input and back
// off linearly: now + 14*(stage-3) days.
func NextReviewAt(stage int, now time.Time) time.Time {
	if stage <= 0 {
		return now
	}
	if stage <= models.MaxStage {
		return now.Add(stageIntervals[stage])
	}
	return now.Add(time.Duration(stage-3) * 14 * 24 * time.Hour)
}

// Engine advances and rewinds review stages. Every operation is one atomic
// read-modify-write against the repository; no external read can observe a
// half-updated topic. Each successful mutation appends a ledger entry in
// the same transaction.
type Engine struct {
	repo   *db.Repository
	ledger *ledger.Ledger

	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time

	// reviewed counts MarkAsReviewed calls since the last ResetReviewed,
	// watched by the sync scheduler's threshold trigger.
	reviewed atomic.Int64
}

// NewEngine creates a scheduling engine over the given store and ledger.
func NewEngine(repo *db.Repository, ldg *ledger.Ledger) *Engine {
	return &Engine{
		repo:   repo,
		ledger: ldg,
		Clock:  time.Now,
	}
}

// ReviewedSinceReset returns the number of reviews recorded since the
// counter was last reset.
func (e *Engine) ReviewedSinceReset() int64 {
	return e.reviewed.Load()
}

// ResetReviewed clears the reviewed counter. Called by the sync layer after
// a successful sync cycle.
func (e *Engine) ResetReviewed() {
	e.reviewed.Store(0)
}

// mutate loads the topic, applies fn, persists the result, and appends a
// ledger entry, all inside one transaction.
func (e *Engine) mutate(topicID models.UUID, fn func(t *models.Topic, now time.Time) error) (*models.Topic, error) {
	var topic *models.Topic
	now := e.Clock()

	err := e.repo.WithTx(func(tx *sql.Tx) error {
		t, err := e.repo.GetTopicTx(tx, topicID)
		if err != nil {
			return err
		}
		if err := fn(t, now); err != nil {
			return err
		}
		if err := e.repo.UpdateTopicTx(tx, t); err != nil {
			return err
		}
		if err := e.ledger.AppendTx(tx, t.TableName(), t.ID, models.OperationUpdate, t); err != nil {
			return err
		}
		topic = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topic, nil
}

// MarkAsReviewed records a completed review: bumps the review count,
// advances the stage (clamped at MaxStage), and recomputes the due date
// from the new stage.
func (e *Engine) MarkAsReviewed(topicID models.UUID) (*models.Topic, error) {
	topic, err := e.mutate(topicID, func(t *models.Topic, now time.Time) error {
		ts := now.Unix()
		t.LastReviewedAt = &ts
		t.ReviewCount++
		// min(stage+1, MaxStage): also pulls corrupted stages back in range.
		if t.CurrentStage+1 > models.MaxStage {
			t.CurrentStage = models.MaxStage
		} else {
			t.CurrentStage++
		}
		t.NextReviewDate = NextReviewAt(t.CurrentStage, now).Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.reviewed.Add(1)
	logging.Debug("topic reviewed", map[string]interface{}{
		"topic_id": string(topic.ID),
		"stage":    topic.CurrentStage,
	})
	return topic, nil
}

// ResetProgress rewinds a topic to stage 0, immediately due, with its
// review history cleared. The custom-schedule flag is left alone.
func (e *Engine) ResetProgress(topicID models.UUID) (*models.Topic, error) {
	return e.mutate(topicID, func(t *models.Topic, now time.Time) error {
		t.CurrentStage = 0
		t.ReviewCount = 0
		t.LastReviewedAt = nil
		t.NextReviewDate = now.Unix()
		return nil
	})
}

// RescheduleTopicTo moves a topic's due date. When isCustom is set the
// topic switches to a custom schedule pinned at the given time. Past times
// are rejected unless allowPast is set.
func (e *Engine) RescheduleTopicTo(topicID models.UUID, at time.Time, isCustom, allowPast bool) (*models.Topic, error) {
	return e.mutate(topicID, func(t *models.Topic, now time.Time) error {
		if !allowPast && at.Before(now) {
			return apperrors.New(apperrors.ErrScheduleInvalid,
				fmt.Sprintf("cannot schedule topic %s in the past (%s)", topicID, at.Format(time.RFC3339)))
		}
		ts := at.Unix()
		t.NextReviewDate = ts
		if isCustom {
			t.UseCustomSchedule = true
			t.CustomReviewDatetime = &ts
		}
		return nil
	})
}

// RemoveCustomSchedule clears the custom schedule. With recalculate set the
// due date is recomputed from the current stage using the same interval
// table as MarkAsReviewed; otherwise the current due date stays.
func (e *Engine) RemoveCustomSchedule(topicID models.UUID, recalculate bool) (*models.Topic, error) {
	return e.mutate(topicID, func(t *models.Topic, now time.Time) error {
		t.UseCustomSchedule = false
		t.CustomReviewDatetime = nil
		if recalculate {
			t.NextReviewDate = NextReviewAt(t.CurrentStage, now).Unix()
		}
		return nil
	})
}
