// Package db provides the durable topic store backing the review core.
package db

import (
	"time"

	apperrors "github.com/linchen/recall/internal/errors"
)

// Statistics holds aggregate counts over the topic table.
type Statistics struct {
	TotalTopics  int         `json:"total_topics"`
	Overdue      int         `json:"overdue"`
	DueToday     int         `json:"due_today"`
	TotalReviews int         `json:"total_reviews"`
	StageCounts  map[int]int `json:"stage_counts"`
	// Accuracy is the share of topics that have reached stage 3 or higher,
	// a retention proxy in [0, 1]. Zero when the store is empty.
	Accuracy float64 `json:"accuracy"`
}

// GetStatistics computes aggregate statistics with two aggregate queries,
// never by loading the full table into memory. Overdue means due strictly
// before the start of today; due-today means due between start and end of
// the current day.
func (r *Repository) GetStatistics(now time.Time) (*Statistics, error) {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()
	dayEnd := dayStart + 24*60*60

	stats := &Statistics{StageCounts: make(map[int]int)}

	err := r.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN next_review_date < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN next_review_date >= ? AND next_review_date < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(review_count), 0)
		FROM topics`, dayStart, dayStart, dayEnd).
		Scan(&stats.TotalTopics, &stats.Overdue, &stats.DueToday, &stats.TotalReviews)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetStatistics", "aggregate query failed", err)
	}

	var matured int
	rows, err := r.db.Query(`SELECT current_stage, COUNT(*) FROM topics GROUP BY current_stage`)
	if err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetStatistics", "stage query failed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stage, count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetStatistics", "stage scan failed", err)
		}
		stats.StageCounts[stage] = count
		if stage >= 3 {
			matured += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapOp(apperrors.ErrStorage, "db.GetStatistics", "stage iteration failed", err)
	}

	if stats.TotalTopics > 0 {
		stats.Accuracy = float64(matured) / float64(stats.TotalTopics)
	}
	return stats, nil
}
