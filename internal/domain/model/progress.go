package model

import "time"

// Progress is the mutable per-(user, achievement) progress row.
// Invariant: Earned implies Current >= Target, and EarnedAt is set exactly
// once unless the achievement is repeatable.
type Progress struct {
	UserID        string
	AchievementID string
	Current       int
	Target        int
	Earned        bool
	EarnedAt      *time.Time
	LastUpdated   time.Time
	Metadata      map[string]any
}

// ProgressDelta describes how one achievement's progress changed for one
// processed event.
type ProgressDelta struct {
	AchievementID string
	Previous      int
	Current       int
	NewlyEarned   bool
}

// ProcessingResult is the outcome of processing one activity event.
type ProcessingResult struct {
	EventID     string
	UserID      string
	Success     bool
	Deltas      []ProgressDelta
	NewlyEarned []string
	Duration    time.Duration
	Err         string
}
