package model

import "time"

// Bounds for the recent-event window in an evaluation context.
const (
	RecentWindowLimit = 100
	RecentWindowAge   = 24 * time.Hour
)

// UserStatistics is a snapshot of aggregate user activity, loaded from
// storage at evaluation time.
type UserStatistics struct {
	UserID               string
	TotalQuizzes         int
	TotalAnswers         int
	CorrectAnswers       int
	CurrentStreak        int
	BestStreak           int
	ConsecutiveStudyDays int
	TotalPoints          int
}

// Accuracy returns the overall answer accuracy in [0,1].
func (s UserStatistics) Accuracy() float64 {
	if s.TotalAnswers == 0 {
		return 0
	}
	return float64(s.CorrectAnswers) / float64(s.TotalAnswers)
}

// SessionStats is a session-scoped statistics fragment, present only for
// answer-submitted events.
type SessionStats struct {
	AnswerCount  int
	CorrectCount int
	Duration     time.Duration
}

// EvaluationContext is the read-only snapshot a rule evaluation consumes:
// the triggering event, aggregate statistics, an optional session fragment
// and a bounded window of recent events for pattern checks. It is built
// fresh for every event; statistics must reflect the latest committed state.
type EvaluationContext struct {
	Event   ActivityEvent
	Stats   UserStatistics
	Session *SessionStats
	Recent  []ActivityEvent
}
