// Package storage defines the persistence boundary for progress rows,
// user statistics and the activity event log.
package storage

import (
	"context"
	"time"

	"github.com/quizlab/merit/internal/domain/model"
)

// ProgressUpdate is the delta applied by UpsertProgress. The store merges
// it into the existing row under a per-key lock.
type ProgressUpdate struct {
	Progress   int
	Target     int
	Earned     bool
	Repeatable bool
	Metadata   map[string]any
}

// Store is the persistence interface the processor and fraud detector
// depend on. All operations honour context cancellation.
type Store interface {
	// LoadUserStatistics returns the aggregate statistics snapshot for a
	// user. A user with no recorded activity yields a zero snapshot, not
	// ErrNotFound.
	LoadUserStatistics(ctx context.Context, userID string) (model.UserStatistics, error)

	// FindProgress returns every progress row for the user.
	FindProgress(ctx context.Context, userID string) ([]model.Progress, error)

	// GetProgress returns one progress row or ErrNotFound.
	GetProgress(ctx context.Context, userID, achievementID string) (model.Progress, error)

	// UpsertProgress merges update into the (userID, achievementID) row
	// atomically and returns the row as persisted. Non-repeatable progress
	// is monotonic: a lower incoming value never rolls the row back, and
	// EarnedAt is written at most once. The bool reports whether THIS call
	// transitioned Earned from false to true; under concurrent upserts
	// exactly one caller sees it, which is what makes the earn path emit
	// once.
	UpsertProgress(ctx context.Context, userID, achievementID string, update ProgressUpdate) (model.Progress, bool, error)

	// ResetProgress removes one progress row. It is the only sanctioned
	// way to lower non-repeatable progress (operator remediation).
	ResetProgress(ctx context.Context, userID, achievementID string) error

	// FindRecentEvents returns the user's events since the given time,
	// newest first, capped at limit.
	FindRecentEvents(ctx context.Context, userID string, since time.Time, limit int) ([]model.ActivityEvent, error)

	// AppendEvent records an activity event in the log.
	AppendEvent(ctx context.Context, event model.ActivityEvent) error

	// UnprocessedEvents returns appended events not yet marked processed,
	// oldest first, capped at limit. It feeds the batch sweep.
	UnprocessedEvents(ctx context.Context, limit int) ([]model.ActivityEvent, error)

	// MarkEventProcessed records that an event has been fully processed
	// together with the achievement ids it affected. Marking twice is a
	// no-op.
	MarkEventProcessed(ctx context.Context, eventID string, affected []string) error

	// IsEventProcessed reports whether an event id was already processed.
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)

	// PutStatistics replaces the user's aggregate statistics snapshot.
	PutStatistics(ctx context.Context, stats model.UserStatistics) error

	// AddPoints atomically adjusts the user's total points by delta and
	// returns the updated snapshot. Concurrent awards never lose an
	// increment the way a load-modify-put would.
	AddPoints(ctx context.Context, userID string, delta int) (model.UserStatistics, error)
}
