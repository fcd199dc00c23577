package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/quizlab/merit/internal/domain/model"
	"github.com/quizlab/merit/pkg/metrics"
)

// shard holds the state for a slice of the user population behind one
// lock. Processed-event bookkeeping is keyed by event id and sharded the
// same way.
type shard struct {
	mu        sync.RWMutex
	stats     map[string]model.UserStatistics
	progress  map[string]map[string]model.Progress // userID -> achievementID -> row
	events    map[string][]model.ActivityEvent     // userID -> append-ordered log
	processed map[string][]string                  // eventID -> affected achievement ids
}

// InMemoryStore implements Store with sharded in-process state. Upserts
// are atomic per (user, achievement) because a user's whole state lives
// inside one shard lock.
type InMemoryStore struct {
	shardCount int
	shards     []*shard
	now        func() time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an in-memory store with configuration options.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		shardCount: defaultShardCount,
		now:        time.Now,
	}

	// Apply all options
	for _, opt := range opts {
		opt(s)
	}

	s.shards = make([]*shard, s.shardCount)
	for i := range s.shards {
		s.shards[i] = &shard{
			stats:     make(map[string]model.UserStatistics),
			progress:  make(map[string]map[string]model.Progress),
			events:    make(map[string][]model.ActivityEvent),
			processed: make(map[string][]string),
		}
	}
	return s
}

func (s *InMemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[int(h.Sum32())%s.shardCount]
}

func (s *InMemoryStore) observe(op string, start time.Time) {
	metrics.RecordStorageLatency(op, float64(time.Since(start).Milliseconds()))
}

// LoadUserStatistics returns the aggregate statistics snapshot for a user.
func (s *InMemoryStore) LoadUserStatistics(ctx context.Context, userID string) (model.UserStatistics, error) {
	defer s.observe("load_statistics", s.now())
	if err := ctx.Err(); err != nil {
		return model.UserStatistics{}, err
	}

	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	stats, ok := sh.stats[userID]
	if !ok {
		return model.UserStatistics{UserID: userID}, nil
	}
	return stats, nil
}

// PutStatistics replaces the user's aggregate statistics snapshot.
func (s *InMemoryStore) PutStatistics(ctx context.Context, stats model.UserStatistics) error {
	defer s.observe("put_statistics", s.now())
	if err := ctx.Err(); err != nil {
		return err
	}

	sh := s.shardFor(stats.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.stats[stats.UserID] = stats
	return nil
}

// FindProgress returns every progress row for the user, ordered by
// achievement id for stable output.
func (s *InMemoryStore) FindProgress(ctx context.Context, userID string) ([]model.Progress, error) {
	defer s.observe("find_progress", s.now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rows := make([]model.Progress, 0, len(sh.progress[userID]))
	for _, row := range sh.progress[userID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AchievementID < rows[j].AchievementID })
	return rows, nil
}

// GetProgress returns one progress row or ErrNotFound.
func (s *InMemoryStore) GetProgress(ctx context.Context, userID, achievementID string) (model.Progress, error) {
	defer s.observe("get_progress", s.now())
	if err := ctx.Err(); err != nil {
		return model.Progress{}, err
	}

	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	row, ok := sh.progress[userID][achievementID]
	if !ok {
		return model.Progress{}, ErrNotFound
	}
	return row, nil
}

// UpsertProgress merges update into the (userID, achievementID) row. The
// returned bool reports whether this call flipped Earned false to true;
// the shard lock guarantees at most one concurrent caller sees it.
func (s *InMemoryStore) UpsertProgress(ctx context.Context, userID, achievementID string, update ProgressUpdate) (model.Progress, bool, error) {
	defer s.observe("upsert_progress", s.now())
	if err := ctx.Err(); err != nil {
		return model.Progress{}, false, err
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	byUser, ok := sh.progress[userID]
	if !ok {
		byUser = make(map[string]model.Progress)
		sh.progress[userID] = byUser
	}

	now := s.now()
	row, exists := byUser[achievementID]
	if !exists {
		row = model.Progress{
			UserID:        userID,
			AchievementID: achievementID,
			Target:        update.Target,
		}
	}
	wasEarned := row.Earned
	if update.Target > 0 {
		row.Target = update.Target
	}

	current := update.Progress
	if !update.Repeatable && current < row.Current {
		// Non-repeatable progress never rolls back.
		current = row.Current
	}
	row.Current = current

	if update.Earned || (!update.Repeatable && row.Target > 0 && row.Current >= row.Target) {
		if !row.Earned || update.Repeatable {
			at := now
			row.EarnedAt = &at
		}
		row.Earned = true
	}
	if len(update.Metadata) > 0 {
		if row.Metadata == nil {
			row.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			row.Metadata[k] = v
		}
	}
	row.LastUpdated = now

	byUser[achievementID] = row
	return row, row.Earned && !wasEarned, nil
}

// AddPoints atomically adjusts the user's total points under the shard
// lock and returns the updated snapshot.
func (s *InMemoryStore) AddPoints(ctx context.Context, userID string, delta int) (model.UserStatistics, error) {
	defer s.observe("add_points", s.now())
	if err := ctx.Err(); err != nil {
		return model.UserStatistics{}, err
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	stats, ok := sh.stats[userID]
	if !ok {
		stats = model.UserStatistics{UserID: userID}
	}
	stats.TotalPoints += delta
	sh.stats[userID] = stats
	return stats, nil
}

// ResetProgress removes one progress row.
func (s *InMemoryStore) ResetProgress(ctx context.Context, userID, achievementID string) error {
	defer s.observe("reset_progress", s.now())
	if err := ctx.Err(); err != nil {
		return err
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.progress[userID][achievementID]; !ok {
		return ErrNotFound
	}
	delete(sh.progress[userID], achievementID)
	return nil
}

// AppendEvent records an activity event in the log.
func (s *InMemoryStore) AppendEvent(ctx context.Context, event model.ActivityEvent) error {
	defer s.observe("append_event", s.now())
	if err := ctx.Err(); err != nil {
		return err
	}

	sh := s.shardFor(event.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.events[event.UserID] = append(sh.events[event.UserID], event)
	return nil
}

// FindRecentEvents returns the user's events since the given time, newest
// first, capped at limit.
func (s *InMemoryStore) FindRecentEvents(ctx context.Context, userID string, since time.Time, limit int) ([]model.ActivityEvent, error) {
	defer s.observe("find_recent_events", s.now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	log := sh.events[userID]
	recent := make([]model.ActivityEvent, 0, limit)
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].OccurredAt.Before(since) {
			continue
		}
		recent = append(recent, log[i])
		if limit > 0 && len(recent) >= limit {
			break
		}
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].OccurredAt.After(recent[j].OccurredAt) })
	return recent, nil
}

// UnprocessedEvents returns appended events not yet marked processed,
// oldest first. Shards are visited one at a time and the merged result is
// re-sorted, so no two shard locks are ever held together.
func (s *InMemoryStore) UnprocessedEvents(ctx context.Context, limit int) ([]model.ActivityEvent, error) {
	defer s.observe("unprocessed_events", s.now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pending []model.ActivityEvent
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, log := range sh.events {
			pending = append(pending, log...)
		}
		sh.mu.RUnlock()
	}

	filtered := pending[:0]
	for _, event := range pending {
		processed, err := s.IsEventProcessed(ctx, event.ID)
		if err != nil {
			return nil, err
		}
		if !processed {
			filtered = append(filtered, event)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].OccurredAt.Before(filtered[j].OccurredAt)
	})
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// MarkEventProcessed records that an event has been fully processed.
func (s *InMemoryStore) MarkEventProcessed(ctx context.Context, eventID string, affected []string) error {
	defer s.observe("mark_processed", s.now())
	if err := ctx.Err(); err != nil {
		return err
	}

	sh := s.shardFor(eventID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.processed[eventID]; ok {
		return nil
	}
	ids := make([]string, len(affected))
	copy(ids, affected)
	sh.processed[eventID] = ids
	return nil
}

// IsEventProcessed reports whether an event id was already processed.
func (s *InMemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	defer s.observe("is_processed", s.now())
	if err := ctx.Err(); err != nil {
		return false, err
	}

	sh := s.shardFor(eventID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	_, ok := sh.processed[eventID]
	return ok, nil
}
