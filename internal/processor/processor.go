// Package processor evaluates activity events against the achievement
// catalogue and persists the resulting progress.
//
// Processing is idempotent: an event id is evaluated at most once, and
// replays of already-processed events are cheap no-ops. Storage access
// goes through the storage circuit breaker with the storage retry
// policy, so a flapping backend degrades to fast failures instead of
// pile-ups.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quizlab/merit/internal/adapters/storage"
	"github.com/quizlab/merit/internal/domain/model"
	"github.com/quizlab/merit/internal/domain/rules"
	"github.com/quizlab/merit/internal/events"
	"github.com/quizlab/merit/pkg/logger"
	"github.com/quizlab/merit/pkg/metrics"
	"github.com/quizlab/merit/pkg/resilience/breaker"
	"github.com/quizlab/merit/pkg/resilience/retry"
	"github.com/quizlab/merit/pkg/resilience/saga"
)

// Name of the breaker guarding all storage calls.
const storageBreakerName = "storage"

// Processor turns activity events into achievement progress.
type Processor struct {
	recentWindow time.Duration
	recentLimit  int
	workerCount  int
	now          func() time.Time

	store    storage.Store
	registry *rules.Registry
	bus      events.Bus
	breakers *breaker.Registry
	sagas    *saga.Orchestrator
	log      logger.Logger

	inflight inflightSet
}

// New creates a processor over the given store and rule catalogue.
func New(store storage.Store, registry *rules.Registry, bus events.Bus, opts ...Option) *Processor {
	p := &Processor{
		recentWindow: model.RecentWindowAge,
		recentLimit:  model.RecentWindowLimit,
		workerCount:  defaultWorkerCount,
		now:          time.Now,
		store:        store,
		registry:     registry,
		bus:          bus,
		log:          logger.Named("processor"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(p)
	}

	if p.breakers == nil {
		p.breakers = breaker.NewRegistry()
	}
	if p.sagas == nil {
		p.sagas = saga.New()
	}
	p.inflight.ids = make(map[string]struct{})
	return p
}

// Breakers exposes the breaker registry for health reporting.
func (p *Processor) Breakers() *breaker.Registry { return p.breakers }

// Sagas exposes the saga orchestrator for trace inspection.
func (p *Processor) Sagas() *saga.Orchestrator { return p.sagas }

// ProcessEvent evaluates one event against every rule it triggers and
// persists the changed progress. Evaluation failures of a single rule
// never abort the remaining rules; a persistence failure leaves the
// event unmarked so the batch sweep retries it. Replays and concurrent
// duplicates are no-ops.
func (p *Processor) ProcessEvent(ctx context.Context, event model.ActivityEvent) (result model.ProcessingResult) {
	start := p.now()
	result = model.ProcessingResult{EventID: event.ID, UserID: event.UserID}
	defer func() { result.Duration = p.now().Sub(start) }()

	if event.ID == "" || event.UserID == "" {
		result.Err = ErrInvalidEvent.Error()
		metrics.RecordEventFailed()
		return result
	}

	// A concurrent duplicate of an in-flight event is dropped; the copy
	// already running owns the outcome.
	if !p.inflight.acquire(event.ID) {
		result.Success = true
		metrics.RecordEventSkipped()
		return result
	}
	defer p.inflight.release(event.ID)

	processed, err := p.isProcessed(ctx, event.ID)
	if err != nil {
		result.Err = err.Error()
		metrics.RecordEventFailed()
		return result
	}
	if processed {
		result.Success = true
		metrics.RecordEventSkipped()
		return result
	}

	evalCtx, err := p.buildContext(ctx, event)
	if err != nil {
		result.Err = err.Error()
		metrics.RecordEventFailed()
		return result
	}

	existing, err := p.loadProgress(ctx, event.UserID)
	if err != nil {
		result.Err = err.Error()
		metrics.RecordEventFailed()
		return result
	}

	affected, err := p.evaluateRules(ctx, evalCtx, existing, &result)
	if err != nil {
		// Leave the event unmarked: the batch sweep reprocesses it and
		// the monotonic, idempotent upserts converge on replay.
		result.Err = err.Error()
		metrics.RecordEventFailed()
		return result
	}

	if err := p.markProcessed(ctx, event.ID, affected); err != nil {
		// Progress writes are monotonic, so the inevitable reprocessing
		// converges to the same state.
		result.Err = err.Error()
		metrics.RecordEventFailed()
		p.log.Error(ctx, "failed to mark event processed",
			logger.String("event_id", event.ID),
			logger.Error(err),
		)
		return result
	}

	result.Success = true
	metrics.RecordEventProcessed()
	metrics.RecordProcessingLatency(float64(p.now().Sub(start).Milliseconds()))
	return result
}

// ProcessBatch drains up to limit unprocessed events through a worker
// pool. Individual failures are recorded in their result and do not stop
// the batch.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) []model.ProcessingResult {
	pending, err := p.unprocessed(ctx, limit)
	if err != nil {
		p.log.Error(ctx, "failed to list unprocessed events", logger.Error(err))
		return nil
	}
	if len(pending) == 0 {
		return nil
	}

	workers := p.workerCount
	if workers > len(pending) {
		workers = len(pending)
	}

	queue := make(chan model.ActivityEvent)
	results := make([]model.ProcessingResult, 0, len(pending))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range queue {
				res := p.ProcessEvent(ctx, event)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}()
	}
	for _, event := range pending {
		queue <- event
	}
	close(queue)
	wg.Wait()
	return results
}

// buildContext assembles the read-only snapshot rules evaluate against.
func (p *Processor) buildContext(ctx context.Context, event model.ActivityEvent) (model.EvaluationContext, error) {
	var (
		stats  model.UserStatistics
		recent []model.ActivityEvent
	)
	err := p.withStorage(ctx, func(ctx context.Context) error {
		var err error
		stats, err = p.store.LoadUserStatistics(ctx, event.UserID)
		return err
	})
	if err != nil {
		return model.EvaluationContext{}, fmt.Errorf("load statistics: %w", err)
	}

	since := p.now().Add(-p.recentWindow)
	err = p.withStorage(ctx, func(ctx context.Context) error {
		var err error
		recent, err = p.store.FindRecentEvents(ctx, event.UserID, since, p.recentLimit)
		return err
	})
	if err != nil {
		return model.EvaluationContext{}, fmt.Errorf("load recent events: %w", err)
	}

	evalCtx := model.EvaluationContext{
		Event:  event,
		Stats:  stats,
		Recent: recent,
	}
	if event.Type == model.EventAnswerSubmitted {
		evalCtx.Session = sessionStats(event)
	}
	return evalCtx, nil
}

// sessionStats extracts the optional session fragment from an answer
// event's payload.
func sessionStats(event model.ActivityEvent) *model.SessionStats {
	answers, ok := event.Int("session_answer_count")
	if !ok {
		return nil
	}
	correct, _ := event.Int("session_correct_count")
	durationMs, _ := event.Float64("session_duration_ms")
	return &model.SessionStats{
		AnswerCount:  answers,
		CorrectCount: correct,
		Duration:     time.Duration(durationMs) * time.Millisecond,
	}
}

// evaluateRules runs every triggered rule, persists changes and returns
// the affected achievement ids. Persistence failures are collected and
// returned after the remaining rules ran, so the caller can leave the
// event unmarked for the sweep while healthy rules still apply.
func (p *Processor) evaluateRules(ctx context.Context, evalCtx model.EvaluationContext, existing map[string]model.Progress, result *model.ProcessingResult) ([]string, error) {
	var (
		affected   []string
		persistErr error
	)

	for _, rule := range p.registry.ForEvent(evalCtx.Event.Type) {
		row, hasRow := existing[rule.ID]
		if hasRow && row.Earned && !rule.Repeatable {
			continue
		}

		outcome, ok := p.evaluateSafely(ctx, rule, evalCtx, row.Current)
		if !ok {
			continue
		}

		// The loaded row only gates whether an earn is worth attempting;
		// the upsert's own false-to-true verdict decides who emits.
		wantEarn := rules.NewlyAchieved(outcome, row.Earned)
		if outcome.Progress == row.Current && !wantEarn {
			continue
		}

		if wantEarn {
			flipped, err := p.persistEarned(ctx, evalCtx, rule, row, outcome)
			if err != nil {
				p.log.Error(ctx, "failed to persist earned achievement",
					logger.String("user_id", evalCtx.Event.UserID),
					logger.String("achievement_id", rule.ID),
					logger.Error(err),
				)
				if persistErr == nil {
					persistErr = fmt.Errorf("persist %s: %w", rule.ID, err)
				}
				continue
			}
			if !flipped {
				// A concurrent event earned it first; that path emitted.
				continue
			}
			result.NewlyEarned = append(result.NewlyEarned, rule.ID)
			metrics.RecordAchievementEarned()
		} else {
			if err := p.persistProgress(ctx, evalCtx.Event.UserID, rule, outcome); err != nil {
				p.log.Error(ctx, "failed to persist progress",
					logger.String("user_id", evalCtx.Event.UserID),
					logger.String("achievement_id", rule.ID),
					logger.Error(err),
				)
				if persistErr == nil {
					persistErr = fmt.Errorf("persist %s: %w", rule.ID, err)
				}
				continue
			}
			metrics.RecordProgressUpdate()
			p.publish(ctx, events.Event{
				Topic: events.TopicProgressUpdated,
				Payload: events.ProgressUpdated{
					UserID:        evalCtx.Event.UserID,
					AchievementID: rule.ID,
				},
			})
		}

		affected = append(affected, rule.ID)
		result.Deltas = append(result.Deltas, model.ProgressDelta{
			AchievementID: rule.ID,
			Previous:      row.Current,
			Current:       outcome.Progress,
			NewlyEarned:   wantEarn,
		})
	}
	return affected, persistErr
}

// evaluateSafely runs one rule and contains any panic so a broken
// evaluator cannot take down the rest of the catalogue.
func (p *Processor) evaluateSafely(ctx context.Context, rule rules.Rule, evalCtx model.EvaluationContext, current int) (outcome rules.Outcome, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEvaluationError()
			p.log.Error(ctx, "rule evaluation panicked",
				logger.String("achievement_id", rule.ID),
				logger.Any("panic", r),
			)
			ok = false
		}
	}()
	return rule.Evaluate(evalCtx, current), true
}

// persistProgress writes a plain (not newly earned) progress change.
func (p *Processor) persistProgress(ctx context.Context, userID string, rule rules.Rule, outcome rules.Outcome) error {
	return p.withStorage(ctx, func(ctx context.Context) error {
		_, _, err := p.store.UpsertProgress(ctx, userID, rule.ID, storage.ProgressUpdate{
			Progress:   outcome.Progress,
			Target:     rule.Target,
			Earned:     outcome.Achieved,
			Repeatable: rule.Repeatable,
			Metadata:   outcome.Metadata,
		})
		return err
	})
}

// persistEarned runs the earn saga: persist the earned row, award the
// rule's points, announce the award. The atomic upsert in the first step
// decides whether this call won the false-to-true transition; a losing
// call completes the saga as a no-op and reports flipped=false. If a
// later step fails, earlier steps are compensated so points and
// progress stay consistent.
func (p *Processor) persistEarned(ctx context.Context, evalCtx model.EvaluationContext, rule rules.Rule, previous model.Progress, outcome rules.Outcome) (bool, error) {
	userID := evalCtx.Event.UserID
	hadRow := previous.UserID != ""
	var (
		earnedRow model.Progress
		flipped   bool
	)

	steps := []saga.Step{
		{
			Name: "persist-progress",
			Execute: func(ctx context.Context) error {
				return p.withStorage(ctx, func(ctx context.Context) error {
					row, f, err := p.store.UpsertProgress(ctx, userID, rule.ID, storage.ProgressUpdate{
						Progress:   outcome.Progress,
						Target:     rule.Target,
						Earned:     true,
						Repeatable: rule.Repeatable,
						Metadata:   outcome.Metadata,
					})
					earnedRow = row
					flipped = f
					return err
				})
			},
			Compensate: func(ctx context.Context) error {
				if !flipped {
					// Lost the race; the winner's row must stand.
					return nil
				}
				return p.withStorage(ctx, func(ctx context.Context) error {
					if err := p.store.ResetProgress(ctx, userID, rule.ID); err != nil {
						return err
					}
					if !hadRow {
						return nil
					}
					_, _, err := p.store.UpsertProgress(ctx, userID, rule.ID, storage.ProgressUpdate{
						Progress:   previous.Current,
						Target:     previous.Target,
						Earned:     previous.Earned,
						Repeatable: rule.Repeatable,
						Metadata:   previous.Metadata,
					})
					return err
				})
			},
			Retryable:  true,
			MaxRetries: 2,
			Timeout:    2 * time.Second,
		},
		{
			Name: "award-points",
			Execute: func(ctx context.Context) error {
				if !flipped {
					return nil
				}
				return p.withStorage(ctx, func(ctx context.Context) error {
					_, err := p.store.AddPoints(ctx, userID, rule.Points)
					return err
				})
			},
			Compensate: func(ctx context.Context) error {
				if !flipped {
					return nil
				}
				return p.withStorage(ctx, func(ctx context.Context) error {
					_, err := p.store.AddPoints(ctx, userID, -rule.Points)
					return err
				})
			},
			Retryable:  true,
			MaxRetries: 2,
			Timeout:    2 * time.Second,
		},
		{
			Name: "announce",
			Execute: func(ctx context.Context) error {
				if !flipped {
					return nil
				}
				earnedAt := p.now()
				if earnedRow.EarnedAt != nil {
					earnedAt = *earnedRow.EarnedAt
				}
				p.publish(ctx, events.Event{
					Topic: events.TopicAchievementEarned,
					Payload: events.AchievementEarned{
						UserID:        userID,
						AchievementID: rule.ID,
						EarnedAt:      earnedAt,
					},
				})
				return nil
			},
		},
	}

	trace := p.sagas.Run(ctx, "earn-"+rule.ID, steps)
	if !trace.Success {
		return false, fmt.Errorf("earn saga %s: %w", trace.ID, trace.Err)
	}
	return flipped, nil
}

func (p *Processor) publish(ctx context.Context, e events.Event) {
	if p.bus != nil {
		p.bus.Publish(ctx, e)
	}
}

func (p *Processor) isProcessed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := p.withStorage(ctx, func(ctx context.Context) error {
		var err error
		processed, err = p.store.IsEventProcessed(ctx, eventID)
		return err
	})
	return processed, err
}

func (p *Processor) markProcessed(ctx context.Context, eventID string, affected []string) error {
	return p.withStorage(ctx, func(ctx context.Context) error {
		return p.store.MarkEventProcessed(ctx, eventID, affected)
	})
}

func (p *Processor) loadProgress(ctx context.Context, userID string) (map[string]model.Progress, error) {
	var rows []model.Progress
	err := p.withStorage(ctx, func(ctx context.Context) error {
		var err error
		rows, err = p.store.FindProgress(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	byID := make(map[string]model.Progress, len(rows))
	for _, row := range rows {
		byID[row.AchievementID] = row
	}
	return byID, nil
}

func (p *Processor) unprocessed(ctx context.Context, limit int) ([]model.ActivityEvent, error) {
	var pending []model.ActivityEvent
	err := p.withStorage(ctx, func(ctx context.Context) error {
		var err error
		pending, err = p.store.UnprocessedEvents(ctx, limit)
		return err
	})
	return pending, err
}

// withStorage wraps a storage call in the storage breaker and the
// storage retry policy.
func (p *Processor) withStorage(ctx context.Context, op func(ctx context.Context) error) error {
	err := p.breakers.Get(storageBreakerName).Do(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, op, retry.StoragePolicy()...)
	})
	if err != nil {
		metrics.RecordStorageError()
	}
	return err
}

// inflightSet tracks event ids currently being processed.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *inflightSet) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
