package processor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quizlab/merit/internal/adapters/storage"
	"github.com/quizlab/merit/internal/domain/model"
	"github.com/quizlab/merit/internal/domain/rules"
	"github.com/quizlab/merit/internal/events"
	"github.com/quizlab/merit/internal/processor"
	"github.com/quizlab/merit/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func quizEvent(id string, at time.Time) model.ActivityEvent {
	return model.ActivityEvent{
		ID:         id,
		UserID:     "user-1",
		Type:       model.EventQuizCompleted,
		OccurredAt: at,
	}
}

func newFixture(stats model.UserStatistics) (*storage.InMemoryStore, *events.InMemoryBus, *processor.Processor) {
	store := storage.NewInMemoryStore()
	bus := events.NewInMemoryBus()
	registry := rules.NewRegistry(rules.DefaultCatalogue()...)
	proc := processor.New(store, registry, bus)
	if stats.UserID != "" {
		if err := store.PutStatistics(context.Background(), stats); err != nil {
			panic(err)
		}
	}
	return store, bus, proc
}

func TestProcessEventEarnsAchievement(t *testing.T) {
	Convey("Given a user completing their first quiz", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		store, bus, proc := newFixture(model.UserStatistics{UserID: "user-1", TotalQuizzes: 1})
		defer bus.Close()

		earned, unsubscribe := bus.Subscribe(events.TopicAchievementEarned)
		defer unsubscribe()

		Convey("When the quiz event is processed", func() {
			result := proc.ProcessEvent(ctx, quizEvent("evt-1", noon))

			Convey("Then first_quiz should be newly earned", func() {
				So(result.Success, ShouldBeTrue)
				So(result.NewlyEarned, ShouldResemble, []string{"first_quiz"})

				row, err := store.GetProgress(ctx, "user-1", "first_quiz")
				So(err, ShouldBeNil)
				So(row.Earned, ShouldBeTrue)
				So(row.EarnedAt, ShouldNotBeNil)
			})

			Convey("Then the milestone counters should also move", func() {
				row, err := store.GetProgress(ctx, "user-1", "quiz_10")
				So(err, ShouldBeNil)
				So(row.Current, ShouldEqual, 1)
				So(row.Earned, ShouldBeFalse)
			})

			Convey("Then the rule's points should be awarded once", func() {
				stats, err := store.LoadUserStatistics(ctx, "user-1")
				So(err, ShouldBeNil)
				So(stats.TotalPoints, ShouldEqual, 10)
			})

			Convey("Then an earned event should be published", func() {
				select {
				case e := <-earned:
					payload, ok := e.Payload.(events.AchievementEarned)
					So(ok, ShouldBeTrue)
					So(payload.AchievementID, ShouldEqual, "first_quiz")
					So(payload.UserID, ShouldEqual, "user-1")
				case <-time.After(time.Second):
					t.Fatal("expected an earned event")
				}
			})

			Convey("Then the event should be marked processed", func() {
				processed, err := store.IsEventProcessed(ctx, "evt-1")
				So(err, ShouldBeNil)
				So(processed, ShouldBeTrue)
			})
		})
	})
}

func TestProcessEventCrossingTarget(t *testing.T) {
	Convey("Given a user one quiz away from a milestone", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		store, bus, proc := newFixture(model.UserStatistics{UserID: "user-1", TotalQuizzes: 10})
		defer bus.Close()

		_, _, err := store.UpsertProgress(ctx, "user-1", "quiz_10", storage.ProgressUpdate{
			Progress: 9,
			Target:   10,
		})
		So(err, ShouldBeNil)
		_, _, err = store.UpsertProgress(ctx, "user-1", "first_quiz", storage.ProgressUpdate{
			Progress: 1, Target: 1, Earned: true,
		})
		So(err, ShouldBeNil)

		Convey("When the tenth quiz is processed", func() {
			result := proc.ProcessEvent(ctx, quizEvent("evt-10", noon))

			Convey("Then quiz_10 should cross from 9 to earned at 10", func() {
				So(result.Success, ShouldBeTrue)
				So(result.NewlyEarned, ShouldContain, "quiz_10")
				So(result.NewlyEarned, ShouldNotContain, "first_quiz")

				var delta *model.ProgressDelta
				for i := range result.Deltas {
					if result.Deltas[i].AchievementID == "quiz_10" {
						delta = &result.Deltas[i]
					}
				}
				So(delta, ShouldNotBeNil)
				So(delta.Previous, ShouldEqual, 9)
				So(delta.Current, ShouldEqual, 10)
				So(delta.NewlyEarned, ShouldBeTrue)
			})
		})
	})
}

func TestProcessEventIdempotency(t *testing.T) {
	Convey("Given an already-processed event", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		store, bus, proc := newFixture(model.UserStatistics{UserID: "user-1", TotalQuizzes: 1})
		defer bus.Close()

		first := proc.ProcessEvent(ctx, quizEvent("evt-1", noon))
		So(first.Success, ShouldBeTrue)
		So(first.NewlyEarned, ShouldNotBeEmpty)

		Convey("When the same event is replayed", func() {
			second := proc.ProcessEvent(ctx, quizEvent("evt-1", noon))

			Convey("Then the replay should be a successful no-op", func() {
				So(second.Success, ShouldBeTrue)
				So(second.Deltas, ShouldBeEmpty)
				So(second.NewlyEarned, ShouldBeEmpty)

				stats, err := store.LoadUserStatistics(ctx, "user-1")
				So(err, ShouldBeNil)
				So(stats.TotalPoints, ShouldEqual, 10)
			})
		})

		Convey("When the same event is processed concurrently", func() {
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					proc.ProcessEvent(ctx, quizEvent("evt-2", noon))
				}()
			}
			wg.Wait()

			Convey("Then points should still be awarded exactly once", func() {
				stats, err := store.LoadUserStatistics(ctx, "user-1")
				So(err, ShouldBeNil)
				So(stats.TotalPoints, ShouldEqual, 10)
			})
		})
	})
}

func TestConcurrentEarnsAwardOnce(t *testing.T) {
	Convey("Given distinct concurrent events that all qualify for one earn", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		store, bus, proc := newFixture(model.UserStatistics{UserID: "user-1", TotalQuizzes: 1})
		defer bus.Close()

		earned, unsubscribe := bus.Subscribe(events.TopicAchievementEarned)
		defer unsubscribe()

		Convey("When the events are processed in parallel", func() {
			ids := []string{"evt-a", "evt-b", "evt-c", "evt-d"}
			results := make([]model.ProcessingResult, len(ids))

			var wg sync.WaitGroup
			for i, id := range ids {
				wg.Add(1)
				go func(i int, id string) {
					defer wg.Done()
					results[i] = proc.ProcessEvent(ctx, quizEvent(id, noon))
				}(i, id)
			}
			wg.Wait()

			Convey("Then first_quiz should be reported earned by exactly one event", func() {
				earns := 0
				for _, res := range results {
					So(res.Success, ShouldBeTrue)
					for _, id := range res.NewlyEarned {
						if id == "first_quiz" {
							earns++
						}
					}
				}
				So(earns, ShouldEqual, 1)
			})

			Convey("Then points should be awarded exactly once", func() {
				stats, err := store.LoadUserStatistics(ctx, "user-1")
				So(err, ShouldBeNil)
				So(stats.TotalPoints, ShouldEqual, 10)
			})

			Convey("Then exactly one earned event should reach the bus", func() {
				select {
				case <-earned:
				case <-time.After(time.Second):
					t.Fatal("expected one earned event")
				}
				select {
				case e := <-earned:
					t.Fatalf("unexpected second earned event: %+v", e.Payload)
				case <-time.After(50 * time.Millisecond):
				}
			})
		})
	})
}

// brokenStore rejects every progress write.
type brokenStore struct {
	storage.Store
}

func (b *brokenStore) UpsertProgress(ctx context.Context, userID, achievementID string, update storage.ProgressUpdate) (model.Progress, bool, error) {
	return model.Progress{}, false, errors.New("progress table unavailable")
}

func TestPersistFailureLeavesEventUnprocessed(t *testing.T) {
	Convey("Given a store whose progress writes always fail", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		inner := storage.NewInMemoryStore()
		So(inner.PutStatistics(ctx, model.UserStatistics{UserID: "user-1", TotalQuizzes: 1}), ShouldBeNil)
		store := &brokenStore{Store: inner}

		registry := rules.NewRegistry(rules.DefaultCatalogue()...)
		proc := processor.New(store, registry, nil)

		Convey("When an event is processed", func() {
			result := proc.ProcessEvent(ctx, quizEvent("evt-1", noon))

			Convey("Then the result should report the failure", func() {
				So(result.Success, ShouldBeFalse)
				So(result.Err, ShouldNotBeEmpty)
				So(result.Duration, ShouldBeGreaterThan, 0)
			})

			Convey("Then the event should stay unmarked so the sweep retries it", func() {
				processed, err := inner.IsEventProcessed(ctx, "evt-1")
				So(err, ShouldBeNil)
				So(processed, ShouldBeFalse)
			})

			Convey("Then no points should have been awarded", func() {
				stats, err := inner.LoadUserStatistics(ctx, "user-1")
				So(err, ShouldBeNil)
				So(stats.TotalPoints, ShouldEqual, 0)
			})
		})
	})
}

func TestProcessEventValidation(t *testing.T) {
	Convey("Given a processor", t, func() {
		ctx := context.Background()
		_, bus, proc := newFixture(model.UserStatistics{})
		defer bus.Close()

		Convey("When an event has no id", func() {
			result := proc.ProcessEvent(ctx, model.ActivityEvent{UserID: "user-1"})
			So(result.Success, ShouldBeFalse)
			So(result.Err, ShouldContainSubstring, "invalid event")
		})

		Convey("When an event has no user", func() {
			result := proc.ProcessEvent(ctx, model.ActivityEvent{ID: "evt-1"})
			So(result.Success, ShouldBeFalse)
			So(result.Err, ShouldNotBeEmpty)
		})
	})
}

func TestRuleFailureIsolation(t *testing.T) {
	Convey("Given a catalogue with one broken rule", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		store := storage.NewInMemoryStore()
		So(store.PutStatistics(ctx, model.UserStatistics{UserID: "user-1", TotalQuizzes: 1}), ShouldBeNil)

		broken := rules.NewRule(rules.Definition{
			ID:       "broken",
			Target:   1,
			Triggers: []model.EventType{model.EventQuizCompleted},
		}, func(ctx model.EvaluationContext, current int) rules.Outcome {
			panic("evaluator bug")
		})
		registry := rules.NewRegistry(append(rules.DefaultCatalogue(), broken)...)
		proc := processor.New(store, registry, nil)

		Convey("When an event triggers both rules", func() {
			result := proc.ProcessEvent(ctx, quizEvent("evt-1", noon))

			Convey("Then the healthy rules should still apply", func() {
				So(result.Success, ShouldBeTrue)
				So(result.NewlyEarned, ShouldContain, "first_quiz")

				_, err := store.GetProgress(ctx, "user-1", "broken")
				So(err, ShouldEqual, storage.ErrNotFound)
			})
		})
	})
}

// flakyStore fails LoadUserStatistics a fixed number of times before
// delegating.
type flakyStore struct {
	storage.Store
	mu        sync.Mutex
	remaining int
}

func (f *flakyStore) LoadUserStatistics(ctx context.Context, userID string) (model.UserStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > 0 {
		f.remaining--
		return model.UserStatistics{}, errors.New("transient storage error")
	}
	return f.Store.LoadUserStatistics(ctx, userID)
}

func TestTransientStorageFailure(t *testing.T) {
	Convey("Given a store that fails twice before recovering", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		inner := storage.NewInMemoryStore()
		So(inner.PutStatistics(ctx, model.UserStatistics{UserID: "user-1", TotalQuizzes: 1}), ShouldBeNil)
		store := &flakyStore{Store: inner, remaining: 2}

		registry := rules.NewRegistry(rules.DefaultCatalogue()...)
		proc := processor.New(store, registry, nil)

		Convey("When an event is processed", func() {
			result := proc.ProcessEvent(ctx, quizEvent("evt-1", noon))

			Convey("Then retries should absorb the transient failures", func() {
				So(result.Success, ShouldBeTrue)
				So(result.NewlyEarned, ShouldContain, "first_quiz")
			})
		})
	})
}

func TestProcessBatch(t *testing.T) {
	Convey("Given a backlog of unprocessed events", t, func() {
		ctx := context.Background()
		noon := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		store, bus, proc := newFixture(model.UserStatistics{UserID: "user-1", TotalQuizzes: 3})
		defer bus.Close()

		for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
			So(store.AppendEvent(ctx, quizEvent(id, noon)), ShouldBeNil)
		}

		Convey("When the batch is processed", func() {
			results := proc.ProcessBatch(ctx, 10)

			Convey("Then every event should be handled", func() {
				So(len(results), ShouldEqual, 3)
				for _, res := range results {
					So(res.Success, ShouldBeTrue)
				}

				pending, err := store.UnprocessedEvents(ctx, 10)
				So(err, ShouldBeNil)
				So(pending, ShouldBeEmpty)
			})

			Convey("Then a second sweep should find nothing", func() {
				So(proc.ProcessBatch(ctx, 10), ShouldBeNil)
			})
		})

		Convey("When the limit is smaller than the backlog", func() {
			results := proc.ProcessBatch(ctx, 2)
			So(len(results), ShouldEqual, 2)

			pending, err := store.UnprocessedEvents(ctx, 10)
			So(err, ShouldBeNil)
			So(len(pending), ShouldEqual, 1)
		})
	})
}
