package fraud_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quizlab/merit/internal/domain/fraud"
	"github.com/quizlab/merit/internal/domain/model"
	"github.com/quizlab/merit/internal/events"
	"github.com/quizlab/merit/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func answerEvent(id string, correct bool, data map[string]any) model.ActivityEvent {
	if data == nil {
		data = map[string]any{}
	}
	data["correct"] = correct
	return model.ActivityEvent{
		ID:         id,
		UserID:     "user-1",
		Type:       model.EventAnswerSubmitted,
		Data:       data,
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestImpossiblePerformance(t *testing.T) {
	Convey("Given a user answering everything correctly", t, func() {
		ctx := context.Background()
		detector := fraud.NewDetector(nil)

		var last []fraud.Alert
		for i := 0; i < 60; i++ {
			last = detector.Observe(ctx, fraud.Observation{
				Event: answerEvent(fmt.Sprintf("evt-%d", i), true, map[string]any{
					"quiz_id": fmt.Sprintf("quiz-%d", i),
				}),
			})
		}

		Convey("Then the impossible-performance rule should fire critically", func() {
			var impossible *fraud.Alert
			for i := range last {
				if last[i].Type == fraud.AnomalyImpossiblePerformance {
					impossible = &last[i]
				}
			}
			So(impossible, ShouldNotBeNil)
			So(impossible.Severity, ShouldEqual, fraud.SeverityCritical)
			So(impossible.ID, ShouldNotBeEmpty)
			So(impossible.Evidence["accuracy_ema"], ShouldBeGreaterThan, 0.99)
		})

		Convey("Then the profile should reflect the streak of alerts", func() {
			profile, ok := detector.Profile("user-1")
			So(ok, ShouldBeTrue)
			So(profile.AccuracySamples, ShouldEqual, 60)
			So(profile.SuspiciousCount, ShouldBeGreaterThan, 5)
		})
	})

	Convey("Given a small sample of perfect answers", t, func() {
		ctx := context.Background()
		detector := fraud.NewDetector(nil)

		var last []fraud.Alert
		for i := 0; i < 20; i++ {
			last = detector.Observe(ctx, fraud.Observation{
				Event: answerEvent(fmt.Sprintf("evt-%d", i), true, map[string]any{
					"quiz_id": fmt.Sprintf("quiz-%d", i),
				}),
			})
		}

		Convey("Then the rule should stay quiet below the sample floor", func() {
			for _, alert := range last {
				So(alert.Type, ShouldNotEqual, fraud.AnomalyImpossiblePerformance)
			}
		})
	})
}

func TestTimeManipulation(t *testing.T) {
	Convey("Given the time-manipulation rule", t, func() {
		ctx := context.Background()

		Convey("When an answer lands in 50ms", func() {
			detector := fraud.NewDetector(nil)
			alerts := detector.Observe(ctx, fraud.Observation{
				Event: answerEvent("evt-1", false, map[string]any{"time_spent_ms": 50.0}),
			})

			Convey("Then the rule should fire regardless of other fields", func() {
				So(alertTypes(alerts), ShouldContain, fraud.AnomalyTimeManipulation)
			})
		})

		Convey("When a 10-question quiz finishes in 5 seconds", func() {
			detector := fraud.NewDetector(nil)
			alerts := detector.Observe(ctx, fraud.Observation{
				Event: model.ActivityEvent{
					ID:     "evt-1",
					UserID: "user-1",
					Type:   model.EventQuizCompleted,
					Data: map[string]any{
						"time_spent_ms":  5000.0,
						"question_count": 10,
					},
					OccurredAt: time.Now(),
				},
			})

			So(alertTypes(alerts), ShouldContain, fraud.AnomalyTimeManipulation)
		})

		Convey("When timing is plausible", func() {
			detector := fraud.NewDetector(nil)
			alerts := detector.Observe(ctx, fraud.Observation{
				Event: answerEvent("evt-1", true, map[string]any{"time_spent_ms": 4000.0}),
			})

			So(alertTypes(alerts), ShouldNotContain, fraud.AnomalyTimeManipulation)
		})

		Convey("When enough timed events accumulate", func() {
			detector := fraud.NewDetector(nil)
			var alerts []fraud.Alert
			for i := 0; i < 5; i++ {
				alerts = detector.Observe(ctx, fraud.Observation{
					Event: answerEvent(fmt.Sprintf("evt-%d", i), false, map[string]any{
						"time_spent_ms": 50.0,
						"quiz_id":       fmt.Sprintf("quiz-%d", i),
					}),
				})
			}

			Convey("Then evidence should carry timing statistics", func() {
				So(alertTypes(alerts), ShouldContain, fraud.AnomalyTimeManipulation)
				So(alerts[0].Evidence["completion_ms_mean"], ShouldEqual, 50.0)
				So(alerts[0].Evidence["completion_samples"], ShouldEqual, 5)
			})
		})
	})
}

func TestRapidEarningAndStreak(t *testing.T) {
	Convey("Given the volume rules", t, func() {
		ctx := context.Background()

		Convey("When a user earns 11 achievements in one day", func() {
			detector := fraud.NewDetector(nil)
			earned := make([]string, 11)
			for i := range earned {
				earned[i] = fmt.Sprintf("ach-%d", i)
			}
			alerts := detector.Observe(ctx, fraud.Observation{
				Event:       answerEvent("evt-1", true, nil),
				NewlyEarned: earned,
			})

			So(alertTypes(alerts), ShouldContain, fraud.AnomalyRapidEarning)
		})

		Convey("When the daily earned counter resets on a new day", func() {
			detector := fraud.NewDetector(nil)
			day1 := answerEvent("evt-1", true, nil)
			detector.Observe(ctx, fraud.Observation{
				Event:       day1,
				NewlyEarned: []string{"a", "b", "c", "d", "e", "f", "g", "h"},
			})

			day2 := day1
			day2.ID = "evt-2"
			day2.OccurredAt = day1.OccurredAt.Add(24 * time.Hour)
			alerts := detector.Observe(ctx, fraud.Observation{
				Event:       day2,
				NewlyEarned: []string{"i", "j", "k"},
			})

			So(alertTypes(alerts), ShouldNotContain, fraud.AnomalyRapidEarning)
		})

		Convey("When the reported streak exceeds 100 days", func() {
			detector := fraud.NewDetector(nil)
			alerts := detector.Observe(ctx, fraud.Observation{
				Event: answerEvent("evt-1", true, nil),
				Stats: model.UserStatistics{UserID: "user-1", CurrentStreak: 150},
			})

			So(alertTypes(alerts), ShouldContain, fraud.AnomalySuspiciousStreak)
		})
	})
}

func TestPatternRepetition(t *testing.T) {
	Convey("Given a user replaying the same submission", t, func() {
		ctx := context.Background()
		detector := fraud.NewDetector(nil)

		event := answerEvent("evt-1", true, map[string]any{
			"quiz_id":       "quiz-9",
			"time_spent_ms": 1500.0,
		})

		var alerts []fraud.Alert
		for i := 0; i < 12; i++ {
			alerts = detector.Observe(ctx, fraud.Observation{Event: event})
		}

		Convey("Then the pattern-repetition rule should fire", func() {
			So(alertTypes(alerts), ShouldContain, fraud.AnomalyPatternRepetition)
		})
	})
}

func TestRiskScore(t *testing.T) {
	Convey("Given a user tripping every risk indicator", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		bus := events.NewInMemoryBus()
		defer bus.Close()
		highRisk, unsubscribe := bus.Subscribe(events.TopicHighRiskUser)
		defer unsubscribe()

		detector := fraud.NewDetector(bus)

		for i := 0; i < 60; i++ {
			obs := fraud.Observation{
				Event: answerEvent(fmt.Sprintf("evt-%d", i), true, map[string]any{
					"quiz_id":   fmt.Sprintf("quiz-%d", i),
					"device_id": fmt.Sprintf("device-%d", i%5),
				}),
			}
			if i < 6 {
				obs.NewlyEarned = []string{fmt.Sprintf("ach-%d", i)}
			}
			detector.Observe(ctx, obs)
		}

		Convey("Then the risk score should stay within [0,100]", func() {
			profile, ok := detector.Profile("user-1")
			So(ok, ShouldBeTrue)
			So(profile.RiskScore, ShouldBeGreaterThanOrEqualTo, 0)
			So(profile.RiskScore, ShouldBeLessThanOrEqualTo, 100)
			So(profile.RiskScore, ShouldBeGreaterThanOrEqualTo, 70)
			So(profile.HighRisk, ShouldBeTrue)
		})

		Convey("Then crossing the threshold should publish exactly one high-risk event", func() {
			count := 0
		drain:
			for {
				select {
				case e := <-highRisk:
					payload, ok := e.Payload.(events.HighRiskUser)
					So(ok, ShouldBeTrue)
					So(payload.UserID, ShouldEqual, "user-1")
					So(payload.RiskScore, ShouldBeGreaterThanOrEqualTo, 70)
					count++
				case <-time.After(50 * time.Millisecond):
					break drain
				}
			}
			So(count, ShouldEqual, 1)
		})
	})
}

func TestSweep(t *testing.T) {
	Convey("Given profiles of differing ages", t, func() {
		ctx := context.Background()
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		now := base
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}

		detector := fraud.NewDetector(nil, fraud.WithClock(clock))

		// Build one high-risk profile and one quiet profile.
		for i := 0; i < 60; i++ {
			obs := fraud.Observation{
				Event: answerEvent(fmt.Sprintf("evt-%d", i), true, map[string]any{
					"quiz_id":   fmt.Sprintf("quiz-%d", i),
					"device_id": fmt.Sprintf("device-%d", i%5),
				}),
			}
			if i < 6 {
				obs.NewlyEarned = []string{fmt.Sprintf("ach-%d", i)}
			}
			detector.Observe(ctx, obs)
		}
		quiet := answerEvent("evt-quiet", false, nil)
		quiet.UserID = "user-2"
		detector.Observe(ctx, fraud.Observation{Event: quiet})

		before, _ := detector.Profile("user-1")
		So(before.HighRisk, ShouldBeTrue)

		Convey("When sweeping while everyone is active", func() {
			flagged := detector.Sweep(ctx)

			Convey("Then nothing should decay", func() {
				So(flagged, ShouldBeEmpty)
				after, _ := detector.Profile("user-1")
				So(after.RiskScore, ShouldEqual, before.RiskScore)
			})
		})

		Convey("When sweeping after 31 idle days", func() {
			mu.Lock()
			now = base.Add(31 * 24 * time.Hour)
			mu.Unlock()

			flagged := detector.Sweep(ctx)

			Convey("Then dormant scores should decay and high-risk accounts be flagged", func() {
				So(flagged, ShouldContain, "user-1")
				So(flagged, ShouldNotContain, "user-2")

				after, _ := detector.Profile("user-1")
				So(after.RiskScore, ShouldEqual, before.RiskScore-5)
			})

			Convey("And repeated sweeps should never push a score below zero", func() {
				for i := 0; i < 40; i++ {
					detector.Sweep(ctx)
				}
				after, _ := detector.Profile("user-2")
				So(after.RiskScore, ShouldBeGreaterThanOrEqualTo, 0)
			})
		})
	})
}

func TestAsyncSubmit(t *testing.T) {
	Convey("Given a started detector", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		detector := fraud.NewDetector(nil, fraud.WithWorkerCount(2))
		detector.Start(ctx)
		defer detector.Stop()

		Convey("When observations are submitted asynchronously", func() {
			for i := 0; i < 10; i++ {
				ok := detector.Submit(fraud.Observation{
					Event: answerEvent(fmt.Sprintf("evt-%d", i), true, nil),
				})
				So(ok, ShouldBeTrue)
			}

			Convey("Then the profile should eventually reflect them", func() {
				So(eventually(func() bool {
					profile, ok := detector.Profile("user-1")
					return ok && profile.EventCount == 10
				}), ShouldBeTrue)
			})
		})
	})
}

func TestSubmitAfterStop(t *testing.T) {
	Convey("Given a detector that has been stopped", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		detector := fraud.NewDetector(nil, fraud.WithWorkerCount(2))
		detector.Start(ctx)
		detector.Stop()

		Convey("When an observation races the shutdown", func() {
			obs := fraud.Observation{Event: answerEvent("evt-late", true, nil)}

			Convey("Then Submit should refuse it without panicking", func() {
				So(func() { detector.Submit(obs) }, ShouldNotPanic)
				So(detector.Submit(obs), ShouldBeFalse)
			})
		})
	})
}

func TestAlertLog(t *testing.T) {
	Convey("Given a detector that has raised alerts", t, func() {
		ctx := context.Background()
		detector := fraud.NewDetector(nil)

		detector.Observe(ctx, fraud.Observation{
			Event: answerEvent("evt-fast", true, map[string]any{
				"quiz_id":       "quiz-1",
				"time_spent_ms": 50.0,
			}),
		})

		retained := detector.Alerts("user-1")
		So(retained, ShouldNotBeEmpty)
		So(retained[0].Resolved, ShouldBeFalse)

		Convey("When an operator resolves one", func() {
			So(detector.ResolveAlert(retained[0].ID), ShouldBeTrue)

			Convey("Then the retained copy should be marked resolved", func() {
				after := detector.Alerts("user-1")
				So(after[0].Resolved, ShouldBeTrue)
			})
		})

		Convey("When resolving an unknown id", func() {
			So(detector.ResolveAlert("nope"), ShouldBeFalse)
		})

		Convey("When filtering by another user", func() {
			So(detector.Alerts("user-2"), ShouldBeEmpty)
		})
	})
}

func alertTypes(alerts []fraud.Alert) []string {
	types := make([]string, 0, len(alerts))
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	return types
}

// eventually polls cond for up to a second.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
