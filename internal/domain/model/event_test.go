package model_test

import (
	"testing"
	"time"

	"github.com/quizlab/merit/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestActivityEventPayloadHelpers(t *testing.T) {
	Convey("Given an activity event with a mixed payload", t, func() {
		event := model.ActivityEvent{
			ID:     "evt-1",
			UserID: "user-1",
			Type:   model.EventAnswerSubmitted,
			Data: map[string]any{
				"time_spent_ms": float64(250),
				"answer_count":  5,
				"pattern":       "ABCDE",
				"correct":       true,
			},
			OccurredAt: time.Now(),
		}

		Convey("When reading numeric fields", func() {
			ms, ok := event.Float64("time_spent_ms")
			So(ok, ShouldBeTrue)
			So(ms, ShouldEqual, 250)

			count, ok := event.Int("answer_count")
			So(ok, ShouldBeTrue)
			So(count, ShouldEqual, 5)
		})

		Convey("When reading string and bool fields", func() {
			pattern, ok := event.String("pattern")
			So(ok, ShouldBeTrue)
			So(pattern, ShouldEqual, "ABCDE")

			correct, ok := event.Bool("correct")
			So(ok, ShouldBeTrue)
			So(correct, ShouldBeTrue)
		})

		Convey("When reading missing or mistyped fields", func() {
			_, ok := event.Float64("missing")
			So(ok, ShouldBeFalse)

			_, ok = event.Float64("pattern")
			So(ok, ShouldBeFalse)

			_, ok = event.String("answer_count")
			So(ok, ShouldBeFalse)
		})
	})
}

func TestUserStatisticsAccuracy(t *testing.T) {
	Convey("Given user statistics", t, func() {
		Convey("When answers exist", func() {
			stats := model.UserStatistics{TotalAnswers: 200, CorrectAnswers: 150}
			So(stats.Accuracy(), ShouldEqual, 0.75)
		})

		Convey("When no answers exist", func() {
			stats := model.UserStatistics{}
			So(stats.Accuracy(), ShouldEqual, 0)
		})
	})
}
