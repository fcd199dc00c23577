package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/quizlab/merit/internal/events"
	. "github.com/smartystreets/goconvey/convey"
)

func TestBusPublishSubscribe(t *testing.T) {
	Convey("Given an in-memory bus", t, func() {
		ctx := context.Background()
		bus := events.NewInMemoryBus()
		defer bus.Close()

		Convey("When a subscriber registers for one topic", func() {
			ch, unsubscribe := bus.Subscribe(events.TopicAchievementEarned)
			defer unsubscribe()

			ok := bus.Publish(ctx, events.Event{
				Topic:   events.TopicAchievementEarned,
				Payload: events.AchievementEarned{UserID: "user-1", AchievementID: "first_quiz"},
			})
			bus.Publish(ctx, events.Event{
				Topic:   events.TopicProgressUpdated,
				Payload: events.ProgressUpdated{UserID: "user-1", AchievementID: "quiz_10"},
			})

			Convey("Then it should receive only the matching topic", func() {
				So(ok, ShouldBeTrue)

				select {
				case e := <-ch:
					So(e.Topic, ShouldEqual, events.TopicAchievementEarned)
					payload, isEarned := e.Payload.(events.AchievementEarned)
					So(isEarned, ShouldBeTrue)
					So(payload.UserID, ShouldEqual, "user-1")
					So(e.At.IsZero(), ShouldBeFalse)
				case <-time.After(time.Second):
					t.Fatal("expected an event")
				}

				select {
				case e := <-ch:
					t.Fatalf("unexpected event on topic %s", e.Topic)
				case <-time.After(20 * time.Millisecond):
				}
			})
		})

		Convey("When a subscriber registers with no topic filter", func() {
			ch, unsubscribe := bus.Subscribe()
			defer unsubscribe()

			bus.Publish(ctx, events.Event{Topic: events.TopicHighRiskUser})
			bus.Publish(ctx, events.Event{Topic: events.TopicSagaStep})

			Convey("Then it should receive every topic", func() {
				got := map[events.Topic]bool{}
				for i := 0; i < 2; i++ {
					select {
					case e := <-ch:
						got[e.Topic] = true
					case <-time.After(time.Second):
						t.Fatal("expected two events")
					}
				}
				So(got[events.TopicHighRiskUser], ShouldBeTrue)
				So(got[events.TopicSagaStep], ShouldBeTrue)
			})
		})
	})
}

func TestBusNonBlockingPublish(t *testing.T) {
	Convey("Given a bus with a tiny subscriber buffer", t, func() {
		ctx := context.Background()
		bus := events.NewInMemoryBus(events.WithBufferSize(1))
		defer bus.Close()

		// Stalled subscriber: never reads.
		_, unsubscribe := bus.Subscribe(events.TopicProgressUpdated)
		defer unsubscribe()

		Convey("When publishing more events than the buffer holds", func() {
			first := bus.Publish(ctx, events.Event{Topic: events.TopicProgressUpdated})
			second := bus.Publish(ctx, events.Event{Topic: events.TopicProgressUpdated})

			Convey("Then the publisher should not block and overflow is reported", func() {
				So(first, ShouldBeTrue)
				So(second, ShouldBeFalse)
			})
		})
	})
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	Convey("Given an in-memory bus with a subscriber", t, func() {
		ctx := context.Background()
		bus := events.NewInMemoryBus()

		ch, unsubscribe := bus.Subscribe(events.TopicAnomalyDetected)

		Convey("When the subscriber unsubscribes", func() {
			unsubscribe()

			Convey("Then its channel should be closed and publishing still succeeds", func() {
				_, open := <-ch
				So(open, ShouldBeFalse)
				So(bus.Publish(ctx, events.Event{Topic: events.TopicAnomalyDetected}), ShouldBeTrue)
			})

			Convey("And unsubscribing twice should be safe", func() {
				So(unsubscribe, ShouldNotPanic)
			})
		})

		Convey("When the bus closes", func() {
			So(bus.Close(), ShouldBeNil)

			Convey("Then publishing should fail and channels close", func() {
				So(bus.Publish(ctx, events.Event{Topic: events.TopicAnomalyDetected}), ShouldBeFalse)
				_, open := <-ch
				So(open, ShouldBeFalse)
			})

			Convey("And closing twice should be safe", func() {
				So(bus.Close(), ShouldBeNil)
			})

			Convey("And new subscriptions should return a closed channel", func() {
				ch2, _ := bus.Subscribe()
				_, open := <-ch2
				So(open, ShouldBeFalse)
			})
		})
	})
}
