package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/quizlab/merit/internal/events"
	"github.com/quizlab/merit/pkg/logger"
	"github.com/quizlab/merit/pkg/metrics"
	"github.com/quizlab/merit/pkg/resilience/retry"
)

// Cache key prefixes kept coherent by the invalidator.
const (
	leaderboardPrefix = "leaderboard:"
	userPrefix        = "user:"
)

// Invalidator subscribes to domain events and expires the cache entries
// they make stale. Deletes are retried with the cache retry policy; a
// delete that still fails after retries is logged and dropped, never
// allowed to stall the listener.
type Invalidator struct {
	store Store
	bus   events.Bus
	log   logger.Logger

	stopOnce sync.Once
	stop     func()
	done     chan struct{}
}

// NewInvalidator creates an invalidation listener over the given store.
func NewInvalidator(store Store, bus events.Bus) *Invalidator {
	return &Invalidator{
		store: store,
		bus:   bus,
		log:   logger.Named("cache.invalidator"),
		done:  make(chan struct{}),
	}
}

// Start subscribes to the bus and begins consuming events until ctx is
// cancelled or Stop is called.
func (i *Invalidator) Start(ctx context.Context) {
	ch, unsubscribe := i.bus.Subscribe(
		events.TopicAchievementEarned,
		events.TopicProgressUpdated,
		events.TopicHighRiskUser,
	)
	i.stop = unsubscribe

	go func() {
		defer close(i.done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, open := <-ch:
				if !open {
					return
				}
				i.handle(ctx, e)
			}
		}
	}()
}

// Stop unsubscribes and waits for the listener goroutine to drain.
func (i *Invalidator) Stop() {
	i.stopOnce.Do(func() {
		if i.stop != nil {
			i.stop()
		}
		<-i.done
	})
}

func (i *Invalidator) handle(ctx context.Context, e events.Event) {
	userID := subjectOf(e)
	if userID == "" {
		return
	}

	// Leaderboards aggregate across users, so any progress or risk change
	// makes every cached page stale.
	i.expirePrefix(ctx, leaderboardPrefix)
	i.expirePrefix(ctx, fmt.Sprintf("%s%s:", userPrefix, userID))
}

func (i *Invalidator) expirePrefix(ctx context.Context, prefix string) {
	err := retry.Do(ctx, func(ctx context.Context) error {
		_, err := i.store.DeleteByPrefix(ctx, prefix)
		return err
	}, retry.CachePolicy()...)
	if err != nil {
		metrics.RecordCacheError()
		i.log.Warn(ctx, "cache invalidation failed",
			logger.String("prefix", prefix),
			logger.Error(err),
		)
		return
	}
	metrics.RecordCacheInvalidation()
}

// subjectOf extracts the user a payload concerns.
func subjectOf(e events.Event) string {
	switch p := e.Payload.(type) {
	case events.AchievementEarned:
		return p.UserID
	case events.ProgressUpdated:
		return p.UserID
	case events.HighRiskUser:
		return p.UserID
	default:
		return ""
	}
}
