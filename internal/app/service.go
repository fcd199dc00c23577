// Package service wires the achievement pipeline together: storage,
// rule evaluation, fraud scoring, caching and the event bus, plus the
// background sweeps that keep them moving.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/quizlab/merit/internal/adapters/cache"
	"github.com/quizlab/merit/internal/adapters/storage"
	"github.com/quizlab/merit/internal/domain/fraud"
	"github.com/quizlab/merit/internal/domain/model"
	"github.com/quizlab/merit/internal/domain/rules"
	"github.com/quizlab/merit/internal/events"
	"github.com/quizlab/merit/internal/processor"
	"github.com/quizlab/merit/pkg/logger"
	"github.com/quizlab/merit/pkg/metrics"
	"github.com/quizlab/merit/pkg/resilience/breaker"
	"github.com/quizlab/merit/pkg/resilience/saga"
)

// Default service configuration constants.
const (
	defaultBatchWorkers   = 4
	defaultBatchInterval  = 5 * time.Second
	defaultBatchLimit     = 500
	defaultSweepInterval  = time.Hour
	defaultBusBuffer      = 1024
	defaultStoreShards    = 32
	defaultCacheTTL       = 5 * time.Minute
	systemMetricsInterval = 10 * time.Second
)

// Service owns the achievement pipeline's components and lifecycle.
type Service struct {
	mu sync.RWMutex

	// Core components
	store       storage.Store
	cacheStore  cache.Store
	invalidator *cache.Invalidator
	bus         events.Bus
	registry    *rules.Registry
	breakers    *breaker.Registry
	sagas       *saga.Orchestrator
	processor   *processor.Processor
	detector    *fraud.Detector

	// Configuration
	catalogue         []rules.Rule
	breakerConfig     breaker.Config
	highRiskThreshold float64
	fraudWorkers      int
	batchWorkers      int
	batchInterval     time.Duration
	batchLimit        int
	sweepInterval     time.Duration
	recentWindow      time.Duration
	recentLimit       int
	busBuffer         int
	storeShardCount   int
	cacheTTL          time.Duration

	// State
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore supplies a storage backend, replacing the in-memory default.
func WithStore(store storage.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithCacheStore supplies a cache backend, replacing the in-memory
// default.
func WithCacheStore(store cache.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.cacheStore = store
		}
	}
}

// WithBus supplies an event bus, replacing the in-memory default.
func WithBus(bus events.Bus) Option {
	return func(s *Service) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithCatalogue replaces the default achievement rule catalogue.
func WithCatalogue(catalogue []rules.Rule) Option {
	return func(s *Service) {
		if len(catalogue) > 0 {
			s.catalogue = catalogue
		}
	}
}

// WithBreakerConfig tunes the circuit breakers guarding storage.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(s *Service) {
		s.breakerConfig = cfg
	}
}

// WithHighRiskThreshold overrides the risk score at which a user is
// flagged high-risk.
func WithHighRiskThreshold(score float64) Option {
	return func(s *Service) {
		if score > 0 {
			s.highRiskThreshold = score
		}
	}
}

// WithFraudWorkerCount sets the fraud scoring worker pool size.
func WithFraudWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.fraudWorkers = count
		}
	}
}

// WithBatchWorkerCount sets the batch processing worker pool size.
func WithBatchWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.batchWorkers = count
		}
	}
}

// WithBatchInterval sets how often the unprocessed-event sweep runs.
func WithBatchInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.batchInterval = interval
		}
	}
}

// WithBatchLimit caps the events drained per sweep.
func WithBatchLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.batchLimit = limit
		}
	}
}

// WithSweepInterval sets how often the fraud dormancy sweep runs.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// WithRecentWindow bounds the evaluation context's recent-event window.
func WithRecentWindow(window time.Duration, limit int) Option {
	return func(s *Service) {
		if window > 0 {
			s.recentWindow = window
		}
		if limit > 0 {
			s.recentLimit = limit
		}
	}
}

// WithBusBufferSize bounds each bus subscriber's buffer.
func WithBusBufferSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.busBuffer = size
		}
	}
}

// WithCacheTTL sets the time to live for cached read models.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithStoreShardCount sets the in-memory store's shard count.
func WithStoreShardCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.storeShardCount = count
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.logger = log
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		catalogue:       rules.DefaultCatalogue(),
		fraudWorkers:    runtime.NumCPU(),
		batchWorkers:    defaultBatchWorkers,
		batchInterval:   defaultBatchInterval,
		batchLimit:      defaultBatchLimit,
		sweepInterval:   defaultSweepInterval,
		recentWindow:    model.RecentWindowAge,
		recentLimit:     model.RecentWindowLimit,
		busBuffer:       defaultBusBuffer,
		storeShardCount: defaultStoreShards,
		cacheTTL:        defaultCacheTTL,
	}

	// Apply all options
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start initializes and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Named("service")
	}
	s.logger.Info(ctx, "starting achievement service...")

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.store == nil {
		s.store = storage.NewInMemoryStore(storage.WithShardCount(s.storeShardCount))
		s.logger.Info(ctx, "using in-memory store")
	}
	if s.cacheStore == nil {
		s.cacheStore = cache.NewInMemoryStore()
		s.logger.Info(ctx, "using in-memory cache")
	}

	if s.bus == nil {
		s.bus = events.NewInMemoryBus(events.WithBufferSize(s.busBuffer))
	}
	s.registry = rules.NewRegistry(s.catalogue...)
	s.breakers = breaker.NewRegistry(breaker.WithConfig(s.breakerConfig), breaker.WithLogger(s.logger))
	s.sagas = saga.New(
		saga.WithLogger(s.logger),
		saga.WithObserver(func(sagaID, stepName, outcome string) {
			s.bus.Publish(runCtx, events.Event{
				Topic:   events.TopicSagaStep,
				Payload: events.SagaStep{SagaID: sagaID, StepName: stepName, Outcome: outcome},
			})
		}),
	)

	s.processor = processor.New(s.store, s.registry, s.bus,
		processor.WithBreakers(s.breakers),
		processor.WithSagas(s.sagas),
		processor.WithWorkerCount(s.batchWorkers),
		processor.WithRecentWindow(s.recentWindow),
		processor.WithRecentLimit(s.recentLimit),
	)

	s.detector = fraud.NewDetector(s.bus,
		fraud.WithWorkerCount(s.fraudWorkers),
		fraud.WithHighRiskThreshold(s.highRiskThreshold),
	)
	s.detector.Start(runCtx)

	s.invalidator = cache.NewInvalidator(s.cacheStore, s.bus)
	s.invalidator.Start(runCtx)

	s.wg.Add(3)
	go s.batchLoop(runCtx)
	go s.fraudSweepLoop(runCtx)
	go s.systemMetricsLoop(runCtx)

	s.started = true
	s.logger.Info(ctx, "achievement service started",
		logger.Int("rules", len(s.registry.All())),
		logger.Int("fraud_workers", s.fraudWorkers),
		logger.Int("batch_workers", s.batchWorkers),
	)
	return nil
}

// Stop gracefully shuts down the service. In-flight processing is
// drained before the bus and cache close.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping achievement service...")

	// Stop the producers first so nothing publishes into a closing bus.
	s.cancel()
	s.wg.Wait()
	s.detector.Stop()
	s.invalidator.Stop()
	_ = s.bus.Close()
	_ = s.cacheStore.Close()

	s.started = false
	s.logger.Info(ctx, "achievement service stopped")
}

// Ingest records one activity event and processes it on the calling
// path. The fraud detector scores the same event asynchronously and
// never delays the caller.
func (s *Service) Ingest(ctx context.Context, event model.ActivityEvent) model.ProcessingResult {
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Error(ctx, "failed to record event",
			logger.String("event_id", event.ID),
			logger.Error(err),
		)
		return model.ProcessingResult{EventID: event.ID, UserID: event.UserID, Err: err.Error()}
	}

	result := s.processor.ProcessEvent(ctx, event)

	stats, err := s.store.LoadUserStatistics(ctx, event.UserID)
	if err != nil {
		stats = model.UserStatistics{UserID: event.UserID}
	}
	s.detector.Submit(fraud.Observation{
		Event:       event,
		Stats:       stats,
		NewlyEarned: result.NewlyEarned,
	})
	return result
}

// ProcessEvent runs one event through the achievement path without
// recording it in the event log. Callers that own their event delivery
// use this; Ingest is the full path.
func (s *Service) ProcessEvent(ctx context.Context, event model.ActivityEvent) model.ProcessingResult {
	return s.processor.ProcessEvent(ctx, event)
}

// CachedStatistics returns the user's statistics through the cache.
// The cache key sits under the user prefix the invalidator expires, so
// an earned achievement or risk change refreshes it on the next read.
func (s *Service) CachedStatistics(ctx context.Context, userID string) (model.UserStatistics, error) {
	key := fmt.Sprintf("user:%s:stats", userID)
	if raw, err := s.cacheStore.Get(ctx, key); err == nil {
		var stats model.UserStatistics
		if err := json.Unmarshal(raw, &stats); err == nil {
			return stats, nil
		}
	}

	stats, err := s.store.LoadUserStatistics(ctx, userID)
	if err != nil {
		return model.UserStatistics{}, err
	}
	if raw, err := json.Marshal(stats); err == nil {
		if err := s.cacheStore.Set(ctx, key, raw, s.cacheTTL); err != nil {
			s.logger.Warn(ctx, "failed to cache statistics",
				logger.String("user_id", userID),
				logger.Error(err),
			)
		}
	}
	return stats, nil
}

// batchLoop periodically drains unprocessed events.
func (s *Service) batchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := s.processor.ProcessBatch(ctx, s.batchLimit)
			if len(results) > 0 {
				s.logger.Debug(ctx, "batch sweep finished",
					logger.Int("processed", len(results)),
				)
			}
		}
	}
}

// fraudSweepLoop periodically decays dormant risk profiles.
func (s *Service) fraudSweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.detector.Sweep(ctx)
		}
	}
}

// systemMetricsLoop samples process health gauges.
func (s *Service) systemMetricsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			metrics.UpdateSystemMemoryUsage(mem.Alloc)
			metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
		}
	}
}

// Store exposes the storage backend for read paths and seeding.
func (s *Service) Store() storage.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Bus exposes the event bus for additional subscribers.
func (s *Service) Bus() events.Bus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bus
}

// Detector exposes the fraud detector for profile inspection.
func (s *Service) Detector() *fraud.Detector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detector
}

// Breakers exposes the breaker registry for health reporting.
func (s *Service) Breakers() *breaker.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers
}

// Sagas exposes the saga orchestrator for trace inspection.
func (s *Service) Sagas() *saga.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sagas
}
