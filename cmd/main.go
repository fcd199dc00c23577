package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quizlab/merit/internal/adapters/cache"
	app "github.com/quizlab/merit/internal/app"
	"github.com/quizlab/merit/internal/config"
	"github.com/quizlab/merit/pkg/logger"
	"github.com/quizlab/merit/pkg/metrics"
	"github.com/quizlab/merit/pkg/resilience/breaker"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	// We collect our own custom system metrics instead
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize logging
	if err := logger.Init(); err != nil {
		// Use stderr for initialization errors since logger isn't available yet
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return
	}

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	opts := []app.Option{
		app.WithLogger(log),
		app.WithFraudWorkerCount(cfg.WorkerCount),
		app.WithBatchWorkerCount(cfg.BatchWorkerCount),
		app.WithBatchInterval(cfg.BatchInterval),
		app.WithBatchLimit(cfg.BatchLimit),
		app.WithSweepInterval(cfg.SweepInterval),
		app.WithRecentWindow(cfg.RecentWindow, cfg.RecentLimit),
		app.WithBusBufferSize(cfg.BusBufferSize),
		app.WithCacheTTL(cfg.CacheTTL),
		app.WithHighRiskThreshold(cfg.RiskHighThreshold),
		app.WithStoreShardCount(cfg.StoreShardCount),
		app.WithBreakerConfig(breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
			CallTimeout:      cfg.BreakerCallTimeout,
		}),
	}
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			os.Stderr.WriteString("failed to connect to redis: " + err.Error() + "\n")
			return
		}
		log.Info(ctx, "using redis cache", logger.String("addr", cfg.RedisAddr))
		opts = append(opts, app.WithCacheStore(redisCache))
	}

	svc := app.New(opts...)
	if err := svc.Start(ctx); err != nil {
		os.Stderr.WriteString("failed to start service: " + err.Error() + "\n")
		return
	}
	defer svc.Stop()

	// Optional synthetic traffic for local runs.
	if os.Getenv("MERIT_DEMO") == "1" {
		go runDemoTraffic(ctx, svc)
	}

	// Operational HTTP mux: health and metrics.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(svc))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			os.Stderr.WriteString("HTTP server failed: " + err.Error() + "\n")
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}

	log.Info(ctx, "server stopped")
}

// healthHandler reports liveness plus the state of every circuit
// breaker, so an open storage breaker is visible before it pages.
func healthHandler(svc *app.Service) http.HandlerFunc {
	type breakerStatus struct {
		Name     string `json:"name"`
		State    string `json:"state"`
		Failures int    `json:"failures"`
	}
	type health struct {
		Status   string          `json:"status"`
		Breakers []breakerStatus `json:"breakers"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		body := health{Status: "ok"}
		for _, snap := range svc.Breakers().Snapshots() {
			body.Breakers = append(body.Breakers, breakerStatus{
				Name:     snap.Name,
				State:    snap.State.String(),
				Failures: snap.Failures,
			})
			if snap.State == breaker.StateOpen {
				body.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if body.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}
