// Package config defines service configuration and loading.
//
// Conventions:
// - Defaults come from New; file and environment layers override them.
// - All loading functions accept context.Context as the first parameter.
package config

import (
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the operational HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// WorkerCount sets the fraud scoring worker pool size.
	WorkerCount int `koanf:"worker_count"`

	// BatchWorkerCount sets the batch processing worker pool size.
	BatchWorkerCount int `koanf:"batch_worker_count"`

	// BatchInterval is how often the unprocessed-event sweep runs.
	BatchInterval time.Duration `koanf:"batch_interval"`

	// BatchLimit caps the events drained per sweep.
	BatchLimit int `koanf:"batch_limit"`

	// SweepInterval is how often the fraud dormancy sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// RecentWindow bounds how far back the evaluation context looks.
	RecentWindow time.Duration `koanf:"recent_window"`

	// RecentLimit caps the recent-event window size.
	RecentLimit int `koanf:"recent_limit"`

	// BusBufferSize bounds each event bus subscriber's buffer.
	BusBufferSize int `koanf:"bus_buffer_size"`

	// BreakerFailureThreshold opens the storage breaker after this many
	// failures inside the window.
	BreakerFailureThreshold int `koanf:"breaker_failure_threshold"`

	// BreakerSuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	BreakerSuccessThreshold int `koanf:"breaker_success_threshold"`

	// BreakerTimeout is how long an open breaker waits before probing.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`

	// BreakerCallTimeout hard-bounds one guarded call.
	BreakerCallTimeout time.Duration `koanf:"breaker_call_timeout"`

	// RiskHighThreshold is the risk score at which a user is flagged
	// high-risk.
	RiskHighThreshold float64 `koanf:"risk_high_threshold"`

	// CacheTTL is the default time to live for cached read models.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// RedisAddr enables the Redis cache backend when non-empty; the
	// in-memory cache is used otherwise.
	RedisAddr string `koanf:"redis_addr"`

	// RedisPassword authenticates against Redis.
	RedisPassword string `koanf:"redis_password"`

	// RedisDB selects the Redis logical database.
	RedisDB int `koanf:"redis_db"`

	// StoreShardCount sets the number of lock shards in the in-memory
	// store.
	StoreShardCount int `koanf:"store_shard_count"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		Addr:                    ":9080",
		WorkerCount:             runtime.NumCPU(),
		BatchWorkerCount:        4,
		BatchInterval:           5 * time.Second,
		BatchLimit:              500,
		SweepInterval:           time.Hour,
		RecentWindow:            24 * time.Hour,
		RecentLimit:             100,
		BusBufferSize:           1024,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerTimeout:          time.Second,
		BreakerCallTimeout:      5 * time.Second,
		RiskHighThreshold:       70,
		CacheTTL:                5 * time.Minute,
		StoreShardCount:         32,
	}
}
