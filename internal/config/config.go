// Package config loads process configuration from the environment, in the
// same env-var-plus-typed-fallback style the rest of the stack uses.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string
	RedisAddr   string

	// Executor holds executor settings. DefaultBatchSize, DefaultMaxWorkers
	// and DefaultMaxRetries are loaded from the environment but not read by
	// the jobs package: jobs.Job.WithDefaults applies fixed defaults
	// (1000, 4, 3).
	Executor ExecutorConfig
}

type ExecutorConfig struct {
	DefaultBatchSize  int
	DefaultMaxWorkers int
	DefaultMaxRetries int

	// HeartbeatTimeout is how long a claimed batch may go without a
	// heartbeat before the reaper reclaims it to pending (§5 Restartability).
	HeartbeatTimeout time.Duration

	// ReaperInterval is the cron-driven cadence for the stale-batch reaper.
	ReaperInterval time.Duration

	// ProgressDebounce is loaded from JOB_PROGRESS_DEBOUNCE; the progress
	// publisher does not read it and uses progress.DebounceInterval.
	ProgressDebounce time.Duration

	// ControllerPoolSize bounds the number of jobs the controller drives
	// concurrently (§4.9, default 2).
	ControllerPoolSize int
}

func Load() *Config {
	return &Config{
		DatabaseURL: env("DATABASE_URL", "postgres://catalogcore:catalogcore@db:5432/catalogcore?sslmode=disable"),
		RedisAddr:   env("REDIS_ADDR", "redis:6379"),
		Executor: ExecutorConfig{
			DefaultBatchSize:   envInt("JOB_DEFAULT_BATCH_SIZE", 1000),
			DefaultMaxWorkers:  envInt("JOB_DEFAULT_MAX_WORKERS", 4),
			DefaultMaxRetries:  envInt("JOB_DEFAULT_MAX_RETRIES", 3),
			HeartbeatTimeout:   envDuration("JOB_HEARTBEAT_TIMEOUT", 60*time.Second),
			ReaperInterval:     envDuration("JOB_REAPER_INTERVAL", 60*time.Second),
			ProgressDebounce:   envDuration("JOB_PROGRESS_DEBOUNCE", 250*time.Millisecond),
			ControllerPoolSize: envInt("JOB_CONTROLLER_POOL_SIZE", 2),
		},
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
