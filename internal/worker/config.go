// Package worker runs AnchorWatch background jobs: the expired-session cleanup, triggered
// by Pub/Sub messages or by a local ticker.
package worker

import (
	"os"
	"strconv"
	"time"
)

// CleanupConfig holds configuration for the session cleanup job.
type CleanupConfig struct {
	// BatchSize is the number of expired sessions deleted per batch.
	// Default: 100
	BatchSize int

	// MaxBatches bounds one run so a large backlog is drained over several runs.
	// Default: 10
	MaxBatches int

	// Timeout bounds one run.
	// Default: 2 minutes
	Timeout time.Duration

	// Interval is the ticker period when no Pub/Sub subscription is configured.
	// Default: 15 minutes
	Interval time.Duration
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		BatchSize:  100,
		MaxBatches: 10,
		Timeout:    2 * time.Minute,
		Interval:   15 * time.Minute,
	}
}

// CleanupConfigFromEnv reads CLEANUP_* variables over the defaults.
func CleanupConfigFromEnv() CleanupConfig {
	cfg := DefaultCleanupConfig()
	if v, err := strconv.Atoi(os.Getenv("CLEANUP_BATCH_SIZE")); err == nil && v > 0 {
		cfg.BatchSize = v
	}
	if v, err := strconv.Atoi(os.Getenv("CLEANUP_MAX_BATCHES")); err == nil && v > 0 {
		cfg.MaxBatches = v
	}
	if v, err := time.ParseDuration(os.Getenv("CLEANUP_TIMEOUT")); err == nil && v > 0 {
		cfg.Timeout = v
	}
	if v, err := time.ParseDuration(os.Getenv("CLEANUP_INTERVAL")); err == nil && v > 0 {
		cfg.Interval = v
	}
	return cfg
}

func (c CleanupConfig) withDefaults() CleanupConfig {
	d := DefaultCleanupConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = d.MaxBatches
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}
