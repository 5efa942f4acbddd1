package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

const meterName = "github.com/anchorwatch/anchorwatch/internal/worker"

// CleanupJob deletes sessions past their expiry and unlinks them from the owner index.
type CleanupJob struct {
	store  session.Store
	config CleanupConfig
	logger zerolog.Logger
	now    func() time.Time

	deletedTotal metric.Int64Counter
	metrics      *CleanupMetrics
}

// CleanupMetrics tracks cleanup job statistics.
type CleanupMetrics struct {
	mu sync.RWMutex

	Runs          int64
	FailedRuns    int64
	Deleted       int64
	LastRunAt     time.Time
	LastDuration  time.Duration
	TotalDuration time.Duration
}

// CleanupJobConfig holds configuration for creating a CleanupJob.
type CleanupJobConfig struct {
	Store  session.Store
	Config CleanupConfig
	Logger zerolog.Logger
	Now    func() time.Time
}

// CleanupResult contains the result of one cleanup run.
type CleanupResult struct {
	StartTime time.Time
	Duration  time.Duration
	Batches   int
	Deleted   int
	// Drained is false when the run stopped at MaxBatches with work left.
	Drained bool
	Err     error
}

// NewCleanupJob creates a cleanup job.
func NewCleanupJob(cfg CleanupJobConfig) *CleanupJob {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	// A nil counter only disables the metric; the global meter never fails for a valid name.
	deleted, _ := otel.Meter(meterName).Int64Counter(
		"session.cleanup.deleted",
		metric.WithDescription("Expired sessions deleted by the cleanup job"),
		metric.WithUnit("{session}"),
	)

	return &CleanupJob{
		store:        cfg.Store,
		config:       cfg.Config.withDefaults(),
		logger:       cfg.Logger.With().Str("job", "session_cleanup").Logger(),
		now:          now,
		deletedTotal: deleted,
		metrics:      &CleanupMetrics{},
	}
}

// Run deletes expired sessions in batches until none are left, MaxBatches is reached
// or the run times out. limit overrides the batch size when positive.
func (j *CleanupJob) Run(ctx context.Context, limit int) *CleanupResult {
	batch := j.config.BatchSize
	if limit > 0 {
		batch = limit
	}

	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	result := &CleanupResult{StartTime: time.Now()}
	j.logger.Debug().Int("batch_size", batch).Msg("starting session cleanup")

	for result.Batches < j.config.MaxBatches {
		n, err := session.DeleteExpired(ctx, j.store, j.now(), batch, j.logger)
		result.Batches++
		result.Deleted += n
		if err != nil {
			result.Err = err
			break
		}
		if n < batch {
			result.Drained = true
			break
		}
	}
	result.Duration = time.Since(result.StartTime)

	if j.deletedTotal != nil && result.Deleted > 0 {
		j.deletedTotal.Add(ctx, int64(result.Deleted))
	}
	j.record(result)

	event := j.logger.Info()
	if result.Err != nil {
		event = j.logger.Warn().Err(result.Err)
	}
	event.
		Int("deleted", result.Deleted).
		Int("batches", result.Batches).
		Bool("drained", result.Drained).
		Dur("duration", result.Duration).
		Msg("session cleanup finished")

	return result
}

// Schedule runs the job now and then every Interval until ctx ends.
func (j *CleanupJob) Schedule(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info().Dur("interval", j.config.Interval).Msg("cleanup scheduled")
	for {
		j.Run(ctx, 0)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ping checks the store answers an expiry query.
func (j *CleanupJob) Ping(ctx context.Context) error {
	_, err := j.store.ListExpired(ctx, j.now(), 1)
	return err
}

func (j *CleanupJob) record(r *CleanupResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.Runs++
	if r.Err != nil {
		j.metrics.FailedRuns++
	}
	j.metrics.Deleted += int64(r.Deleted)
	j.metrics.LastRunAt = r.StartTime
	j.metrics.LastDuration = r.Duration
	j.metrics.TotalDuration += r.Duration
}

// Metrics returns a copy of the job statistics.
func (j *CleanupJob) Metrics() CleanupMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return CleanupMetrics{
		Runs:          j.metrics.Runs,
		FailedRuns:    j.metrics.FailedRuns,
		Deleted:       j.metrics.Deleted,
		LastRunAt:     j.metrics.LastRunAt,
		LastDuration:  j.metrics.LastDuration,
		TotalDuration: j.metrics.TotalDuration,
	}
}
