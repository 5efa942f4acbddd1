package gps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/resilience"
)

const (
	defaultInterval          = time.Second
	defaultRestartDelay      = 500 * time.Millisecond
	defaultMaxRestartBackoff = 30 * time.Second
)

// Sink receives the foreground stream. The monitoring coordinator implements it.
type Sink interface {
	HandlePosition(ctx context.Context, p anchor.Position) error
	ForegroundStarted(ctx context.Context) error
	ForegroundStopped(ctx context.Context) error
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	Provider Provider
	Sink     Sink
	Logger   zerolog.Logger

	// Interval between samples. Default: 1 second
	Interval time.Duration
	Accuracy Accuracy
	// RestartDelay is the first wait before reopening a dropped stream. Default: 500ms
	RestartDelay time.Duration
}

// Tracker runs the foreground position stream and forwards every sample to its sink.
// A stream that ends on its own is reopened with exponential backoff.
type Tracker struct {
	cfg    TrackerConfig
	logger zerolog.Logger

	mu  sync.Mutex
	run *trackerRun
}

type trackerRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	return &Tracker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "gps_tracker").Logger(),
	}
}

// Start opens the stream and tells the sink the foreground took over. It fails with
// ErrServiceDisabled or ErrPermissionDenied when the provider is unavailable.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.run != nil {
		return nil
	}
	if err := CheckAvailable(ctx, t.cfg.Provider); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := t.cfg.Provider.Stream(runCtx, t.cfg.Interval, t.cfg.Accuracy)
	if err != nil {
		cancel()
		return fmt.Errorf("open position stream: %w", err)
	}

	run := &trackerRun{cancel: cancel, done: make(chan struct{})}
	t.run = run
	go func() {
		defer close(run.done)
		t.forward(runCtx, stream)
	}()

	if err := t.cfg.Sink.ForegroundStarted(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("foreground start not delivered")
	}
	t.logger.Info().
		Dur("interval", t.cfg.Interval).
		Str("accuracy", t.cfg.Accuracy.String()).
		Msg("foreground tracking started")
	return nil
}

// Stop closes the stream and hands tracking back to the sink. Stopping twice is a no-op.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := t.run
	if run == nil {
		return nil
	}
	t.run = nil
	run.cancel()
	<-run.done

	t.logger.Info().Msg("foreground tracking stopped")
	return t.cfg.Sink.ForegroundStopped(ctx)
}

// Running reports whether the foreground stream is open.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run != nil
}

// CurrentPosition returns a one-shot fix from the provider.
func (t *Tracker) CurrentPosition(ctx context.Context) (anchor.Position, error) {
	if err := CheckAvailable(ctx, t.cfg.Provider); err != nil {
		return anchor.Position{}, err
	}
	return t.cfg.Provider.CurrentPosition(ctx)
}

func (t *Tracker) forward(ctx context.Context, stream <-chan anchor.Position) {
	for {
		for p := range stream {
			if err := t.cfg.Sink.HandlePosition(ctx, p); err != nil && ctx.Err() == nil {
				t.logger.Debug().Err(err).Msg("position not delivered")
			}
		}
		if ctx.Err() != nil {
			return
		}

		t.logger.Warn().Msg("position stream ended, reopening")
		next, err := t.reopen(ctx)
		if err != nil {
			return
		}
		stream = next
	}
}

func (t *Tracker) reopen(ctx context.Context) (<-chan anchor.Position, error) {
	var stream <-chan anchor.Position
	open := func() error {
		ch, err := t.cfg.Provider.Stream(ctx, t.cfg.Interval, t.cfg.Accuracy)
		if err != nil {
			return err
		}
		stream = ch
		return nil
	}
	policy := resilience.WaitRetry(ctx, t.cfg.RestartDelay, defaultMaxRestartBackoff, 0)
	err := backoff.RetryNotify(open, policy, func(err error, wait time.Duration) {
		t.logger.Warn().Err(err).Dur("retry_in", wait).Msg("reopening position stream failed")
	})
	return stream, err
}
