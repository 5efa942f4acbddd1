// Package background tracks the vessel while the foreground GPS stream is off. It polls
// the location provider at a low rate and reports every fix plus geofence exits.
package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/gps"
	"github.com/anchorwatch/anchorwatch/internal/monitor"
)

// ErrNoReceiver is returned by StartMonitoring before Bind.
var ErrNoReceiver = errors.New("background tracker has no receiver")

const defaultInterval = 30 * time.Second

// Receiver gets background fixes. The monitoring coordinator implements it.
type Receiver interface {
	BackgroundLocation(ctx context.Context, p anchor.Position) error
	GeofenceExit(ctx context.Context, p anchor.Position) error
}

// Config configures a Tracker.
type Config struct {
	Provider gps.Provider
	Logger   zerolog.Logger

	// Interval between polls. Default: 30 seconds
	Interval time.Duration
}

// Tracker is a polling geofence around the anchor. Exits are edge-triggered: one
// report per crossing, re-armed once a fix is back inside the radius.
type Tracker struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	receiver Receiver
	fence    *anchor.Anchor
	outside  bool
	run      *pollRun
}

type pollRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tracker. Call Bind before handing it to the coordinator.
func New(cfg Config) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Tracker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "background_tracker").Logger(),
	}
}

// Bind sets the receiver for fixes and exits.
func (t *Tracker) Bind(r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

// StartMonitoring fences a and starts polling. Starting again only moves the fence.
func (t *Tracker) StartMonitoring(ctx context.Context, a anchor.Anchor) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.receiver == nil {
		return ErrNoReceiver
	}
	if err := gps.CheckAvailable(ctx, t.cfg.Provider); err != nil {
		return err
	}
	t.fence = a.Clone()
	t.outside = false
	if t.run != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &pollRun{cancel: cancel, done: make(chan struct{})}
	t.run = run
	go func() {
		defer close(run.done)
		t.poll(runCtx)
	}()

	t.logger.Info().Dur("interval", t.cfg.Interval).Float64("radius", a.Radius).Msg("background tracking started")
	return nil
}

// UpdateAnchor moves the fence without restarting the poller.
func (t *Tracker) UpdateAnchor(_ context.Context, a anchor.Anchor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run == nil {
		return nil
	}
	t.fence = a.Clone()
	t.outside = false
	return nil
}

// StopMonitoring stops polling. It waits for the poller, whose in-flight delivery is
// cancelled first.
func (t *Tracker) StopMonitoring(context.Context) error {
	t.mu.Lock()
	run := t.run
	t.run = nil
	t.fence = nil
	t.mu.Unlock()

	if run == nil {
		return nil
	}
	run.cancel()
	<-run.done
	t.logger.Info().Msg("background tracking stopped")
	return nil
}

// Active reports whether the poller runs.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run != nil
}

func (t *Tracker) poll(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		t.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) check(ctx context.Context) {
	p, err := t.cfg.Provider.CurrentPosition(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Debug().Err(err).Msg("background fix unavailable")
		}
		return
	}

	t.mu.Lock()
	fence, receiver := t.fence, t.receiver
	exited := false
	if fence != nil {
		out := p.DistanceTo(fence) > fence.Radius
		exited = out && !t.outside
		t.outside = out
	}
	t.mu.Unlock()
	if fence == nil {
		return
	}

	if exited {
		if err := receiver.GeofenceExit(ctx, p); err != nil && ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("geofence exit not delivered")
		}
		return
	}
	if err := receiver.BackgroundLocation(ctx, p); err != nil && ctx.Err() == nil {
		t.logger.Debug().Err(err).Msg("background fix not delivered")
	}
}

var _ monitor.BackgroundTracker = (*Tracker)(nil)
