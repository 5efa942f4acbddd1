package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/detection"
	"github.com/anchorwatch/anchorwatch/internal/feed"
	"github.com/anchorwatch/anchorwatch/internal/settings"
)

const (
	defaultSyncTimeout       = 10 * time.Second
	defaultCollaboratorLimit = 5 * time.Second
)

// Config holds the coordinator's collaborators. Only Settings is required.
type Config struct {
	Settings   settings.Source
	Background BackgroundTracker
	Sync       AlarmSync
	Notifier   Notifier
	Anchors    AnchorStore
	Logger     zerolog.Logger
	Now        func() time.Time
	// SyncTimeout bounds the remote alarm clear that gates a dismissal.
	SyncTimeout time.Duration
}

// command runs on the loop goroutine. reply must be called exactly once.
type command struct {
	fn    func(reply func(error))
	reply chan error
}

// Coordinator owns the monitoring state. All state is confined to the goroutine
// running Run; public methods send commands to it and wait for the reply.
type Coordinator struct {
	settings    settings.Source
	background  BackgroundTracker
	sync        AlarmSync
	notifier    Notifier
	anchors     AnchorStore
	logger      zerolog.Logger
	now         func() time.Time
	syncTimeout time.Duration

	commands chan command
	done     chan struct{}

	anchorFeed   *feed.Value[*anchor.Anchor]
	positionFeed *feed.Value[*anchor.Position]
	alarmsFeed   *feed.Value[[]anchor.AlarmEvent]
	stateFeed    *feed.Value[State]

	// Loop-owned.
	runCtx   context.Context
	state    State
	anchor   *anchor.Anchor
	position *anchor.Position
	alarms   []anchor.AlarmEvent
	gps      detection.GPSWatch
	handoff  Handoff
	ticker   *time.Ticker
	pending  map[string]bool
}

// New creates a coordinator. Call Run to start it.
func New(cfg Config) *Coordinator {
	if cfg.Settings == nil {
		cfg.Settings = settings.Static(settings.Default())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}

	return &Coordinator{
		settings:     cfg.Settings,
		background:   cfg.Background,
		sync:         cfg.Sync,
		notifier:     cfg.Notifier,
		anchors:      cfg.Anchors,
		logger:       cfg.Logger.With().Str("component", "monitor").Logger(),
		now:          cfg.Now,
		syncTimeout:  cfg.SyncTimeout,
		commands:     make(chan command),
		done:         make(chan struct{}),
		anchorFeed:   feed.NewWith[*anchor.Anchor](nil),
		positionFeed: feed.NewWith[*anchor.Position](nil),
		alarmsFeed:   feed.NewWith[[]anchor.AlarmEvent](nil),
		stateFeed:    feed.NewWith(StateIdle),
		state:        StateIdle,
		pending:      make(map[string]bool),
	}
}

// Run processes commands until ctx is cancelled. It restores the persisted anchor first.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.runCtx = ctx
	c.restore(ctx)

	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case cmd := <-c.commands:
			replied := false
			cmd.fn(func(err error) {
				if replied {
					return
				}
				replied = true
				if cmd.reply != nil {
					cmd.reply <- err
				}
			})
		case <-tick:
			c.healthCheck()
		}
	}
}

// Anchor is the current anchor feed; nil means no anchor.
func (c *Coordinator) Anchor() feed.Source[*anchor.Anchor] { return c.anchorFeed }

// Position is the latest position feed.
func (c *Coordinator) Position() feed.Source[*anchor.Position] { return c.positionFeed }

// Alarms is the active alarm list feed.
func (c *Coordinator) Alarms() feed.Source[[]anchor.AlarmEvent] { return c.alarmsFeed }

// State is the lifecycle state feed.
func (c *Coordinator) State() feed.Source[State] { return c.stateFeed }

// Snapshot returns the current published values.
func (c *Coordinator) Snapshot() Snapshot {
	st, _ := c.stateFeed.Get()
	a, _ := c.anchorFeed.Get()
	p, _ := c.positionFeed.Get()
	al, _ := c.alarmsFeed.Get()
	return Snapshot{State: st, Anchor: a.Clone(), Position: p.Clone(), Alarms: anchor.CloneAlarms(al)}
}

// SetAnchor drops a new active anchor at lat/lon.
func (c *Coordinator) SetAnchor(ctx context.Context, lat, lon, radius float64) (*anchor.Anchor, error) {
	var created *anchor.Anchor
	err := c.do(ctx, func(reply func(error)) {
		a, err := anchor.New(lat, lon, radius, c.now())
		if err != nil {
			reply(err)
			return
		}
		c.replaceAnchor(a)
		created = a.Clone()
		c.logger.Info().Str("anchor_id", a.ID).Float64("radius", radius).Msg("anchor set")
		reply(nil)
	})
	return created, err
}

// MoveAnchor moves the existing anchor.
func (c *Coordinator) MoveAnchor(ctx context.Context, lat, lon float64) error {
	return c.do(ctx, func(reply func(error)) {
		reply(c.mutateAnchor(func(a *anchor.Anchor) {
			a.Latitude = lat
			a.Longitude = lon
		}))
	})
}

// ResizeAnchor changes the radius of the existing anchor, e.g. when a radius drag is confirmed.
func (c *Coordinator) ResizeAnchor(ctx context.Context, radius float64) error {
	return c.do(ctx, func(reply func(error)) {
		reply(c.mutateAnchor(func(a *anchor.Anchor) {
			a.Radius = radius
		}))
	})
}

// ClearAnchor removes the anchor, stops monitoring and drops all alarms.
func (c *Coordinator) ClearAnchor(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		if c.anchor == nil {
			reply(anchor.ErrNoAnchor)
			return
		}
		c.stop()
		for _, al := range c.alarms {
			c.cancelNotification(al.ID)
		}
		c.alarms = nil
		c.publishAlarms()
		c.replaceAnchor(nil)
		c.logger.Info().Msg("anchor cleared")
		reply(nil)
	})
}

// StartMonitoring begins watching the active anchor. It is a no-op when already started.
func (c *Coordinator) StartMonitoring(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		if c.anchor == nil || !c.anchor.Active {
			reply(ErrNoActiveAnchor)
			return
		}
		if c.state != StateIdle {
			reply(nil)
			return
		}

		c.gps.Reset(c.gps.LastSample())
		interval := c.settings.Current().HealthCheckInterval
		if interval <= 0 {
			interval = settings.DefaultHealthCheckInterval
		}
		c.ticker = time.NewTicker(interval)
		c.apply(c.handoff.MonitoringStarted())
		c.setState(StateMonitoring)
		c.logger.Info().
			Str("anchor_id", c.anchor.ID).
			Str("tracker", c.handoff.Mode().String()).
			Msg("monitoring started")
		reply(nil)
	})
}

// StopMonitoring cancels timers and background tracking. It is a no-op when idle.
func (c *Coordinator) StopMonitoring(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		c.stop()
		reply(nil)
	})
}

// PauseMonitoring suspends checks without tearing down timers or tracking.
func (c *Coordinator) PauseMonitoring(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		if c.state == StateMonitoring {
			c.setState(StatePaused)
			c.logger.Debug().Msg("monitoring paused")
		}
		reply(nil)
	})
}

// ResumeMonitoring resumes checks after PauseMonitoring.
func (c *Coordinator) ResumeMonitoring(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		if c.state == StatePaused {
			c.setState(StateMonitoring)
			c.logger.Debug().Msg("monitoring resumed")
		}
		reply(nil)
	})
}

// AcknowledgeAlarm dismisses an alarm. Acknowledging a severity-alarm event stops monitoring.
// While publishing to a paired session the remote alarm is cleared first; if that fails the
// alarm stays active and ErrAlarmSyncFailed is returned.
func (c *Coordinator) AcknowledgeAlarm(ctx context.Context, alarmID string) error {
	return c.do(ctx, func(reply func(error)) {
		c.dismiss(alarmID, true, reply)
	})
}

// HandlePosition processes a foreground GPS sample.
func (c *Coordinator) HandlePosition(ctx context.Context, p anchor.Position) error {
	return c.do(ctx, func(reply func(error)) {
		c.onPosition(p)
		reply(nil)
	})
}

// BackgroundLocation processes a sample delivered by background tracking.
func (c *Coordinator) BackgroundLocation(ctx context.Context, p anchor.Position) error {
	return c.HandlePosition(ctx, p)
}

// GeofenceExit processes a boundary-exit callback from background tracking.
func (c *Coordinator) GeofenceExit(ctx context.Context, p anchor.Position) error {
	return c.do(ctx, func(reply func(error)) {
		c.logger.Warn().Float64("lat", p.Latitude).Float64("lon", p.Longitude).Msg("geofence exit reported")
		c.onPosition(p)
		reply(nil)
	})
}

// ForegroundStarted is called by the foreground GPS tracker when its stream starts.
func (c *Coordinator) ForegroundStarted(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		c.apply(c.handoff.ForegroundStarted())
		reply(nil)
	})
}

// ForegroundStopped is called by the foreground GPS tracker when its stream stops.
func (c *Coordinator) ForegroundStopped(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		c.apply(c.handoff.ForegroundStopped())
		reply(nil)
	})
}

// RunHealthCheck runs the periodic GPS health check immediately.
func (c *Coordinator) RunHealthCheck(ctx context.Context) error {
	return c.do(ctx, func(reply func(error)) {
		c.healthCheck()
		reply(nil)
	})
}

// TrackerMode reports which tracker is feeding positions.
func (c *Coordinator) TrackerMode(ctx context.Context) (TrackerMode, error) {
	var mode TrackerMode
	err := c.do(ctx, func(reply func(error)) {
		mode = c.handoff.Mode()
		reply(nil)
	})
	return mode, err
}

func (c *Coordinator) do(ctx context.Context, fn func(reply func(error))) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- command{fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrNotRunning
	}
}

// post queues fn on the loop from another goroutine. It is dropped once the loop has exited.
func (c *Coordinator) post(fn func()) {
	select {
	case c.commands <- command{fn: func(func(error)) { fn() }}:
	case <-c.done:
	}
}

func (c *Coordinator) restore(ctx context.Context) {
	if c.anchors == nil {
		return
	}
	a, err := c.anchors.LoadAnchor(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load stored anchor")
		return
	}
	if a != nil {
		c.anchor = a
		c.anchorFeed.Set(a.Clone())
		c.logger.Info().Str("anchor_id", a.ID).Msg("anchor restored")
	}
}

func (c *Coordinator) shutdown() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.handoff.MonitoringStopped() == ActionStopBackground && c.background != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCollaboratorLimit)
		defer cancel()
		if err := c.background.StopMonitoring(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("failed to stop background tracking on shutdown")
		}
	}
}

func (c *Coordinator) stop() {
	if c.state == StateIdle {
		return
	}
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.apply(c.handoff.MonitoringStopped())

	// Warnings only make sense while watching.
	kept := c.alarms[:0]
	for _, al := range c.alarms {
		if al.Severity == anchor.SeverityWarning && !c.pending[al.ID] {
			c.cancelNotification(al.ID)
			continue
		}
		kept = append(kept, al)
	}
	c.alarms = kept
	c.publishAlarms()

	c.setState(StateIdle)
	c.logger.Info().Msg("monitoring stopped")
}

func (c *Coordinator) apply(action Action) {
	if action == ActionNone || c.background == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, defaultCollaboratorLimit)
	defer cancel()

	var err error
	switch action {
	case ActionStartBackground:
		if c.anchor == nil {
			return
		}
		err = c.background.StartMonitoring(ctx, *c.anchor)
	case ActionStopBackground:
		err = c.background.StopMonitoring(ctx)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("action", action.String()).Msg("background tracking handoff failed")
		return
	}
	c.logger.Debug().Str("action", action.String()).Msg("background tracking handoff")
}

func (c *Coordinator) replaceAnchor(a *anchor.Anchor) {
	c.anchor = a
	c.persistAnchor()
	c.anchorFeed.Set(a.Clone())
	c.updateBackgroundAnchor()
}

func (c *Coordinator) mutateAnchor(fn func(a *anchor.Anchor)) error {
	if c.anchor == nil {
		return anchor.ErrNoAnchor
	}
	next := c.anchor.Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		return err
	}
	next.UpdatedAt = c.now()
	c.replaceAnchor(next)
	c.logger.Info().
		Str("anchor_id", next.ID).
		Float64("lat", next.Latitude).
		Float64("lon", next.Longitude).
		Float64("radius", next.Radius).
		Msg("anchor updated")
	return nil
}

func (c *Coordinator) persistAnchor() {
	if c.anchors == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, defaultCollaboratorLimit)
	defer cancel()
	if err := c.anchors.SaveAnchor(ctx, c.anchor); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist anchor")
	}
}

func (c *Coordinator) updateBackgroundAnchor() {
	if c.background == nil || c.anchor == nil || c.handoff.Mode() != BackgroundActive {
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, defaultCollaboratorLimit)
	defer cancel()
	if err := c.background.UpdateAnchor(ctx, *c.anchor); err != nil {
		c.logger.Warn().Err(err).Msg("failed to update background geofence")
	}
}

func (c *Coordinator) setState(s State) {
	c.state = s
	c.stateFeed.Set(s)
}

func (c *Coordinator) engine() *detection.Engine {
	return detection.NewEngine(detection.ConfigFromSettings(c.settings.Current()))
}

func (c *Coordinator) onPosition(p anchor.Position) {
	c.position = p.Clone()
	c.positionFeed.Set(p.Clone())
	c.engine().ObserveGPS(&c.gps, c.now())

	if c.state != StateMonitoring {
		return
	}
	c.healthCheck()
	c.alarmCheck(&p)
}

func (c *Coordinator) healthCheck() {
	if c.state != StateMonitoring {
		return
	}
	e := c.engine()
	now := c.now()

	switch e.CheckGPS(&c.gps, now) {
	case detection.GPSLost:
		since := now.Sub(c.gps.LastSample())
		w := e.GPSLostWarning(c.anchor, c.position, since, now)
		c.upsertWarning(w)
		c.logger.Warn().Dur("since_last_fix", since).Msg("GPS lost")
	case detection.GPSRestored:
		c.removeWarning(anchor.AlarmGPSLost)
		c.logger.Info().Msg("GPS restored")
	}
}

func (c *Coordinator) alarmCheck(p *anchor.Position) {
	e := c.engine()
	now := c.now()

	if e.IsInaccurate(p) {
		c.upsertWarning(e.InaccurateWarning(c.anchor, p, now))
	} else {
		c.removeWarning(anchor.AlarmGPSInaccurate)
	}

	decision := e.EvaluateDrift(anchor.ActiveDrift(c.alarms), c.anchor, p, now)
	switch decision.Outcome {
	case detection.DriftRaised:
		c.alarms = append(c.alarms, *decision.Alarm)
		c.publishAlarms()
		c.notify(*decision.Alarm)
		c.logger.Warn().
			Str("alarm_id", decision.Alarm.ID).
			Float64("distance", decision.Distance).
			Float64("radius", c.anchor.Radius).
			Msg("drift alarm raised")
	case detection.DriftUpdated:
		if c.pending[decision.Alarm.ID] {
			return
		}
		c.replaceAlarm(*decision.Alarm)
		c.publishAlarms()
	case detection.DriftRecovered:
		c.dismiss(decision.Alarm.ID, false, func(err error) {
			if err != nil && !errors.Is(err, ErrDismissPending) {
				c.logger.Warn().Err(err).Str("alarm_id", decision.Alarm.ID).Msg("auto-dismiss not applied")
			}
		})
	}
}

// upsertWarning keeps at most one warning per type; an existing one is refreshed in place.
func (c *Coordinator) upsertWarning(w *anchor.AlarmEvent) {
	for i := range c.alarms {
		if c.alarms[i].Type == w.Type {
			w.ID = c.alarms[i].ID
			c.alarms[i] = *w
			c.publishAlarms()
			return
		}
	}
	c.alarms = append(c.alarms, *w)
	c.publishAlarms()
	c.notify(*w)
}

func (c *Coordinator) removeWarning(t anchor.AlarmType) {
	for i := range c.alarms {
		if c.alarms[i].Type == t && c.alarms[i].Severity == anchor.SeverityWarning {
			id := c.alarms[i].ID
			c.alarms = append(c.alarms[:i], c.alarms[i+1:]...)
			c.publishAlarms()
			c.cancelNotification(id)
			return
		}
	}
}

func (c *Coordinator) replaceAlarm(al anchor.AlarmEvent) {
	for i := range c.alarms {
		if c.alarms[i].ID == al.ID {
			c.alarms[i] = al
			return
		}
	}
}

func (c *Coordinator) findAlarm(id string) *anchor.AlarmEvent {
	for i := range c.alarms {
		if c.alarms[i].ID == id {
			return c.alarms[i].Clone()
		}
	}
	return nil
}

func (c *Coordinator) dismiss(id string, manual bool, reply func(error)) {
	al := c.findAlarm(id)
	if al == nil {
		reply(ErrAlarmNotFound)
		return
	}
	if c.pending[id] {
		reply(ErrDismissPending)
		return
	}
	if !c.needsRemoteClear(al) {
		c.applyDismiss(al, manual)
		reply(nil)
		return
	}

	c.pending[id] = true
	ctx := c.runCtx
	go func() {
		start := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, c.syncTimeout)
		err := c.sync.ClearAlarm(writeCtx, id)
		cancel()

		c.post(func() {
			delete(c.pending, id)
			if err != nil {
				c.logger.Warn().Err(err).
					Str("alarm_id", id).
					Bool("manual", manual).
					Dur("duration", time.Since(start)).
					Msg("remote alarm clear failed, keeping alarm active")
				reply(fmt.Errorf("%w: %w", ErrAlarmSyncFailed, err))
				return
			}
			if cur := c.findAlarm(id); cur != nil {
				c.applyDismiss(cur, manual)
			}
			reply(nil)
		})
	}()
}

func (c *Coordinator) needsRemoteClear(al *anchor.AlarmEvent) bool {
	return c.sync != nil && al.Type == anchor.AlarmDriftExceeded && c.sync.Paired()
}

func (c *Coordinator) applyDismiss(al *anchor.AlarmEvent, manual bool) {
	for i := range c.alarms {
		if c.alarms[i].ID == al.ID {
			c.alarms = append(c.alarms[:i], c.alarms[i+1:]...)
			break
		}
	}
	c.publishAlarms()
	c.cancelNotification(al.ID)

	c.logger.Info().
		Str("alarm_id", al.ID).
		Str("type", string(al.Type)).
		Bool("manual", manual).
		Msg("alarm dismissed")

	if manual && al.Severity == anchor.SeverityAlarm {
		c.stop()
	}
}

func (c *Coordinator) publishAlarms() {
	c.alarmsFeed.Set(anchor.CloneAlarms(c.alarms))
}

func (c *Coordinator) notify(al anchor.AlarmEvent) {
	if c.notifier != nil {
		c.notifier.Notify(al)
	}
}

func (c *Coordinator) cancelNotification(id string) {
	if c.notifier != nil {
		c.notifier.Cancel(id)
	}
}
