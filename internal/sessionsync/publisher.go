// Package sessionsync replicates monitoring state through the session store: the
// Publisher mirrors a primary device's anchor, position and active alarm into its
// session document, and the Observer turns a joined session back into read-only feeds.
package sessionsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/feed"
	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/settings"
	"github.com/anchorwatch/anchorwatch/pkg/polyline"
)

const (
	defaultTrackPoints  = 50
	defaultTrackSpacing = 5.0
	defaultWriteTimeout = 10 * time.Second
	defaultDeviceRetry  = 5 * time.Second
)

// Sources are the local feeds a Publisher mirrors.
type Sources struct {
	Anchor   feed.Source[*anchor.Anchor]
	Position feed.Source[*anchor.Position]
	Alarms   feed.Source[[]anchor.AlarmEvent]
}

// Snapshot is the state pushed as soon as publishing starts.
type Snapshot struct {
	Anchor   *anchor.Anchor
	Position *anchor.Position
	Alarms   []anchor.AlarmEvent
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Store    session.Store
	Settings settings.Source
	Logger   zerolog.Logger
	Now      func() time.Time

	// PositionInterval fixes the position throttle instead of reading it from Settings.
	PositionInterval time.Duration

	// TrackPoints bounds the mirrored breadcrumb track. Default: 50
	TrackPoints int
	// TrackSpacing drops track points closer than this many meters to the previous one. Default: 5
	TrackSpacing float64
	// WriteTimeout bounds each remote write. Default: 10 seconds
	WriteTimeout time.Duration
	// DeviceRetry is the pause before the device list stream is reopened. Default: 5 seconds
	DeviceRetry time.Duration
}

// Publisher is the session's single writer. Anchor and alarm changes are written as they
// happen; positions are throttled so at most one write per interval carries the latest sample.
type Publisher struct {
	cfg    PublisherConfig
	logger zerolog.Logger

	mu  sync.Mutex
	run *publication
}

type publication struct {
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	// final holds changes queued behind the cancellation. Set before done closes.
	final session.Fields

	paired    atomic.Bool
	following chan struct{}
}

// NewPublisher creates a publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Settings == nil {
		cfg.Settings = settings.Static(settings.Default())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TrackPoints <= 0 {
		cfg.TrackPoints = defaultTrackPoints
	}
	if cfg.TrackSpacing <= 0 {
		cfg.TrackSpacing = defaultTrackSpacing
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DeviceRetry <= 0 {
		cfg.DeviceRetry = defaultDeviceRetry
	}
	return &Publisher{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "publisher").Logger(),
	}
}

// StartMonitoring publishes current to token, marks the session as monitored and then
// follows src. Starting again for the same token is a no-op; a different token replaces
// the running publication.
func (p *Publisher) StartMonitoring(ctx context.Context, token string, src Sources, current Snapshot) error {
	if !session.ValidToken(token) {
		return session.ErrInvalidToken
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run != nil {
		if p.run.token == token {
			return nil
		}
		prev := p.run
		p.run = nil
		p.halt(ctx, prev)
	}

	anchors, stopAnchors := src.Anchor.Subscribe()
	positions, stopPositions := src.Position.Subscribe()
	alarms, stopAlarms := src.Alarms.Subscribe()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &publication{
		token:     token,
		cancel:    cancel,
		done:      make(chan struct{}),
		following: make(chan struct{}),
	}
	p.run = run

	st := &loopState{
		token:    token,
		anchor:   current.Anchor.Clone(),
		position: current.Position.Clone(),
		alarm:    anchor.ActiveDrift(current.Alarms),
		trail:    polyline.NewTrail(p.cfg.TrackPoints, p.cfg.TrackSpacing),
		log:      p.logger.With().Str("token", session.Redact(token)).Logger(),
	}
	if st.position != nil {
		st.trail.Add(polyline.Coordinate{Lat: st.position.Latitude, Lon: st.position.Longitude})
	}

	// The initial push runs on the caller's context; a failure is retried by the loop.
	st.resync = true
	p.write(ctx, st, session.Fields{})

	go func() {
		defer close(run.done)
		defer stopAnchors()
		defer stopPositions()
		defer stopAlarms()
		run.final = p.loop(loopCtx, st, anchors, positions, alarms)
	}()
	go func() {
		defer close(run.following)
		p.follow(loopCtx, run, st.log)
	}()

	st.log.Info().Msg("publishing started")
	return nil
}

// StopMonitoring cancels publishing for token (any token when empty) and marks the
// session as no longer monitored. The remote write is best-effort.
func (p *Publisher) StopMonitoring(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	run := p.run
	if run == nil || (token != "" && run.token != token) {
		return nil
	}
	p.run = nil
	p.halt(ctx, run)
	return nil
}

// halt stops the loop synchronously, so the monitoring flag is the last write for run.
// Anchor and alarm changes the loop had not written yet go out with it.
func (p *Publisher) halt(ctx context.Context, run *publication) {
	run.cancel()
	<-run.done
	<-run.following

	fields := run.final
	if fields == nil {
		fields = session.Fields{}
	}
	fields[session.FieldMonitoringActive] = false

	log := p.logger.With().Str("token", session.Redact(run.token)).Logger()
	_ = p.update(ctx, run.token, fields, log)
	log.Info().Msg("publishing stopped")
}

// Publishing reports whether a publication is running.
func (p *Publisher) Publishing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

// Paired reports whether a publication is running and a secondary device has joined
// its session. Only then does a cleared alarm need to reach another device.
func (p *Publisher) Paired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil && p.run.paired.Load()
}

// follow keeps run.paired current from the session's device list, reopening the stream
// after a failure until ctx ends.
func (p *Publisher) follow(ctx context.Context, run *publication, log zerolog.Logger) {
	for {
		snaps, err := p.cfg.Store.Watch(ctx, session.SessionPath(run.token))
		if err != nil {
			log.Debug().Err(err).Msg("device list stream failed")
		} else {
			for snap := range snaps {
				if snap.Data == nil {
					run.paired.Store(false)
					continue
				}
				s, err := session.Decode(run.token, snap.Data)
				if err != nil {
					continue
				}
				run.paired.Store(s.HasSecondary())
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.DeviceRetry):
		}
	}
}

// Token returns the session being published to, or "".
func (p *Publisher) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return ""
	}
	return p.run.token
}

// ClearAlarm removes the mirrored alarm. The coordinator calls it before dismissing a
// drift alarm locally and keeps the alarm when it fails.
func (p *Publisher) ClearAlarm(ctx context.Context, alarmID string) error {
	token := p.Token()
	if token == "" {
		return nil
	}

	log := p.logger.With().Str("token", session.Redact(token)).Str("alarm_id", alarmID).Logger()
	return p.update(ctx, token, session.Fields{session.FieldAlarm: nil}, log)
}

// loopState is owned by the publication goroutine once it starts.
type loopState struct {
	token    string
	anchor   *anchor.Anchor
	position *anchor.Position
	alarm    *anchor.AlarmEvent
	trail    *polyline.Trail
	// resync sends the whole mirrored state with the next write, after a failure.
	resync bool
	log    zerolog.Logger
}

// loop mirrors the sources until ctx ends and returns the fields still owed to the
// document at that point.
func (p *Publisher) loop(ctx context.Context, st *loopState,
	anchors <-chan *anchor.Anchor, positions <-chan *anchor.Position, alarms <-chan []anchor.AlarmEvent) session.Fields {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending *anchor.Position
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(p.positionInterval())
			timerC = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	if st.resync {
		arm()
	}

	for {
		select {
		case <-ctx.Done():
			return st.drain(anchors, alarms)

		case a, ok := <-anchors:
			if !ok {
				anchors = nil
				continue
			}
			fields := session.Fields{}
			st.setAnchor(a, fields)
			if !p.write(ctx, st, fields) {
				arm()
			}

		case al, ok := <-alarms:
			if !ok {
				alarms = nil
				continue
			}
			fields := session.Fields{}
			if !st.setAlarm(al, fields) {
				continue
			}
			if !p.write(ctx, st, fields) {
				arm()
			}

		case pos, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			if pos != nil {
				pending = pos.Clone()
				arm()
			}

		case <-timerC:
			timer, timerC = nil, nil
			fields := session.Fields{}
			if pending != nil {
				st.position = pending
				pending = nil
				st.trail.Add(polyline.Coordinate{Lat: st.position.Latitude, Lon: st.position.Longitude})
				fields[session.FieldPosition] = st.position
				fields[session.FieldTrack] = st.trail.Encoded()
			}
			if len(fields) == 0 && !st.resync {
				continue
			}
			if !p.write(ctx, st, fields) {
				arm()
			}
		}
	}
}

// setAnchor records a and adds it to fields. Moving the anchor restarts the track from
// the current position.
func (st *loopState) setAnchor(a *anchor.Anchor, fields session.Fields) {
	moved := (a == nil) != (st.anchor == nil) ||
		(a != nil && (a.Latitude != st.anchor.Latitude || a.Longitude != st.anchor.Longitude))
	st.anchor = a.Clone()
	fields[session.FieldAnchor] = orNil(st.anchor)
	if !moved || len(st.trail.Points()) == 0 {
		return
	}
	st.trail.Reset()
	if st.position != nil {
		st.trail.Add(polyline.Coordinate{Lat: st.position.Latitude, Lon: st.position.Longitude})
	}
	fields[session.FieldTrack] = trackField(st.trail)
}

// setAlarm records the active drift alarm in al and reports whether it changed.
func (st *loopState) setAlarm(al []anchor.AlarmEvent, fields session.Fields) bool {
	active := anchor.ActiveDrift(al)
	if sameAlarm(st.alarm, active) {
		return false
	}
	st.alarm = active
	fields[session.FieldAlarm] = orNil(active)
	return true
}

// drain collects anchor and alarm changes that were queued when the loop stopped.
func (st *loopState) drain(anchors <-chan *anchor.Anchor, alarms <-chan []anchor.AlarmEvent) session.Fields {
	fields := session.Fields{}
	select {
	case a, ok := <-anchors:
		if ok {
			st.setAnchor(a, fields)
		}
	default:
	}
	select {
	case al, ok := <-alarms:
		if ok {
			st.setAlarm(al, fields)
		}
	default:
	}
	if st.resync {
		fields[session.FieldAnchor] = orNil(st.anchor)
		fields[session.FieldAlarm] = orNil(st.alarm)
	}
	return fields
}

func (p *Publisher) positionInterval() time.Duration {
	if p.cfg.PositionInterval > 0 {
		return p.cfg.PositionInterval
	}
	return p.cfg.Settings.Current().PositionSyncInterval
}

// write sends fields, widened to the full mirrored state when a resync is due, and
// reports success. A failed write schedules a resync.
func (p *Publisher) write(ctx context.Context, st *loopState, fields session.Fields) bool {
	if st.resync {
		fields[session.FieldMonitoringActive] = true
		fields[session.FieldAnchor] = orNil(st.anchor)
		fields[session.FieldPosition] = orNil(st.position)
		fields[session.FieldAlarm] = orNil(st.alarm)
		fields[session.FieldTrack] = trackField(st.trail)
	}
	st.resync = p.update(ctx, st.token, fields, st.log) != nil
	return !st.resync
}

// update stamps and sends one partial update, logging its duration and outcome.
func (p *Publisher) update(ctx context.Context, token string, fields session.Fields, log zerolog.Logger) error {
	fields[session.FieldUpdatedAt] = p.cfg.Now()

	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := p.cfg.Store.Update(writeCtx, token, fields)
	if err != nil {
		log.Warn().Err(err).
			Strs("fields", fields.Keys()).
			Dur("duration", time.Since(start)).
			Msg("session write failed")
		return err
	}
	log.Debug().
		Strs("fields", fields.Keys()).
		Dur("duration", time.Since(start)).
		Msg("session write")
	return nil
}

// orNil turns a typed nil pointer into an untyped nil so the field is removed.
func orNil[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}

func trackField(t *polyline.Trail) any {
	if len(t.Points()) == 0 {
		return nil
	}
	return t.Encoded()
}

func sameAlarm(a, b *anchor.AlarmEvent) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Severity == b.Severity && a.Distance == b.Distance
}
