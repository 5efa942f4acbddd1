package sessionsync

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/feed"
	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/pkg/polyline"
)

// ErrObserverRunning is returned when Start is called for a second session without Stop.
var ErrObserverRunning = errors.New("observer already following another session")

// MirrorAnchorPrefix prefixes the synthetic ID of a mirrored anchor.
const MirrorAnchorPrefix = "mirror_"

// ObserverConfig configures an Observer.
type ObserverConfig struct {
	Store  session.Store
	Logger zerolog.Logger
}

// Observer follows a joined session and exposes it as read-only feeds. The document
// stream drives anchor, position, monitoring status and track; the alarm slot has its
// own stream. Alarms dismissed on this device stay hidden here without being written back.
type Observer struct {
	store  session.Store
	logger zerolog.Logger

	anchor     *feed.Value[*anchor.Anchor]
	position   *feed.Value[*anchor.Position]
	monitoring *feed.Value[bool]
	alarm      *feed.Value[*anchor.AlarmEvent]
	track      *feed.Value[[]polyline.Coordinate]

	mu        sync.Mutex
	run       *observation
	dismissed map[string]bool
	lastAlarm *anchor.AlarmEvent
}

type observation struct {
	token  string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ended closes when either stream stops; the other is cancelled with it.
	ended   chan struct{}
	endOnce sync.Once
}

func (r *observation) end() {
	r.endOnce.Do(func() {
		close(r.ended)
		r.cancel()
	})
}

func (r *observation) closed() bool {
	select {
	case <-r.ended:
		return true
	default:
		return false
	}
}

// NewObserver creates an observer.
func NewObserver(cfg ObserverConfig) *Observer {
	return &Observer{
		store:      cfg.Store,
		logger:     cfg.Logger.With().Str("component", "observer").Logger(),
		anchor:     feed.NewWith[*anchor.Anchor](nil),
		position:   feed.NewWith[*anchor.Position](nil),
		monitoring: feed.NewWith(false),
		alarm:      feed.NewWith[*anchor.AlarmEvent](nil),
		track:      feed.NewWith[[]polyline.Coordinate](nil),
		dismissed:  make(map[string]bool),
	}
}

// Anchor is the mirrored anchor; its ID is synthetic.
func (o *Observer) Anchor() feed.Source[*anchor.Anchor] { return o.anchor }

// Position is the primary's last published position.
func (o *Observer) Position() feed.Source[*anchor.Position] { return o.position }

// MonitoringActive reports whether the primary is monitoring.
func (o *Observer) MonitoringActive() feed.Source[bool] { return o.monitoring }

// Alarm is the mirrored active alarm, nil when none or dismissed here.
func (o *Observer) Alarm() feed.Source[*anchor.AlarmEvent] { return o.alarm }

// Track is the primary's breadcrumb trail, oldest first.
func (o *Observer) Track() feed.Source[[]polyline.Coordinate] { return o.track }

// Start follows token. Both streams are opened before Start returns. When a previous
// observation of the same token lost its streams, Start reopens them and keeps the
// current views and local dismissals.
func (o *Observer) Start(ctx context.Context, token string) error {
	path := session.SessionPath(token)
	if _, _, _, err := session.ParsePath(string(path)); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for o.run != nil {
		stale := o.run
		if stale.token != token {
			return ErrObserverRunning
		}
		if !stale.closed() {
			return nil
		}
		o.run = nil
		o.mu.Unlock()
		stale.wg.Wait()
		o.mu.Lock()
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	docs, err := o.store.Watch(watchCtx, path)
	if err != nil {
		cancel()
		return err
	}
	alarms, err := o.store.Watch(watchCtx, session.AlarmPath(token))
	if err != nil {
		cancel()
		return err
	}

	run := &observation{token: token, cancel: cancel, ended: make(chan struct{})}
	o.run = run
	log := o.logger.With().Str("token", session.Redact(token)).Logger()

	run.wg.Add(2)
	go func() {
		defer run.wg.Done()
		defer run.end()
		for snap := range docs {
			o.applyDocument(token, snap, log)
		}
		if watchCtx.Err() == nil {
			log.Warn().Msg("session stream closed")
		}
	}()
	go func() {
		defer run.wg.Done()
		defer run.end()
		for snap := range alarms {
			o.applyAlarm(snap, log)
		}
		if watchCtx.Err() == nil {
			log.Warn().Msg("alarm stream closed")
		}
	}()

	log.Info().Msg("observing session")
	return nil
}

// Following reports whether token is observed with both streams open.
func (o *Observer) Following(token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run != nil && o.run.token == token && !o.run.closed()
}

// Stop ends observation and clears every feed.
func (o *Observer) Stop() {
	o.mu.Lock()
	run := o.run
	o.run = nil
	o.mu.Unlock()

	if run != nil {
		run.cancel()
		run.wg.Wait()
	}

	o.mu.Lock()
	o.lastAlarm = nil
	o.dismissed = make(map[string]bool)
	o.mu.Unlock()

	o.anchor.Set(nil)
	o.position.Set(nil)
	o.monitoring.Set(false)
	o.alarm.Set(nil)
	o.track.Set(nil)
}

// DismissLocally hides alarmID on this device only.
func (o *Observer) DismissLocally(alarmID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dismissed[alarmID] = true
	if o.lastAlarm != nil && o.lastAlarm.ID == alarmID {
		o.alarm.Set(nil)
	}
}

func (o *Observer) applyDocument(token string, snap session.Snapshot, log zerolog.Logger) {
	if snap.Data == nil {
		o.anchor.Set(nil)
		o.position.Set(nil)
		o.monitoring.Set(false)
		o.track.Set(nil)
		return
	}

	s, err := session.Decode(token, snap.Data)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable session document")
		return
	}

	var mirror *anchor.Anchor
	if s.Anchor != nil {
		mirror = s.Anchor.Clone()
		mirror.ID = MirrorAnchorPrefix + token
	}
	o.anchor.Set(mirror)
	o.position.Set(s.Position)
	o.monitoring.Set(s.MonitoringActive)
	if s.Track == "" {
		o.track.Set(nil)
	} else {
		o.track.Set(polyline.Decode(s.Track))
	}
}

func (o *Observer) applyAlarm(snap session.Snapshot, log zerolog.Logger) {
	al, err := session.DecodeAlarm(snap.Data)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable alarm")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastAlarm = al
	if al != nil && o.dismissed[al.ID] {
		o.alarm.Set(nil)
		return
	}
	o.alarm.Set(al)
}
