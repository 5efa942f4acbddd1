// Package agent ties a device's monitoring coordinator to its pairing role: a primary
// that is monitoring publishes to its own session, a secondary observes the joined one.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/feed"
	"github.com/anchorwatch/anchorwatch/internal/monitor"
	"github.com/anchorwatch/anchorwatch/internal/pairing"
	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/sessionsync"
)

const (
	defaultRetryInterval = 30 * time.Second
	shutdownBudget       = 5 * time.Second
)

// Pairing is the part of pairing.Manager the agent follows.
type Pairing interface {
	State() pairing.State
	States() feed.Source[pairing.State]
	EnsureLocalSession(ctx context.Context) (string, error)
}

// Config holds the agent's collaborators.
type Config struct {
	Coordinator *monitor.Coordinator
	Publisher   *sessionsync.Publisher
	Observer    *sessionsync.Observer
	Pairing     Pairing
	Logger      zerolog.Logger

	// RetryInterval re-attempts a publish or observe that failed. Default: 30 seconds
	RetryInterval time.Duration
}

// Agent reconciles sync with the coordinator state and the pairing state.
type Agent struct {
	coordinator *monitor.Coordinator
	publisher   *sessionsync.Publisher
	observer    *sessionsync.Observer
	pairing     Pairing
	logger      zerolog.Logger
	retry       time.Duration

	mu        sync.Mutex
	gen       uint64
	torn      *pairing.State
	observing string
}

// New creates an agent. Pairing may be set after construction with Bind, since the
// pairing manager takes Teardown as a constructor hook.
func New(cfg Config) *Agent {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Agent{
		coordinator: cfg.Coordinator,
		publisher:   cfg.Publisher,
		observer:    cfg.Observer,
		pairing:     cfg.Pairing,
		logger:      cfg.Logger.With().Str("component", "agent").Logger(),
		retry:       cfg.RetryInterval,
	}
}

// Bind sets the pairing collaborator. It must be called before Run.
func (a *Agent) Bind(p Pairing) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairing = p
}

// Run reconciles on every coordinator or pairing change until ctx is cancelled, then
// stops publishing and observing.
func (a *Agent) Run(ctx context.Context) error {
	if a.pairing == nil {
		return errors.New("agent: pairing is not bound")
	}

	states, stopStates := a.coordinator.State().Subscribe()
	defer stopStates()
	pairings, stopPairings := a.pairing.States().Subscribe()
	defer stopPairings()

	ticker := time.NewTicker(a.retry)
	defer ticker.Stop()

	a.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-states:
		case <-pairings:
		case <-ticker.C:
		}
		a.reconcile(ctx)
	}
}

// Teardown is the pairing manager's hook. It stops sync for prev before the local state
// changes, and monitoring too when prev was this device's own session. Reconciliation
// stays suspended until the pairing state moves away from prev.
func (a *Agent) Teardown(ctx context.Context, prev pairing.State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	a.torn = &prev
	_ = a.publisher.StopMonitoring(ctx, "")
	a.stopObserving()

	if !prev.IsSecondary() {
		if err := a.coordinator.StopMonitoring(ctx); err != nil && !errors.Is(err, monitor.ErrNotRunning) {
			a.logger.Warn().Err(err).Msg("failed to stop monitoring on teardown")
		}
	}
	a.logger.Info().
		Str("role", string(prev.Role)).
		Str("token", session.Redact(prev.EffectiveToken())).
		Msg("session sync torn down")
}

func (a *Agent) reconcile(ctx context.Context) {
	a.mu.Lock()
	st := a.pairing.State()
	if a.torn != nil {
		if *a.torn == st {
			a.mu.Unlock()
			return
		}
		a.torn = nil
	}

	if st.IsSecondary() {
		defer a.mu.Unlock()
		if a.publisher.Publishing() {
			_ = a.publisher.StopMonitoring(ctx, "")
		}
		a.observe(ctx, st.RemoteToken)
		return
	}

	a.stopObserving()
	if a.coordinator.Snapshot().State == monitor.StateIdle {
		defer a.mu.Unlock()
		if a.publisher.Publishing() {
			_ = a.publisher.StopMonitoring(ctx, "")
		}
		return
	}
	if a.publisher.Publishing() {
		a.mu.Unlock()
		return
	}

	// Session creation takes the pairing lock, which Teardown runs under.
	gen := a.gen
	a.mu.Unlock()
	token, err := a.pairing.EnsureLocalSession(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("no session to publish to, retrying later")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return
	}
	snap := a.coordinator.Snapshot()
	if snap.State == monitor.StateIdle {
		return
	}
	src := sessionsync.Sources{
		Anchor:   a.coordinator.Anchor(),
		Position: a.coordinator.Position(),
		Alarms:   a.coordinator.Alarms(),
	}
	current := sessionsync.Snapshot{Anchor: snap.Anchor, Position: snap.Position, Alarms: snap.Alarms}
	if err := a.publisher.StartMonitoring(ctx, token, src, current); err != nil {
		a.logger.Warn().Err(err).Str("token", session.Redact(token)).Msg("failed to start publishing")
	}
}

// observe follows token, replacing any other observation. An observation whose streams
// closed is reopened. Callers hold mu.
func (a *Agent) observe(ctx context.Context, token string) {
	if a.observing == token {
		if a.observer.Following(token) {
			return
		}
	} else {
		a.stopObserving()
	}
	if err := a.observer.Start(ctx, token); err != nil {
		a.logger.Warn().Err(err).Str("token", session.Redact(token)).Msg("failed to observe session")
		return
	}
	a.observing = token
}

// stopObserving is a no-op when nothing is observed. Callers hold mu.
func (a *Agent) stopObserving() {
	if a.observing == "" {
		return
	}
	a.observer.Stop()
	a.observing = ""
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.publisher.StopMonitoring(ctx, "")
	a.stopObserving()
}
