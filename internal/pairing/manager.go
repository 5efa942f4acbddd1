package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/anchorwatch/anchorwatch/internal/feed"
	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/settings"
)

const (
	defaultCleanupLimit  = 20
	autoDisconnectBudget = 10 * time.Second
)

// Config holds the manager's collaborators. Store and Identity are required.
type Config struct {
	Store    session.Store
	Identity Identity
	States   StateStore
	Settings settings.Source
	Logger   zerolog.Logger
	Now      func() time.Time

	// Teardown stops the sync and alarm monitoring tied to prev. It runs before the
	// local state changes whenever the device leaves or switches a session.
	Teardown func(ctx context.Context, prev State)

	// CleanupLimit bounds the expired-session sweep that precedes each create. Default: 20
	CleanupLimit int
}

// Manager owns the device's pairing state. State transitions are serialized; the
// joined session is watched in the background and left automatically once it ends.
type Manager struct {
	store        session.Store
	identity     Identity
	states       StateStore
	settings     settings.Source
	logger       zerolog.Logger
	now          func() time.Time
	teardown     func(ctx context.Context, prev State)
	cleanupLimit int

	state  *feed.Value[State]
	create singleflight.Group

	// ops guards everything below.
	ops        sync.Mutex
	closed     bool
	lastCreate time.Time
	watch      *watcher
	leaving    sync.WaitGroup
}

type watcher struct {
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager in the primary, tokenless state. Call Restore to load
// the persisted state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Identity == nil {
		return nil, errors.New("pairing: store and identity are required")
	}
	if cfg.States == nil {
		cfg.States = &MemoryStateStore{}
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.Static(settings.Default())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CleanupLimit <= 0 {
		cfg.CleanupLimit = defaultCleanupLimit
	}

	return &Manager{
		store:        cfg.Store,
		identity:     cfg.Identity,
		states:       cfg.States,
		settings:     cfg.Settings,
		logger:       cfg.Logger.With().Str("component", "pairing").Logger(),
		now:          cfg.Now,
		teardown:     cfg.Teardown,
		cleanupLimit: cfg.CleanupLimit,
		state:        feed.NewWith(Primary("")),
	}, nil
}

// State returns the current pairing state.
func (m *Manager) State() State {
	st, _ := m.state.Get()
	return st
}

// States is the pairing state feed.
func (m *Manager) States() feed.Source[State] {
	return m.state
}

// Restore loads the persisted state. A joined session that has ended or vanished while
// the device was offline is dropped; a transient read failure keeps it and leaves the
// decision to the session watcher.
func (m *Manager) Restore(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	if m.closed {
		return ErrClosed
	}

	st := Primary("")
	stored, err := m.states.LoadPairingState(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to load pairing state, starting as primary")
	} else if stored != nil {
		st = stored.normalize()
	}

	if st.IsSecondary() {
		if reason := m.recheck(ctx, st.RemoteToken); reason != "" {
			m.logger.Info().
				Str("token", session.Redact(st.RemoteToken)).
				Str("reason", reason).
				Msg("joined session ended while offline, reverting to primary")
			st = Primary(st.LocalToken)
		}
	}

	m.setState(ctx, st)
	if st.IsSecondary() {
		m.startWatcher(st.RemoteToken)
	}
	return nil
}

// EnsureLocalSession returns the device's own live session, creating one if needed.
func (m *Manager) EnsureLocalSession(ctx context.Context) (string, error) {
	if token := m.State().LocalToken; token != "" {
		s, err := m.store.Get(ctx, token)
		switch {
		case err == nil && s.Live(m.now()):
			return token, nil
		case err != nil && !sessionGone(err):
			return "", fmt.Errorf("read local session: %w", err)
		}
	}

	s, err := m.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

// CreateSession returns a live session owned by the caller. An existing live session is
// reused; otherwise expired sessions are swept and a new one is created. Concurrent
// calls share one creation, and a new session is never created within the cooldown of
// the previous one.
func (m *Manager) CreateSession(ctx context.Context) (*session.Session, error) {
	v, err, _ := m.create.Do("create", func() (any, error) {
		return m.createSession(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

func (m *Manager) createSession(ctx context.Context) (*session.Session, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	cfg := m.settings.Current()
	now := m.now()
	userID, err := m.identity.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	if s := m.ownedLiveSession(ctx, userID, now); s != nil {
		m.adoptLocal(ctx, s.Token)
		m.logger.Debug().Str("token", session.Redact(s.Token)).Msg("reusing live session")
		return s, nil
	}

	if !m.lastCreate.IsZero() && now.Sub(m.lastCreate) < cfg.SessionCreateCooldown {
		return nil, ErrCreateTooSoon
	}
	return m.newSessionLocked(ctx, userID, now)
}

// newSessionLocked sweeps expired sessions and creates a new one for userID. Callers
// hold ops and have checked the cooldown.
func (m *Manager) newSessionLocked(ctx context.Context, userID string, now time.Time) (*session.Session, error) {
	cfg := m.settings.Current()
	if _, err := session.DeleteExpired(ctx, m.store, now, m.cleanupLimit, m.logger); err != nil {
		m.logger.Warn().Err(err).Msg("expired session cleanup failed")
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	s := session.New(token, userID, userID, cfg.SessionTTL, now)

	start := time.Now()
	if err := m.store.Create(ctx, s); err != nil {
		m.logger.Warn().Err(err).
			Str("token", session.Redact(token)).
			Dur("duration", time.Since(start)).
			Msg("session create failed")
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.lastCreate = now
	m.logger.Info().
		Str("token", session.Redact(token)).
		Dur("duration", time.Since(start)).
		Time("expires_at", s.ExpiresAt).
		Msg("session created")

	if err := m.store.SetOwnerSession(ctx, userID, token); err != nil {
		m.logger.Warn().Err(err).Str("token", session.Redact(token)).Msg("failed to index owned session")
	}
	m.adoptLocal(ctx, token)
	return s, nil
}

// ownedLiveSession finds a live session the caller owns via the owner index or the
// locally remembered token.
func (m *Manager) ownedLiveSession(ctx context.Context, userID string, now time.Time) *session.Session {
	candidates := make([]string, 0, 2)
	if token, err := m.store.OwnerSession(ctx, userID); err == nil {
		candidates = append(candidates, token)
	} else if !errors.Is(err, session.ErrNotFound) {
		m.logger.Debug().Err(err).Msg("owner index lookup failed")
	}
	if local := m.State().LocalToken; local != "" && (len(candidates) == 0 || candidates[0] != local) {
		candidates = append(candidates, local)
	}

	for _, token := range candidates {
		s, err := m.store.Get(ctx, token)
		if err != nil {
			continue
		}
		if s.PrimaryOwner == userID && s.Live(now) {
			return s
		}
	}
	return nil
}

func (m *Manager) adoptLocal(ctx context.Context, token string) {
	st := m.State()
	st.LocalToken = token
	m.setState(ctx, st.normalize())
}

// JoinSession joins another device's session as a secondary observer. The token format
// is checked before any network call, and read access is probed before the document is
// fetched so a permission failure is not mistaken for a missing session.
func (m *Manager) JoinSession(ctx context.Context, token string) (*session.Session, error) {
	if !IsValidTokenFormat(token) {
		return nil, ErrInvalidTokenFormat
	}

	m.ops.Lock()
	defer m.ops.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	userID, err := m.identity.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if err := m.store.Probe(ctx, token); err != nil {
		return nil, classify(err)
	}
	s, err := m.store.Get(ctx, token)
	if err != nil {
		return nil, classify(err)
	}

	now := m.now()
	if s.PrimaryOwner == userID {
		return nil, ErrOwnSession
	}
	if !s.Live(now) {
		return nil, ErrSessionInactive
	}

	start := time.Now()
	if err := m.store.AddDevice(ctx, token, session.Device{ID: userID, Role: session.RoleSecondary, JoinedAt: now}); err != nil {
		m.logger.Warn().Err(err).
			Str("token", session.Redact(token)).
			Dur("duration", time.Since(start)).
			Msg("joining session failed")
		return nil, classify(err)
	}

	prev := m.State()
	if prev.RemoteToken != token {
		m.stopWatcher()
		m.runTeardown(ctx, prev)
	}
	m.setState(ctx, State{
		Role:         session.RoleSecondary,
		LocalToken:   prev.LocalToken,
		RemoteToken:  token,
		PrimaryOwner: s.PrimaryOwner,
	})
	if m.watch == nil {
		m.startWatcher(token)
	}

	m.logger.Info().
		Str("token", session.Redact(token)).
		Dur("duration", time.Since(start)).
		Msg("joined session")
	return s, nil
}

// EndSession ends the session this device owns. Only the primary owner may end it;
// the remote deactivation is best-effort, the local state is reset regardless.
func (m *Manager) EndSession(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	if m.closed {
		return ErrClosed
	}

	st := m.State()
	if st.IsSecondary() {
		return ErrNotOwner
	}
	if st.LocalToken == "" {
		return ErrNoSession
	}

	userID, err := m.identity.UserID(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	s, getErr := m.store.Get(ctx, st.LocalToken)
	switch {
	case getErr == nil && s.PrimaryOwner != userID:
		return ErrNotOwner
	case getErr != nil && !sessionGone(getErr):
		return fmt.Errorf("read session: %w", getErr)
	}

	m.runTeardown(ctx, st)

	if getErr == nil {
		start := time.Now()
		err := m.store.Update(ctx, st.LocalToken, session.Fields{
			session.FieldActive:           false,
			session.FieldMonitoringActive: false,
			session.FieldUpdatedAt:        m.now(),
		})
		if err != nil {
			m.logger.Warn().Err(err).
				Str("token", session.Redact(st.LocalToken)).
				Dur("duration", time.Since(start)).
				Msg("failed to deactivate session")
		}
	}
	if err := m.store.SetOwnerSession(ctx, userID, ""); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear owner index")
	}

	m.setState(ctx, Primary(""))
	m.logger.Info().Str("token", session.Redact(st.LocalToken)).Msg("session ended")
	m.replaceLocked(ctx, userID)
	return nil
}

// replaceLocked gives the device its next session right away when the cooldown allows.
// Otherwise EnsureLocalSession creates it when it is first needed. Callers hold ops.
func (m *Manager) replaceLocked(ctx context.Context, userID string) {
	now := m.now()
	if !m.lastCreate.IsZero() && now.Sub(m.lastCreate) < m.settings.Current().SessionCreateCooldown {
		return
	}
	if _, err := m.newSessionLocked(ctx, userID, now); err != nil {
		m.logger.Warn().Err(err).Msg("failed to create replacement session")
	}
}

// Disconnect leaves the joined session and reverts to primary of the local session.
// It is a no-op on a primary device.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	if m.closed {
		return ErrClosed
	}

	st := m.State()
	if !st.IsSecondary() {
		return nil
	}
	m.stopWatcher()
	m.disconnectLocked(ctx, st, "user")
	return nil
}

// CleanupExpired deletes the caller's sessions that are past their TTL.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return session.DeleteExpired(ctx, m.store, m.now(), m.cleanupLimit, m.logger)
}

// Close stops the session watcher. The manager cannot be used afterwards.
func (m *Manager) Close() {
	m.ops.Lock()
	m.closed = true
	m.stopWatcher()
	m.ops.Unlock()
	m.leaving.Wait()
}

func (m *Manager) disconnectLocked(ctx context.Context, st State, reason string) {
	m.runTeardown(ctx, st)
	m.setState(ctx, Primary(st.LocalToken))
	m.logger.Info().
		Str("token", session.Redact(st.RemoteToken)).
		Str("reason", reason).
		Msg("disconnected from session")
}

func (m *Manager) setState(ctx context.Context, st State) {
	m.state.Set(st)
	if err := m.states.SavePairingState(ctx, st); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist pairing state")
	}
}

func (m *Manager) runTeardown(ctx context.Context, prev State) {
	if m.teardown != nil {
		m.teardown(ctx, prev)
	}
}

// classify maps store failures on a session someone else owns to pairing errors.
func classify(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	case errors.Is(err, session.ErrPermissionDenied):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, session.ErrInvalidToken):
		return fmt.Errorf("%w: %w", ErrInvalidTokenFormat, err)
	}
	return err
}

// sessionGone reports whether err means the session cannot be used any more, as opposed
// to a transient failure.
func sessionGone(err error) bool {
	return errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, session.ErrCorrupted) ||
		errors.Is(err, session.ErrPermissionDenied) ||
		errors.Is(err, session.ErrInvalidToken)
}
