// Package pairing manages which pairing session a device belongs to: the session it
// owns as primary, the one it has joined as a secondary observer, and the transitions
// between them.
package pairing

import (
	"context"
	"errors"
	"sync"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

// Pairing errors.
var (
	ErrInvalidTokenFormat = errors.New("invalid session token format")
	ErrInvalidDeepLink    = errors.New("invalid join link")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionInactive    = errors.New("session is no longer active")
	ErrPermissionDenied   = errors.New("not allowed to access session")
	ErrOwnSession         = errors.New("cannot join a session this device owns")
	ErrNotOwner           = errors.New("only the primary owner can end the session")
	ErrNoSession          = errors.New("no session to end")
	ErrCreateTooSoon      = errors.New("session created too recently")
	ErrClosed             = errors.New("pairing manager closed")
)

// State is a device's pairing state. A device is secondary exactly when RemoteToken is set.
type State struct {
	Role        session.Role `json:"role"`
	LocalToken  string       `json:"localToken,omitempty"`
	RemoteToken string       `json:"remoteToken,omitempty"`
	// PrimaryOwner is the owner of the joined session.
	PrimaryOwner string `json:"primaryOwner,omitempty"`
}

// Primary returns the state of a device acting as primary of localToken.
func Primary(localToken string) State {
	return State{Role: session.RolePrimary, LocalToken: localToken}
}

// IsSecondary reports whether the device has joined another device's session.
func (s State) IsSecondary() bool {
	return s.RemoteToken != ""
}

// EffectiveToken is the session the device currently belongs to: the joined one if any,
// otherwise its own.
func (s State) EffectiveToken() string {
	if s.RemoteToken != "" {
		return s.RemoteToken
	}
	return s.LocalToken
}

// normalize derives Role from RemoteToken and drops an invalid stored token.
func (s State) normalize() State {
	if s.RemoteToken != "" && !session.ValidToken(s.RemoteToken) {
		s.RemoteToken = ""
	}
	if s.LocalToken != "" && !session.ValidToken(s.LocalToken) {
		s.LocalToken = ""
	}
	if s.RemoteToken == "" {
		s.Role = session.RolePrimary
		s.PrimaryOwner = ""
	} else {
		s.Role = session.RoleSecondary
	}
	return s
}

// StateStore persists the pairing state. LoadPairingState returns nil, nil when none is stored.
type StateStore interface {
	LoadPairingState(ctx context.Context) (*State, error)
	SavePairingState(ctx context.Context, s State) error
}

// MemoryStateStore keeps the state for the life of the process.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *State
}

// LoadPairingState returns the stored state.
func (m *MemoryStateStore) LoadPairingState(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	s := *m.state
	return &s, nil
}

// SavePairingState stores s.
func (m *MemoryStateStore) SavePairingState(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	return nil
}

// Identity resolves the caller's authenticated identity, which doubles as its device ID.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// StaticIdentity is a fixed Identity.
type StaticIdentity string

// UserID returns the identity.
func (s StaticIdentity) UserID(context.Context) (string, error) {
	return string(s), nil
}

var (
	_ StateStore = (*MemoryStateStore)(nil)
	_ Identity   = StaticIdentity("")
)
