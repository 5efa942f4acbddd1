// Package session defines the pairing session document shared between a primary device
// and its observers, and the store contract every backend implements.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
)

// Store errors.
var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyExists    = errors.New("session already exists")
	ErrCorrupted        = errors.New("session data corrupted")
	ErrInvalidToken     = errors.New("invalid session token")
	ErrInvalidUpdate    = errors.New("invalid session update")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrRateLimited      = errors.New("rate limited")
)

// TokenLength is the exact length of a session token.
const TokenLength = 32

// ValidToken reports whether s is exactly 32 characters of [A-Z0-9].
func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Role of a device within a session.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePrimary || r == RoleSecondary
}

// Device is an entry in the session's device list.
type Device struct {
	ID       string    `json:"deviceId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Session is the typed form of a session document.
type Session struct {
	Token            string             `json:"token"`
	PrimaryOwner     string             `json:"primaryOwner"`
	Devices          []Device           `json:"devices"`
	CreatedAt        time.Time          `json:"createdAt"`
	ExpiresAt        time.Time          `json:"expiresAt"`
	Active           bool               `json:"active"`
	MonitoringActive bool               `json:"monitoringActive"`
	Anchor           *anchor.Anchor     `json:"anchor,omitempty"`
	Position         *anchor.Position   `json:"position,omitempty"`
	Alarm            *anchor.AlarmEvent `json:"alarm,omitempty"`
	Track            string             `json:"track,omitempty"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// New returns an active session owned by owner, with the owner's device as primary.
func New(token, owner, deviceID string, ttl time.Duration, now time.Time) *Session {
	return &Session{
		Token:        token,
		PrimaryOwner: owner,
		Devices:      []Device{{ID: deviceID, Role: RolePrimary, JoinedAt: now}},
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Active:       true,
		UpdatedAt:    now,
	}
}

// Expired reports whether the session is past its TTL at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Live reports whether the session is active and not expired.
func (s *Session) Live(now time.Time) bool {
	return s.Active && !s.Expired(now)
}

// HasSecondary reports whether any device joined as secondary.
func (s *Session) HasSecondary() bool {
	for _, d := range s.Devices {
		if d.Role == RoleSecondary {
			return true
		}
	}
	return false
}

// HasDevice reports whether deviceID is in the device list.
func (s *Session) HasDevice(deviceID string) bool {
	for _, d := range s.Devices {
		if d.ID == deviceID {
			return true
		}
	}
	return false
}

// Mutable document fields for Update.
const (
	FieldActive           = "active"
	FieldMonitoringActive = "monitoringActive"
	FieldAnchor           = "anchor"
	FieldPosition         = "position"
	FieldAlarm            = "alarm"
	FieldTrack            = "track"
	FieldUpdatedAt        = "updatedAt"
)

var mutableFields = map[string]bool{
	FieldActive:           true,
	FieldMonitoringActive: true,
	FieldAnchor:           true,
	FieldPosition:         true,
	FieldAlarm:            true,
	FieldTrack:            true,
	FieldUpdatedAt:        true,
}

// Fields is a partial update. A nil value removes the field.
type Fields map[string]any

// Has reports whether the update touches key.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Keys returns the field names in the update, for logging.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	return keys
}

// Path addresses a watchable location: a whole session or its alarm slot.
type Path string

const rootPrefix = "sessions/"

// SessionPath addresses the whole document.
func SessionPath(token string) Path {
	return Path(rootPrefix + token)
}

// AlarmPath addresses the session's alarm field.
func AlarmPath(token string) Path {
	return Path(rootPrefix + token + "/" + FieldAlarm)
}

// ParsePath validates p and returns its token and whether it addresses the alarm slot.
func ParsePath(p string) (Path, string, bool, error) {
	rest, ok := strings.CutPrefix(p, rootPrefix)
	if !ok {
		return "", "", false, ErrInvalidToken
	}
	token, sub, _ := strings.Cut(rest, "/")
	if !ValidToken(token) || (sub != "" && sub != FieldAlarm) {
		return "", "", false, ErrInvalidToken
	}
	return Path(p), token, sub == FieldAlarm, nil
}

// Snapshot is one realtime event. Data is nil when the location is absent.
type Snapshot struct {
	Path Path
	Data []byte
}

// Store is the remote session store.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	// Probe checks the caller may read the session without fetching it.
	Probe(ctx context.Context, token string) error
	Update(ctx context.Context, token string, fields Fields) error
	// AddDevice appends or refreshes a device entry.
	AddDevice(ctx context.Context, token string, d Device) error
	Delete(ctx context.Context, token string) error
	// Watch streams the current value at path and every change after it. The channel
	// is closed when ctx ends or the stream fails.
	Watch(ctx context.Context, path Path) (<-chan Snapshot, error)
	// SetOwnerSession maps an identity to its owned token; an empty token clears it.
	SetOwnerSession(ctx context.Context, ownerID, token string) error
	OwnerSession(ctx context.Context, ownerID string) (string, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}
