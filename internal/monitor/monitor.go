// Package monitor runs the anchor-watch state machine: it owns the active anchor,
// the alarm list and the GPS health timers, and hands tracking off between the
// foreground GPS stream and background geofencing.
package monitor

import (
	"context"
	"errors"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
)

// Coordinator errors.
var (
	ErrNoActiveAnchor  = errors.New("no active anchor")
	ErrAlarmNotFound   = errors.New("alarm not found")
	ErrAlarmSyncFailed = errors.New("alarm dismissal could not be synced")
	ErrDismissPending  = errors.New("alarm dismissal already in progress")
	ErrNotRunning      = errors.New("coordinator is not running")
)

// State is the monitoring lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateMonitoring State = "monitoring"
	StatePaused     State = "paused"
)

// BackgroundTracker is the background-execution collaborator. It reports back
// through the coordinator's BackgroundLocation and GeofenceExit methods.
type BackgroundTracker interface {
	StartMonitoring(ctx context.Context, a anchor.Anchor) error
	UpdateAnchor(ctx context.Context, a anchor.Anchor) error
	StopMonitoring(ctx context.Context) error
}

// AlarmSync clears the remotely mirrored alarm. Paired reports whether this device is
// publishing to a session another device has joined.
type AlarmSync interface {
	Paired() bool
	ClearAlarm(ctx context.Context, alarmID string) error
}

// Notifier delivers local alarm notifications.
type Notifier interface {
	Notify(alarm anchor.AlarmEvent)
	Cancel(alarmID string)
}

// AnchorStore persists the anchor across restarts. LoadAnchor returns nil, nil when none is stored
// and SaveAnchor(nil) clears it.
type AnchorStore interface {
	LoadAnchor(ctx context.Context) (*anchor.Anchor, error)
	SaveAnchor(ctx context.Context, a *anchor.Anchor) error
}

// Snapshot is a point-in-time copy of the coordinator's published values.
type Snapshot struct {
	State    State
	Anchor   *anchor.Anchor
	Position *anchor.Position
	Alarms   []anchor.AlarmEvent
}
