// Package anchor holds the core data model shared by detection, monitoring and sync.
package anchor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anchorwatch/anchorwatch/pkg/geodesic"
)

// Model errors.
var (
	ErrNoAnchor       = errors.New("no anchor set")
	ErrAnchorInactive = errors.New("anchor is not active")
	ErrInvalidAnchor  = errors.New("invalid anchor")
	ErrInvalidRadius  = errors.New("radius must be positive")
)

// Anchor is the holding position and radius the vessel should stay within.
type Anchor struct {
	ID        string    `json:"id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Radius    float64   `json:"radius"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns an active anchor with a fresh identifier.
func New(lat, lon, radius float64, now time.Time) (*Anchor, error) {
	a := &Anchor{
		ID:        "anc_" + uuid.New().String(),
		Latitude:  lat,
		Longitude: lon,
		Radius:    radius,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks coordinate bounds and radius.
func (a *Anchor) Validate() error {
	if !geodesic.ValidCoordinate(a.Latitude, a.Longitude) {
		return fmt.Errorf("%w: coordinate %f,%f out of range", ErrInvalidAnchor, a.Latitude, a.Longitude)
	}
	if !geodesic.Finite(a.Radius) || a.Radius <= 0 {
		return ErrInvalidRadius
	}
	return nil
}

// Clone returns a copy of a, or nil.
func (a *Anchor) Clone() *Anchor {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Position is a single GPS fix. Optional fields are nil when the provider did not report them.
type Position struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

// Clone returns a deep copy of p, or nil.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Speed = cloneFloat(p.Speed)
	c.Accuracy = cloneFloat(p.Accuracy)
	c.Altitude = cloneFloat(p.Altitude)
	c.Heading = cloneFloat(p.Heading)
	return &c
}

// DistanceTo returns the great-circle distance from p to the anchor in meters.
func (p *Position) DistanceTo(a *Anchor) float64 {
	return geodesic.Distance(a.Latitude, a.Longitude, p.Latitude, p.Longitude)
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v, for building positions with optional fields.
func Float(v float64) *float64 {
	return &v
}

// AlarmType classifies an alarm event.
type AlarmType string

const (
	AlarmDriftExceeded AlarmType = "drift_exceeded"
	AlarmGPSLost       AlarmType = "gps_lost"
	AlarmGPSInaccurate AlarmType = "gps_inaccurate"
)

// Valid reports whether t is a known alarm type.
func (t AlarmType) Valid() bool {
	switch t {
	case AlarmDriftExceeded, AlarmGPSLost, AlarmGPSInaccurate:
		return true
	}
	return false
}

// Severity of an alarm event. Alarms are loud and stop monitoring when acknowledged; warnings are not.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityAlarm   Severity = "alarm"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityWarning || s == SeverityAlarm
}

// AlarmEvent is a raised alarm or warning.
type AlarmEvent struct {
	ID        string    `json:"id"`
	Type      AlarmType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Position  Position  `json:"position"`
	Distance  float64   `json:"distance"`
	Message   string    `json:"message,omitempty"`
}

// NewAlarmID returns a collision-free alarm identifier.
func NewAlarmID() string {
	return "alm_" + uuid.New().String()
}

// Clone returns a deep copy of e, or nil.
func (e *AlarmEvent) Clone() *AlarmEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Position = *e.Position.Clone()
	return &c
}

// CloneAlarms returns a deep copy of a slice of alarm events.
func CloneAlarms(events []AlarmEvent) []AlarmEvent {
	out := make([]AlarmEvent, len(events))
	for i := range events {
		out[i] = *events[i].Clone()
	}
	return out
}

// ActiveDrift returns the drift-exceeded alarm in events, or nil.
func ActiveDrift(events []AlarmEvent) *AlarmEvent {
	for i := range events {
		if events[i].Type == AlarmDriftExceeded {
			return events[i].Clone()
		}
	}
	return nil
}
