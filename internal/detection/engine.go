// Package detection decides drift alarms and GPS health warnings. It performs no I/O;
// callers pass the current time in.
package detection

import (
	"fmt"
	"math"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/settings"
	"github.com/anchorwatch/anchorwatch/pkg/geodesic"
)

const (
	// sensitivityFactor is the largest fraction of the radius sensitivity can remove.
	sensitivityFactor = 0.2
	// recoveryRatio is the fraction of the effective radius the vessel must return within
	// before a drift alarm auto-dismisses.
	recoveryRatio = 0.9
)

// Config holds the tunables the engine reads.
type Config struct {
	Sensitivity          float64
	AccuracyThreshold    float64
	AutoDismissEnabled   bool
	AutoDismissWindow    time.Duration
	GPSLostThreshold     time.Duration
	GPSRestoreHysteresis time.Duration
}

// ConfigFromSettings extracts the engine config from device settings.
func ConfigFromSettings(s settings.Settings) Config {
	s = s.Normalize()
	return Config{
		Sensitivity:          s.Sensitivity,
		AccuracyThreshold:    s.AccuracyThreshold,
		AutoDismissEnabled:   s.AutoDismissEnabled,
		AutoDismissWindow:    s.AutoDismissWindow,
		GPSLostThreshold:     s.GPSLostThreshold,
		GPSRestoreHysteresis: s.GPSRestoreHysteresis,
	}
}

// Engine evaluates positions against an anchor.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine, filling unset values with defaults.
func NewEngine(cfg Config) *Engine {
	d := settings.Default()
	if cfg.AccuracyThreshold <= 0 {
		cfg.AccuracyThreshold = d.AccuracyThreshold
	}
	if cfg.AutoDismissWindow <= 0 {
		cfg.AutoDismissWindow = d.AutoDismissWindow
	}
	if cfg.GPSLostThreshold <= 0 {
		cfg.GPSLostThreshold = d.GPSLostThreshold
	}
	if cfg.GPSRestoreHysteresis <= 0 {
		cfg.GPSRestoreHysteresis = d.GPSRestoreHysteresis
	}
	cfg.Sensitivity = settings.ClampSensitivity(cfg.Sensitivity)
	return &Engine{cfg: cfg}
}

// EffectiveRadius shrinks radius by up to 20% as sensitivity goes from 0 to 1.
func EffectiveRadius(radius, sensitivity float64) float64 {
	return radius * (1 - settings.ClampSensitivity(sensitivity)*sensitivityFactor)
}

// CheckDrift returns the distance from the anchor to p in meters. ok is false when
// there is no active anchor, the fix is less accurate than the threshold, or the
// distance is not finite.
func (e *Engine) CheckDrift(a *anchor.Anchor, p *anchor.Position) (distance float64, ok bool) {
	if a == nil || !a.Active || p == nil {
		return 0, false
	}
	if p.Accuracy != nil && *p.Accuracy > e.cfg.AccuracyThreshold {
		return 0, false
	}
	d := p.DistanceTo(a)
	if !geodesic.Finite(d) {
		return 0, false
	}
	return d, true
}

// ShouldTriggerAlarm reports whether distance lies outside the anchor's effective radius.
func (e *Engine) ShouldTriggerAlarm(a *anchor.Anchor, distance float64) bool {
	if a == nil {
		return false
	}
	return distance > EffectiveRadius(a.Radius, e.cfg.Sensitivity)
}

// ShouldAutoDismiss reports whether an active drift alarm has recovered: the vessel is back
// within 90% of the effective radius and the alarm was raised within the auto-dismiss window.
func (e *Engine) ShouldAutoDismiss(a *anchor.Anchor, distance float64, alarm *anchor.AlarmEvent, now time.Time) bool {
	if a == nil || alarm == nil || !e.cfg.AutoDismissEnabled {
		return false
	}
	if distance > recoveryRatio*EffectiveRadius(a.Radius, e.cfg.Sensitivity) {
		return false
	}
	return now.Sub(alarm.Timestamp) <= e.cfg.AutoDismissWindow
}

// IsInaccurate reports whether p carries an accuracy worse than the threshold.
func (e *Engine) IsInaccurate(p *anchor.Position) bool {
	return p != nil && p.Accuracy != nil && *p.Accuracy > e.cfg.AccuracyThreshold
}

// DriftOutcome is the result of a drift evaluation.
type DriftOutcome int

const (
	// DriftNone means nothing changes.
	DriftNone DriftOutcome = iota
	// DriftRaised means a new drift alarm must be raised.
	DriftRaised
	// DriftUpdated means the active alarm's position and distance were refreshed.
	DriftUpdated
	// DriftRecovered means the active alarm should be auto-dismissed.
	DriftRecovered
)

func (o DriftOutcome) String() string {
	switch o {
	case DriftRaised:
		return "raised"
	case DriftUpdated:
		return "updated"
	case DriftRecovered:
		return "recovered"
	default:
		return "none"
	}
}

// DriftDecision carries the outcome and, for raised/updated, the resulting alarm.
// For recovered, Alarm is the alarm to dismiss.
type DriftDecision struct {
	Outcome  DriftOutcome
	Alarm    *anchor.AlarmEvent
	Distance float64
}

// EvaluateDrift decides the drift transition for one sample. active is the current
// drift alarm, or nil. A continuing drift updates the active alarm in place.
func (e *Engine) EvaluateDrift(active *anchor.AlarmEvent, a *anchor.Anchor, p *anchor.Position, now time.Time) DriftDecision {
	distance, ok := e.CheckDrift(a, p)
	if !ok {
		return DriftDecision{Outcome: DriftNone}
	}

	if e.ShouldTriggerAlarm(a, distance) {
		if active != nil {
			updated := active.Clone()
			updated.Position = *p.Clone()
			updated.Distance = distance
			updated.Message = driftMessage(distance, a)
			return DriftDecision{Outcome: DriftUpdated, Alarm: updated, Distance: distance}
		}
		return DriftDecision{
			Outcome: DriftRaised,
			Alarm: &anchor.AlarmEvent{
				ID:        anchor.NewAlarmID(),
				Type:      anchor.AlarmDriftExceeded,
				Severity:  anchor.SeverityAlarm,
				Timestamp: now,
				Position:  *p.Clone(),
				Distance:  distance,
				Message:   driftMessage(distance, a),
			},
			Distance: distance,
		}
	}

	if active != nil && e.ShouldAutoDismiss(a, distance, active, now) {
		return DriftDecision{Outcome: DriftRecovered, Alarm: active.Clone(), Distance: distance}
	}
	return DriftDecision{Outcome: DriftNone, Distance: distance}
}

// GPSLostWarning builds a gps-lost warning at the last known position.
func (e *Engine) GPSLostWarning(a *anchor.Anchor, last *anchor.Position, since time.Duration, now time.Time) *anchor.AlarmEvent {
	ev := &anchor.AlarmEvent{
		ID:        anchor.NewAlarmID(),
		Type:      anchor.AlarmGPSLost,
		Severity:  anchor.SeverityWarning,
		Timestamp: now,
		Message:   fmt.Sprintf("no GPS fix for %s", since.Round(time.Second)),
	}
	if last != nil {
		ev.Position = *last.Clone()
		if a != nil {
			if d := last.DistanceTo(a); geodesic.Finite(d) {
				ev.Distance = d
			}
		}
	}
	return ev
}

// InaccurateWarning builds a gps-inaccurate warning for p.
func (e *Engine) InaccurateWarning(a *anchor.Anchor, p *anchor.Position, now time.Time) *anchor.AlarmEvent {
	ev := &anchor.AlarmEvent{
		ID:        anchor.NewAlarmID(),
		Type:      anchor.AlarmGPSInaccurate,
		Severity:  anchor.SeverityWarning,
		Timestamp: now,
		Position:  *p.Clone(),
	}
	if p.Accuracy != nil {
		ev.Message = fmt.Sprintf("GPS accuracy %.0fm exceeds %.0fm", *p.Accuracy, e.cfg.AccuracyThreshold)
	}
	if a != nil {
		if d := p.DistanceTo(a); geodesic.Finite(d) {
			ev.Distance = d
		}
	}
	return ev
}

func driftMessage(distance float64, a *anchor.Anchor) string {
	return fmt.Sprintf("vessel %.0fm from anchor (radius %.0fm)", math.Round(distance), a.Radius)
}
