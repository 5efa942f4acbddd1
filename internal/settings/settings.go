// Package settings provides the user-tunable alarm and sync settings with defaults and persistence.
package settings

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned by a Repository that has no stored settings.
var ErrNotFound = errors.New("settings not found")

// Defaults.
const (
	DefaultSensitivity           = 0.5
	DefaultAccuracyThreshold     = 50.0
	DefaultAutoDismissWindow     = 120 * time.Second
	DefaultGPSLostThreshold      = 30 * time.Second
	DefaultGPSRestoreHysteresis  = 5 * time.Second
	DefaultHealthCheckInterval   = 15 * time.Second
	DefaultPositionSyncInterval  = 5 * time.Second
	DefaultSessionCreateCooldown = 5 * time.Second
	DefaultSessionTTL            = 24 * time.Hour
	DefaultSessionHealthInterval = 15 * time.Second

	// MinPositionSyncInterval bounds remote write volume regardless of user choice.
	MinPositionSyncInterval = 5 * time.Second
)

// Settings are the per-device tunables. Durations marshal as nanoseconds.
type Settings struct {
	// Sensitivity tightens the effective radius: 0 uses the full radius, 1 uses 80% of it.
	Sensitivity float64 `json:"sensitivity"`
	// AccuracyThreshold is the worst reported accuracy in meters a fix may have to be used for drift checks.
	AccuracyThreshold float64 `json:"accuracyThreshold"`
	// AutoDismissEnabled allows a recovered drift alarm to clear itself.
	AutoDismissEnabled bool `json:"autoDismissEnabled"`

	AutoDismissWindow     time.Duration `json:"autoDismissWindow"`
	GPSLostThreshold      time.Duration `json:"gpsLostThreshold"`
	GPSRestoreHysteresis  time.Duration `json:"gpsRestoreHysteresis"`
	HealthCheckInterval   time.Duration `json:"healthCheckInterval"`
	PositionSyncInterval  time.Duration `json:"positionSyncInterval"`
	SessionCreateCooldown time.Duration `json:"sessionCreateCooldown"`
	SessionTTL            time.Duration `json:"sessionTtl"`
	SessionHealthInterval time.Duration `json:"sessionHealthInterval"`
}

// Default returns the factory settings.
func Default() Settings {
	return Settings{
		Sensitivity:           DefaultSensitivity,
		AccuracyThreshold:     DefaultAccuracyThreshold,
		AutoDismissEnabled:    true,
		AutoDismissWindow:     DefaultAutoDismissWindow,
		GPSLostThreshold:      DefaultGPSLostThreshold,
		GPSRestoreHysteresis:  DefaultGPSRestoreHysteresis,
		HealthCheckInterval:   DefaultHealthCheckInterval,
		PositionSyncInterval:  DefaultPositionSyncInterval,
		SessionCreateCooldown: DefaultSessionCreateCooldown,
		SessionTTL:            DefaultSessionTTL,
		SessionHealthInterval: DefaultSessionHealthInterval,
	}
}

// Normalize clamps out-of-range values and replaces unset ones with defaults.
func (s Settings) Normalize() Settings {
	d := Default()

	s.Sensitivity = ClampSensitivity(s.Sensitivity)
	if s.AccuracyThreshold <= 0 || math.IsNaN(s.AccuracyThreshold) || math.IsInf(s.AccuracyThreshold, 0) {
		s.AccuracyThreshold = d.AccuracyThreshold
	}
	if s.AutoDismissWindow <= 0 {
		s.AutoDismissWindow = d.AutoDismissWindow
	}
	if s.GPSLostThreshold <= 0 {
		s.GPSLostThreshold = d.GPSLostThreshold
	}
	if s.GPSRestoreHysteresis <= 0 {
		s.GPSRestoreHysteresis = d.GPSRestoreHysteresis
	}
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = d.HealthCheckInterval
	}
	if s.PositionSyncInterval < MinPositionSyncInterval {
		s.PositionSyncInterval = MinPositionSyncInterval
	}
	if s.SessionCreateCooldown <= 0 {
		s.SessionCreateCooldown = d.SessionCreateCooldown
	}
	if s.SessionTTL <= 0 {
		s.SessionTTL = d.SessionTTL
	}
	if s.SessionHealthInterval <= 0 {
		s.SessionHealthInterval = d.SessionHealthInterval
	}
	return s
}

// ClampSensitivity limits v to [0,1]; NaN becomes 0.
func ClampSensitivity(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Source provides the current settings.
type Source interface {
	Current() Settings
}

// Static is a fixed Source, handy for tests and one-shot tools.
type Static Settings

// Current returns the normalized settings.
func (s Static) Current() Settings {
	return Settings(s).Normalize()
}

// Repository persists settings.
type Repository interface {
	Load(ctx context.Context) (*Settings, error)
	Save(ctx context.Context, s *Settings) error
}
