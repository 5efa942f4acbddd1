package gps

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/pkg/geodesic"
)

// SimulatorConfig describes a vessel swinging on its anchor.
type SimulatorConfig struct {
	Latitude  float64
	Longitude float64
	// SwingRadius in meters. Default: 15
	SwingRadius float64
	// SwingPeriod is the time for one full circle. Default: 10 minutes
	SwingPeriod time.Duration
	// DriftAfter starts dragging the anchor after this long; zero never drifts.
	DriftAfter time.Duration
	// DriftSpeed in m/s. Default: 0.5
	DriftSpeed   float64
	DriftBearing float64
	// Accuracy reported with every fix, in meters. Default: 5
	Accuracy float64
	Now      func() time.Time
}

// Simulator is a Provider producing a deterministic swing-and-drift track.
type Simulator struct {
	cfg   SimulatorConfig
	start time.Time

	mu             sync.Mutex
	enabled        bool
	permitted      bool
	grantOnRequest bool
}

// NewSimulator creates an enabled, permitted simulator whose track starts now.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.SwingRadius <= 0 {
		cfg.SwingRadius = 15
	}
	if cfg.SwingPeriod <= 0 {
		cfg.SwingPeriod = 10 * time.Minute
	}
	if cfg.DriftSpeed <= 0 {
		cfg.DriftSpeed = 0.5
	}
	if cfg.Accuracy <= 0 {
		cfg.Accuracy = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{cfg: cfg, start: cfg.Now(), enabled: true, permitted: true, grantOnRequest: true}
}

// SetServiceEnabled switches simulated location services.
func (s *Simulator) SetServiceEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// SetPermission sets the current grant and whether a request would be granted.
func (s *Simulator) SetPermission(granted, grantOnRequest bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permitted = granted
	s.grantOnRequest = grantOnRequest
}

func (s *Simulator) ServiceEnabled(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Simulator) HasPermission(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permitted
}

func (s *Simulator) RequestPermission(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grantOnRequest {
		s.permitted = true
	}
	return s.permitted, nil
}

func (s *Simulator) CurrentPosition(ctx context.Context) (anchor.Position, error) {
	if !s.ServiceEnabled(ctx) {
		return anchor.Position{}, ErrServiceDisabled
	}
	return s.PositionAt(s.cfg.Now()), nil
}

func (s *Simulator) Stream(ctx context.Context, interval time.Duration, accuracy Accuracy) (<-chan anchor.Position, error) {
	if !s.ServiceEnabled(ctx) {
		return nil, ErrServiceDisabled
	}
	if interval <= 0 {
		interval = defaultInterval
	}

	out := make(chan anchor.Position, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			p := s.PositionAt(s.cfg.Now())
			if accuracy == AccuracyLow {
				p.Accuracy = anchor.Float(*p.Accuracy * 4)
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PositionAt returns the simulated fix at t.
func (s *Simulator) PositionAt(t time.Time) anchor.Position {
	elapsed := t.Sub(s.start)
	if elapsed < 0 {
		elapsed = 0
	}

	turns := elapsed.Seconds() / s.cfg.SwingPeriod.Seconds()
	bearing := math.Mod(turns*360, 360)
	lat, lon := geodesic.Offset(s.cfg.Latitude, s.cfg.Longitude, bearing, s.cfg.SwingRadius)
	speed := 2 * math.Pi * s.cfg.SwingRadius / s.cfg.SwingPeriod.Seconds()
	heading := math.Mod(bearing+90, 360)

	if s.cfg.DriftAfter > 0 && elapsed > s.cfg.DriftAfter {
		dragged := s.cfg.DriftSpeed * (elapsed - s.cfg.DriftAfter).Seconds()
		lat, lon = geodesic.Offset(lat, lon, s.cfg.DriftBearing, dragged)
	}

	return anchor.Position{
		Timestamp: t,
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  anchor.Float(s.cfg.Accuracy),
		Speed:     anchor.Float(speed),
		Heading:   anchor.Float(heading),
	}
}

var _ Provider = (*Simulator)(nil)
