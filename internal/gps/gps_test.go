package gps_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/gps"
	"github.com/anchorwatch/anchorwatch/pkg/geodesic"
)

type recordingSink struct {
	mu        sync.Mutex
	positions []anchor.Position
	started   int
	stopped   int
}

func (s *recordingSink) HandlePosition(_ context.Context, p anchor.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, p)
	return nil
}

func (s *recordingSink) ForegroundStarted(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return nil
}

func (s *recordingSink) ForegroundStopped(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *recordingSink) counts() (positions, started, stopped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions), s.started, s.stopped
}

// flakyProvider wraps a simulator; its streams end after a few samples and the first
// reopen attempts fail.
type flakyProvider struct {
	*gps.Simulator
	opens      atomic.Int32
	failReopen int32
	perStream  int
}

func (p *flakyProvider) Stream(ctx context.Context, interval time.Duration, accuracy gps.Accuracy) (<-chan anchor.Position, error) {
	n := p.opens.Add(1)
	if n > 1 && n <= 1+p.failReopen {
		return nil, errors.New("receiver busy")
	}
	inner, err := p.Simulator.Stream(ctx, interval, accuracy)
	if err != nil {
		return nil, err
	}
	out := make(chan anchor.Position)
	go func() {
		defer close(out)
		for i := 0; i < p.perStream; i++ {
			select {
			case s, ok := <-inner:
				if !ok {
					return
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func newSimulator() *gps.Simulator {
	return gps.NewSimulator(gps.SimulatorConfig{Latitude: 10, Longitude: 20})
}

func TestTracker_ForwardsPositions(t *testing.T) {
	sink := &recordingSink{}
	tr := gps.NewTracker(gps.TrackerConfig{
		Provider: newSimulator(),
		Sink:     sink,
		Logger:   zerolog.Nop(),
		Interval: 5 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, tr.Start(ctx))
	require.NoError(t, tr.Start(ctx))
	assert.True(t, tr.Running())

	require.Eventually(t, func() bool {
		n, _, _ := sink.counts()
		return n >= 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Stop(ctx))
	require.NoError(t, tr.Stop(ctx))
	assert.False(t, tr.Running())

	n, started, stopped := sink.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)

	time.Sleep(30 * time.Millisecond)
	after, _, _ := sink.counts()
	assert.Equal(t, n, after, "no samples after stop")
}

func TestTracker_Availability(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *gps.Simulator)
		wantErr error
	}{
		{
			name:    "service disabled",
			setup:   func(s *gps.Simulator) { s.SetServiceEnabled(false) },
			wantErr: gps.ErrServiceDisabled,
		},
		{
			name:    "permission refused",
			setup:   func(s *gps.Simulator) { s.SetPermission(false, false) },
			wantErr: gps.ErrPermissionDenied,
		},
		{
			name:  "permission granted on request",
			setup: func(s *gps.Simulator) { s.SetPermission(false, true) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := newSimulator()
			tt.setup(sim)
			sink := &recordingSink{}
			tr := gps.NewTracker(gps.TrackerConfig{Provider: sim, Sink: sink, Logger: zerolog.Nop()})
			ctx := context.Background()

			err := tr.Start(ctx)
			_, posErr := tr.CurrentPosition(ctx)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, posErr, tt.wantErr)
				assert.False(t, tr.Running())
				_, started, _ := sink.counts()
				assert.Zero(t, started)
				return
			}
			require.NoError(t, err)
			require.NoError(t, posErr)
			require.NoError(t, tr.Stop(ctx))
		})
	}
}

func TestTracker_ReopensEndedStream(t *testing.T) {
	provider := &flakyProvider{Simulator: newSimulator(), failReopen: 2, perStream: 2}
	sink := &recordingSink{}
	tr := gps.NewTracker(gps.TrackerConfig{
		Provider:     provider,
		Sink:         sink,
		Logger:       zerolog.Nop(),
		Interval:     time.Millisecond,
		RestartDelay: time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, tr.Start(ctx))
	defer tr.Stop(ctx)

	require.Eventually(t, func() bool {
		n, _, _ := sink.counts()
		return n >= 6
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, provider.opens.Load(), int32(5))
}

func TestSimulator_Track(t *testing.T) {
	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := start
	sim := gps.NewSimulator(gps.SimulatorConfig{
		Latitude:    10,
		Longitude:   20,
		SwingRadius: 20,
		SwingPeriod: 4 * time.Minute,
		DriftAfter:  10 * time.Minute,
		DriftSpeed:  1,
		Now:         func() time.Time { return now },
	})

	for _, at := range []time.Duration{0, time.Minute, 3 * time.Minute, 9 * time.Minute} {
		p := sim.PositionAt(start.Add(at))
		assert.InDelta(t, 20, geodesic.Distance(10, 20, p.Latitude, p.Longitude), 0.5, "swinging at %s", at)
	}

	drifted := sim.PositionAt(start.Add(12 * time.Minute))
	assert.Greater(t, geodesic.Distance(10, 20, drifted.Latitude, drifted.Longitude), 100.0)

	now = start.Add(time.Minute)
	p, err := sim.CurrentPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, p.Timestamp)
	require.NotNil(t, p.Accuracy)
	assert.Equal(t, 5.0, *p.Accuracy)
}

func TestSimulator_StreamHonoursAccuracyHint(t *testing.T) {
	sim := newSimulator()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := sim.Stream(ctx, time.Millisecond, gps.AccuracyLow)
	require.NoError(t, err)

	p := <-ch
	require.NotNil(t, p.Accuracy)
	assert.Equal(t, 20.0, *p.Accuracy)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)

	sim.SetServiceEnabled(false)
	_, err = sim.Stream(context.Background(), time.Millisecond, gps.AccuracyHigh)
	assert.ErrorIs(t, err, gps.ErrServiceDisabled)
}
