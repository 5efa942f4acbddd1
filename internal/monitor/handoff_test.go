package monitor_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anchorwatch/anchorwatch/internal/monitor"
)

func TestHandoff_StartWithoutForeground(t *testing.T) {
	var h monitor.Handoff
	assert.Equal(t, monitor.ActionStartBackground, h.MonitoringStarted())
	assert.Equal(t, monitor.BackgroundActive, h.Mode())
	assert.Equal(t, monitor.ActionNone, h.MonitoringStarted(), "second start is a no-op")
	assert.Equal(t, monitor.ActionStopBackground, h.MonitoringStopped())
	assert.Equal(t, monitor.TrackerNone, h.Mode())
	assert.Equal(t, monitor.ActionNone, h.MonitoringStopped())
}

func TestHandoff_StartWithForegroundRunning(t *testing.T) {
	var h monitor.Handoff
	assert.Equal(t, monitor.ActionNone, h.ForegroundStarted())
	assert.Equal(t, monitor.ActionNone, h.MonitoringStarted())
	assert.Equal(t, monitor.ForegroundActive, h.Mode())
	assert.Equal(t, monitor.ActionNone, h.MonitoringStopped())
}

func TestHandoff_ForegroundTakesOverAndHandsBack(t *testing.T) {
	var h monitor.Handoff
	h.MonitoringStarted()

	assert.Equal(t, monitor.ActionStopBackground, h.ForegroundStarted())
	assert.Equal(t, monitor.ForegroundActive, h.Mode())

	assert.Equal(t, monitor.ActionStartBackground, h.ForegroundStopped())
	assert.Equal(t, monitor.BackgroundActive, h.Mode())
}

func TestHandoff_ForegroundStopWhenNotMonitoring(t *testing.T) {
	var h monitor.Handoff
	h.ForegroundStarted()
	assert.Equal(t, monitor.ActionNone, h.ForegroundStopped())
	assert.Equal(t, monitor.TrackerNone, h.Mode())
}

// Random event sequences must never leave background tracking active while the
// foreground stream runs, and background start/stop actions must alternate.
func TestHandoff_MutualExclusionHolds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		var h monitor.Handoff
		backgroundOn := false

		for step := 0; step < 50; step++ {
			var action monitor.Action
			switch rng.Intn(4) {
			case 0:
				action = h.MonitoringStarted()
			case 1:
				action = h.MonitoringStopped()
			case 2:
				action = h.ForegroundStarted()
			case 3:
				action = h.ForegroundStopped()
			}

			switch action {
			case monitor.ActionStartBackground:
				assert.False(t, backgroundOn, "background started twice")
				backgroundOn = true
			case monitor.ActionStopBackground:
				assert.True(t, backgroundOn, "background stopped while off")
				backgroundOn = false
			}

			assert.Equal(t, h.Mode() == monitor.BackgroundActive, backgroundOn)
			if h.ForegroundRunning() {
				assert.False(t, backgroundOn, "background active alongside foreground")
			}
		}
	}
}
