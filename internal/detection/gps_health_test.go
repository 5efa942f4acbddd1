package detection_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/anchorwatch/anchorwatch/internal/detection"
)

func sec(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Second)
}

func TestCheckGPS_NoFixYet(t *testing.T) {
	e := newEngine(0)
	var w detection.GPSWatch
	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(3600)))
	assert.False(t, w.Lost())
}

func TestCheckGPS_LostAfterThreshold(t *testing.T) {
	e := newEngine(0)
	var w detection.GPSWatch
	w.Reset(sec(0))

	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(30)))
	assert.Equal(t, detection.GPSLost, e.CheckGPS(&w, sec(31)))
	assert.True(t, w.Lost())
	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(45)), "loss reported once")
}

func TestCheckGPS_RestoreHysteresis(t *testing.T) {
	e := newEngine(0)
	var w detection.GPSWatch
	w.Reset(sec(0))
	assert.Equal(t, detection.GPSLost, e.CheckGPS(&w, sec(40)))

	e.ObserveGPS(&w, sec(50))
	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(50)))
	e.ObserveGPS(&w, sec(52))
	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(54)), "less than hysteresis after recovery")
	assert.True(t, w.Lost())

	e.ObserveGPS(&w, sec(55))
	assert.Equal(t, detection.GPSRestored, e.CheckGPS(&w, sec(55)))
	assert.False(t, w.Lost())
}

func TestCheckGPS_ErraticSamplesRestartHysteresis(t *testing.T) {
	e := newEngine(0)
	var w detection.GPSWatch
	w.Reset(sec(0))
	assert.Equal(t, detection.GPSLost, e.CheckGPS(&w, sec(31)))

	e.ObserveGPS(&w, sec(40))
	// Another gap longer than the lost threshold resets the healthy interval.
	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(80)))
	e.ObserveGPS(&w, sec(81))
	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(84)))
	assert.Equal(t, detection.GPSRestored, e.CheckGPS(&w, sec(86)))
}

func TestCheckGPS_GapWithoutChecksRestartsHysteresis(t *testing.T) {
	e := newEngine(0)
	var w detection.GPSWatch
	w.Reset(sec(0))
	assert.Equal(t, detection.GPSLost, e.CheckGPS(&w, sec(31)))

	e.ObserveGPS(&w, sec(35))
	// No checks run while monitoring is paused; the next sample arrives after a long gap.
	e.ObserveGPS(&w, sec(100))
	assert.Equal(t, detection.GPSNoChange, e.CheckGPS(&w, sec(101)), "one fresh sample is not a healthy interval")
	assert.True(t, w.Lost())

	e.ObserveGPS(&w, sec(103))
	e.ObserveGPS(&w, sec(105))
	assert.Equal(t, detection.GPSRestored, e.CheckGPS(&w, sec(105)))
}

func TestObserveGPS_IgnoresOlderSamples(t *testing.T) {
	e := newEngine(0)
	var w detection.GPSWatch
	e.ObserveGPS(&w, sec(10))
	e.ObserveGPS(&w, sec(5))
	assert.Equal(t, sec(10), w.LastSample())
}
