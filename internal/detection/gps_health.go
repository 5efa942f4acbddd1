package detection

import "time"

// GPSTransition is the result of a GPS health check.
type GPSTransition int

const (
	GPSNoChange GPSTransition = iota
	GPSLost
	GPSRestored
)

func (t GPSTransition) String() string {
	switch t {
	case GPSLost:
		return "lost"
	case GPSRestored:
		return "restored"
	default:
		return "no_change"
	}
}

// GPSWatch tracks sample arrival for the lost/restored hysteresis. The zero value
// has seen no fix and never reports a loss until one arrives.
type GPSWatch struct {
	lastSample  time.Time
	recoveredAt time.Time
	lost        bool
}

// Reset starts watching afresh. lastKnown may be zero when no fix exists yet.
func (w *GPSWatch) Reset(lastKnown time.Time) {
	*w = GPSWatch{lastSample: lastKnown}
}

// ObserveGPS records a sample arrival. While a loss is declared, a sample arriving more
// than GPSLostThreshold after the previous one restarts the healthy interval, even when
// no check ran during the gap.
func (e *Engine) ObserveGPS(w *GPSWatch, at time.Time) {
	if w.lost && !w.lastSample.IsZero() && at.Sub(w.lastSample) > e.cfg.GPSLostThreshold {
		w.recoveredAt = time.Time{}
	}
	if at.After(w.lastSample) {
		w.lastSample = at
	}
	if w.lost && w.recoveredAt.IsZero() {
		w.recoveredAt = at
	}
}

// Lost reports whether a loss is currently declared.
func (w *GPSWatch) Lost() bool {
	return w.lost
}

// LastSample returns the time of the newest sample, zero if none.
func (w *GPSWatch) LastSample() time.Time {
	return w.lastSample
}

// CheckGPS applies the dual hysteresis: a loss is declared once no sample has been seen
// for GPSLostThreshold, and cleared only after samples have been healthy continuously for
// GPSRestoreHysteresis.
func (e *Engine) CheckGPS(w *GPSWatch, now time.Time) GPSTransition {
	if w.lastSample.IsZero() {
		return GPSNoChange
	}

	healthy := now.Sub(w.lastSample) <= e.cfg.GPSLostThreshold

	if !w.lost {
		if healthy {
			return GPSNoChange
		}
		w.lost = true
		w.recoveredAt = time.Time{}
		return GPSLost
	}

	if !healthy {
		w.recoveredAt = time.Time{}
		return GPSNoChange
	}
	if w.recoveredAt.IsZero() || now.Sub(w.recoveredAt) < e.cfg.GPSRestoreHysteresis {
		return GPSNoChange
	}
	w.lost = false
	w.recoveredAt = time.Time{}
	return GPSRestored
}
