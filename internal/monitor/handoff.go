package monitor

// TrackerMode says which tracker currently feeds positions while monitoring.
type TrackerMode int

const (
	TrackerNone TrackerMode = iota
	ForegroundActive
	BackgroundActive
)

func (m TrackerMode) String() string {
	switch m {
	case ForegroundActive:
		return "foreground"
	case BackgroundActive:
		return "background"
	default:
		return "none"
	}
}

// Action is the side effect a handoff transition requires.
type Action int

const (
	ActionNone Action = iota
	ActionStartBackground
	ActionStopBackground
)

func (a Action) String() string {
	switch a {
	case ActionStartBackground:
		return "start_background"
	case ActionStopBackground:
		return "stop_background"
	default:
		return "none"
	}
}

// Handoff is the foreground/background tracker state machine. Background tracking
// is never active while the foreground GPS stream runs.
type Handoff struct {
	mode       TrackerMode
	foreground bool
}

// Mode returns the active tracker.
func (h *Handoff) Mode() TrackerMode {
	return h.mode
}

// ForegroundRunning reports whether the foreground GPS stream is running.
func (h *Handoff) ForegroundRunning() bool {
	return h.foreground
}

// MonitoringStarted selects the tracker when monitoring begins.
func (h *Handoff) MonitoringStarted() Action {
	if h.mode != TrackerNone {
		return ActionNone
	}
	if h.foreground {
		h.mode = ForegroundActive
		return ActionNone
	}
	h.mode = BackgroundActive
	return ActionStartBackground
}

// MonitoringStopped releases whichever tracker was active.
func (h *Handoff) MonitoringStopped() Action {
	prev := h.mode
	h.mode = TrackerNone
	if prev == BackgroundActive {
		return ActionStopBackground
	}
	return ActionNone
}

// ForegroundStarted takes over from background tracking.
func (h *Handoff) ForegroundStarted() Action {
	h.foreground = true
	if h.mode == BackgroundActive {
		h.mode = ForegroundActive
		return ActionStopBackground
	}
	return ActionNone
}

// ForegroundStopped hands back to background tracking if monitoring is still wanted.
func (h *Handoff) ForegroundStopped() Action {
	h.foreground = false
	if h.mode == ForegroundActive {
		h.mode = BackgroundActive
		return ActionStartBackground
	}
	return ActionNone
}
