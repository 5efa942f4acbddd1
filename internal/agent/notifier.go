package agent

import (
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/monitor"
)

// LogNotifier delivers alarm notifications as log lines. Alarms log at Error, warnings at Warn.
type LogNotifier struct {
	logger zerolog.Logger
}

var _ monitor.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier writing to logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// Notify logs alarm.
func (n *LogNotifier) Notify(alarm anchor.AlarmEvent) {
	event := n.logger.Warn()
	if alarm.Severity == anchor.SeverityAlarm {
		event = n.logger.Error()
	}
	event.
		Str("alarm_id", alarm.ID).
		Str("type", string(alarm.Type)).
		Float64("distance", alarm.Distance).
		Msg(alarm.Message)
}

// Cancel logs that alarmID was withdrawn.
func (n *LogNotifier) Cancel(alarmID string) {
	n.logger.Info().Str("alarm_id", alarmID).Msg("notification cleared")
}
