package alerting

import (
	"fmt"

	"github.com/sensorvision/telemetry/internal/logger"
)

// AlertSink receives fired alerts, e.g. a notification service or a live
// dashboard feed.
type AlertSink interface {
	OnAlert(event *AlertEvent) error
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(event *AlertEvent) error

// OnAlert calls f.
func (f AlertSinkFunc) OnAlert(event *AlertEvent) error { return f(event) }

// ActionDispatcher fans alert events out to every configured sink.
type ActionDispatcher struct {
	sinks []AlertSink
	log   logger.Logger
}

// NewActionDispatcher creates a new ActionDispatcher.
func NewActionDispatcher(log logger.Logger, sinks ...AlertSink) *ActionDispatcher {
	return &ActionDispatcher{
		sinks: sinks,
		log:   log,
	}
}

// Dispatch implements AlertEventHandler. Sink failures are logged and do not
// stop delivery to the remaining sinks.
func (d *ActionDispatcher) Dispatch(event *AlertEvent) {
	for _, sink := range d.sinks {
		if err := sink.OnAlert(event); err != nil {
			d.log.Error("alert sink failed",
				logger.String("sink", fmt.Sprintf("%T", sink)),
				logger.Uint64("rule_id", uint64(event.Alert.RuleID)),
				logger.Error(err))
		}
	}
}

// Title renders a short headline for notifications.
func Title(event *AlertEvent) string {
	return fmt.Sprintf("[%s] Alert: %s (%s)", event.Alert.Severity, event.RuleName, event.DeviceExternalID)
}

// LogSink writes every alert to the log. It stands in for notification
// delivery, which happens outside this service.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

// OnAlert implements AlertSink.
func (s *LogSink) OnAlert(event *AlertEvent) error {
	fields := []logger.Field{
		logger.String("alert_uuid", event.Alert.UUID),
		logger.Uint64("rule_id", uint64(event.Alert.RuleID)),
		logger.String("device_id", event.DeviceExternalID),
		logger.String("severity", event.Alert.Severity),
		logger.String("message", event.Alert.Message),
	}
	if len(event.SMSRecipients) > 0 {
		fields = append(fields, logger.Int("sms_recipients", len(event.SMSRecipients)))
	}
	s.log.Warn(Title(event), fields...)
	return nil
}
