package alerting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/logger"
)

// Service bundles the rule engine with the bus that delivers its alerts.
type Service struct {
	Engine *Engine
	Bus    *AlertBus
}

// Initialize creates the alert bus, subscribes a dispatcher fanning out to
// sinks (plus a LogSink), creates the engine and starts alert retention.
func Initialize(
	rules repository.RuleRepository,
	settings conf.AlertingSettings,
	reg prometheus.Registerer,
	log logger.Logger,
	sinks ...AlertSink,
) (*Service, error) {
	bus := NewAlertBus(log)
	dispatcher := NewActionDispatcher(log, append([]AlertSink{NewLogSink(log)}, sinks...)...)
	bus.Subscribe(dispatcher.Dispatch)

	engine, err := NewEngine(rules, bus, reg, log)
	if err != nil {
		bus.Stop()
		return nil, err
	}
	engine.StartRetention(settings.RetentionDays)

	log.Info("alerting engine initialized",
		logger.Int("sinks", len(sinks)+1),
		logger.Int("retention_days", settings.RetentionDays))

	return &Service{Engine: engine, Bus: bus}, nil
}

// Stop halts retention and drains pending alert deliveries.
func (s *Service) Stop() {
	s.Engine.Stop()
	s.Bus.Stop()
}
