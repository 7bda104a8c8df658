package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/shopspring/decimal"
)

const (
	// saveAlertTimeout is the context deadline for persisting a fired alert.
	saveAlertTimeout = 3 * time.Second
	// cleanupTimeout is the context deadline for the periodic alert deletion.
	cleanupTimeout = 5 * time.Second
	// cleanupInterval is how often the retention goroutine runs.
	cleanupInterval = 1 * time.Hour
)

// Engine evaluates readings against the threshold rules of their device.
type Engine struct {
	rules     repository.RuleRepository
	bus       *AlertBus
	log       logger.Logger
	now       func() time.Time
	triggered *prometheus.CounterVec

	// Retention
	mu          sync.Mutex
	cleanupStop chan struct{}
}

// NewEngine creates a rule engine. Fired alerts are published on bus, which
// may be nil when nothing consumes them.
func NewEngine(rules repository.RuleRepository, bus *AlertBus, reg prometheus.Registerer, log logger.Logger) (*Engine, error) {
	e := &Engine{
		rules: rules,
		bus:   bus,
		log:   log,
		now:   time.Now,
		triggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "alerts_triggered_total",
			Help:      "Alerts raised by threshold rules, by severity.",
		}, []string{"severity"}),
	}
	if err := metrics.Register(reg, e.triggered); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply checks every enabled rule of device against r and returns the alerts
// it raised. A rule whose variable is absent from the reading is skipped.
// Only a failure to load rules is returned; persistence failures are logged
// and the alert is still published.
func (e *Engine) Apply(ctx context.Context, device *entities.Device, r telemetry.Reading) ([]entities.Alert, error) {
	rules, err := e.rules.GetEnabledRules(ctx, device.ID)
	if err != nil {
		return nil, errors.New(err).
			Component("alerting").
			Category(errors.CategoryDatabase).
			Context("device_id", device.ExternalID).
			Build()
	}

	var fired []entities.Alert
	for i := range rules {
		rule := &rules[i]
		value, ok := r.Values[rule.Variable]
		if !ok {
			continue
		}
		hit, err := Compare(rule.Operator, value, rule.Threshold)
		if err != nil {
			e.log.Warn("skipping rule with invalid operator",
				logger.Uint64("rule_id", uint64(rule.ID)),
				logger.String("operator", rule.Operator))
			continue
		}
		if !hit {
			continue
		}
		fired = append(fired, e.fire(ctx, device, rule, value, r.Timestamp))
	}
	return fired, nil
}

func (e *Engine) fire(ctx context.Context, device *entities.Device, rule *entities.Rule, value decimal.Decimal, at time.Time) entities.Alert {
	alert := entities.Alert{
		UUID:           uuid.NewString(),
		RuleID:         rule.ID,
		DeviceID:       device.ID,
		Severity:       Severity(value, rule.Threshold),
		Message:        Message(rule, value),
		TriggeredValue: value,
		CreatedAt:      e.now().UTC(),
	}

	saveCtx, cancel := context.WithTimeout(ctx, saveAlertTimeout)
	defer cancel()
	if err := e.rules.SaveAlert(saveCtx, &alert); err != nil {
		e.log.Error("failed to save alert",
			logger.Uint64("rule_id", uint64(rule.ID)),
			logger.String("device_id", device.ExternalID),
			logger.Error(err))
	}
	e.triggered.WithLabelValues(alert.Severity).Inc()

	if e.bus != nil {
		event := &AlertEvent{
			Alert:            alert,
			RuleName:         rule.Name,
			Variable:         rule.Variable,
			OrganizationID:   device.OrganizationID,
			DeviceExternalID: device.ExternalID,
			Timestamp:        at,
		}
		if rule.SendSMS {
			event.SMSRecipients = append([]string(nil), rule.SMSRecipients...)
		}
		e.bus.Publish(event)
	}
	return alert
}

// StartRetention starts a background goroutine that periodically deletes
// alerts older than retentionDays. A value of 0 disables cleanup.
func (e *Engine) StartRetention(retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	e.stopCleanup()
	e.mu.Lock()
	e.cleanupStop = make(chan struct{})
	stopCh := e.cleanupStop
	e.mu.Unlock()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.purge(retentionDays)
			case <-stopCh:
				return
			}
		}
	}()
}

func (e *Engine) purge(retentionDays int) {
	cutoff := e.now().UTC().AddDate(0, 0, -retentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	deleted, err := e.rules.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		e.log.Error("alert retention cleanup failed", logger.Error(err))
		return
	}
	if deleted > 0 {
		e.log.Info("alert retention cleanup completed",
			logger.Int64("deleted", deleted),
			logger.Int("retention_days", retentionDays))
	}
}

// stopCleanup makes the nil-check-then-close atomic so Stop and
// StartRetention can race without a double close.
func (e *Engine) stopCleanup() {
	e.mu.Lock()
	ch := e.cleanupStop
	e.cleanupStop = nil
	e.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Stop shuts down the retention goroutine.
func (e *Engine) Stop() {
	e.stopCleanup()
}
