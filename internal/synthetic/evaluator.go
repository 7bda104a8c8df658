// Package synthetic derives computed variables from each reading using
// per-device expression definitions.
package synthetic

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/expression"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Canonical smart-meter fields. They are always bound, defaulting to zero,
// so expressions over a partial reading still evaluate.
const (
	FieldKWConsumption = "kwConsumption"
	FieldVoltage       = "voltage"
	FieldCurrent       = "current"
	FieldPowerFactor   = "powerFactor"
	FieldFrequency     = "frequency"
)

var canonicalFields = []string{FieldKWConsumption, FieldVoltage, FieldCurrent, FieldPowerFactor, FieldFrequency}

// aliases maps snake_case spellings sent by some devices to canonical names.
var aliases = map[string]string{
	"kw_consumption": FieldKWConsumption,
	"power_factor":   FieldPowerFactor,
}

// Store reads history for statistical functions and records derived values.
type Store interface {
	expression.History
	SaveDerived(ctx context.Context, deviceID uint, name, source string, value decimal.Decimal, at time.Time) error
}

// Result is one successfully derived value.
type Result struct {
	Name  string
	Value decimal.Decimal
}

// Evaluator computes synthetic variables for readings.
type Evaluator struct {
	defs         repository.SyntheticVariableRepository
	engine       *expression.Engine
	store        Store
	queryTimeout time.Duration
	log          logger.Logger

	failures *prometheus.CounterVec
	derived  prometheus.Counter
	limiters sync.Map // definition ID -> *rate.Sometimes
}

// NewEvaluator creates an Evaluator. queryTimeout bounds each history query
// made by statistical functions.
func NewEvaluator(
	defs repository.SyntheticVariableRepository,
	engine *expression.Engine,
	store Store,
	queryTimeout time.Duration,
	reg prometheus.Registerer,
	log logger.Logger,
) (*Evaluator, error) {
	e := &Evaluator{
		defs:         defs,
		engine:       engine,
		store:        store,
		queryTimeout: queryTimeout,
		log:          log,
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "synthetic_failures_total",
			Help:      "Synthetic variable evaluations that failed, by reason.",
		}, []string{"reason"}),
		derived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "synthetic_values_total",
			Help:      "Synthetic variable values recorded.",
		}),
	}
	if err := metrics.Register(reg, e.failures, e.derived); err != nil {
		return nil, err
	}
	return e, nil
}

// Bindings builds the variable environment for r: canonical fields default
// to zero, then every reading value is bound under its own name and, for
// snake_case aliases, under the canonical name too.
func Bindings(r telemetry.Reading) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(canonicalFields)+len(r.Values))
	for _, f := range canonicalFields {
		out[f] = decimal.Zero
	}
	for name, v := range r.Values {
		if canonical, ok := aliases[name]; ok {
			if _, direct := r.Values[canonical]; !direct {
				out[canonical] = v
			}
		}
		out[name] = v
	}
	return out
}

// Apply evaluates every enabled definition of device against r and records
// the results. A failing definition is logged and skipped. Only a failure to
// load definitions is returned.
func (e *Evaluator) Apply(ctx context.Context, device *entities.Device, r telemetry.Reading) ([]Result, error) {
	defs, err := e.defs.ListEnabled(ctx, device.ID)
	if err != nil {
		return nil, errors.New(err).
			Component("synthetic").
			Category(errors.CategoryDatabase).
			Context("device_id", device.ExternalID).
			Build()
	}
	if len(defs) == 0 {
		return nil, nil
	}

	bindings := Bindings(r)
	stat := &expression.StatContext{
		DeviceID: device.ID,
		Now:      r.Timestamp,
		History:  e.store,
		Timeout:  e.queryTimeout,
	}

	results := make([]Result, 0, len(defs))
	for i := range defs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		def := &defs[i]
		value, err := e.engine.Evaluate(ctx, def.Expression, bindings, stat)
		if err != nil {
			e.fail(def, device, "evaluation", err)
			continue
		}
		if err := e.store.SaveDerived(ctx, device.ID, def.Name, entities.DataSourceSynthetic, value, r.Timestamp); err != nil {
			e.fail(def, device, "storage", err)
			continue
		}
		e.derived.Inc()
		e.log.Debug("synthetic variable computed",
			logger.String("device_id", device.ExternalID),
			logger.String("name", def.Name),
			logger.String("value", value.String()))
		results = append(results, Result{Name: def.Name, Value: value})
	}
	return results, nil
}

func (e *Evaluator) fail(def *entities.SyntheticVariable, device *entities.Device, reason string, err error) {
	e.failures.WithLabelValues(reason).Inc()
	v, _ := e.limiters.LoadOrStore(def.ID, &rate.Sometimes{First: 1, Interval: time.Minute})
	v.(*rate.Sometimes).Do(func() {
		e.log.Warn("synthetic variable failed",
			logger.Uint64("definition_id", uint64(def.ID)),
			logger.String("name", def.Name),
			logger.String("device_id", device.ExternalID),
			logger.String("reason", reason),
			logger.Error(err))
	})
}
