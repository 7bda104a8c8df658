package synthetic

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/expression"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/provisioning"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/sensorvision/telemetry/internal/testutil/dbtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func values(kv map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(kv))
	for k, v := range kv {
		out[k] = decimal.RequireFromString(v)
	}
	return out
}

type fixture struct {
	db     *gorm.DB
	device *entities.Device
	defs   repository.SyntheticVariableRepository
	store  *telemetry.Store
	eval   *Evaluator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	_, device := dbtest.SeedDevice(t, db, "acme", "meter-1")

	variables := repository.NewVariableRepository(db)
	resolver := provisioning.NewResolver(repository.NewDeviceRepository(db), variables, time.Minute, logger.Discard())
	store := telemetry.NewStore(resolver, variables, logger.Discard())
	defs := repository.NewSyntheticVariableRepository(db)

	eval, err := NewEvaluator(defs, expression.NewEngine(0), store, time.Second, nil, logger.Discard())
	require.NoError(t, err)
	return &fixture{db: db, device: device, defs: defs, store: store, eval: eval}
}

func (f *fixture) define(t *testing.T, name, expr string) {
	t.Helper()
	require.NoError(t, f.defs.Create(t.Context(), &entities.SyntheticVariable{
		DeviceID:   f.device.ID,
		Name:       name,
		Expression: expr,
		Enabled:    true,
	}))
}

func TestBindings_DefaultsAndAliases(t *testing.T) {
	r := telemetry.NewReading("m", time.Now(), values(map[string]string{
		"kw_consumption": "12.5",
		"temperature":    "21",
	}), nil)

	b := Bindings(r)
	assert.True(t, b[FieldKWConsumption].Equal(decimal.RequireFromString("12.5")))
	assert.True(t, b["kw_consumption"].Equal(decimal.RequireFromString("12.5")))
	assert.True(t, b["temperature"].Equal(decimal.NewFromInt(21)))
	for _, f := range []string{FieldVoltage, FieldCurrent, FieldPowerFactor, FieldFrequency} {
		assert.True(t, b[f].IsZero(), "%s should default to zero", f)
	}
}

func TestBindings_CanonicalWinsOverAlias(t *testing.T) {
	r := telemetry.NewReading("m", time.Now(), values(map[string]string{
		"powerFactor":  "0.9",
		"power_factor": "0.5",
	}), nil)

	b := Bindings(r)
	assert.True(t, b[FieldPowerFactor].Equal(decimal.RequireFromString("0.9")))
	assert.True(t, b["power_factor"].Equal(decimal.RequireFromString("0.5")))
}

func TestEvaluator_RecordsDerivedValue(t *testing.T) {
	f := newFixture(t)
	f.define(t, "apparentPower", "voltage * current")

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := telemetry.NewReading("meter-1", at, values(map[string]string{"voltage": "230", "current": "2.5"}), nil)

	results, err := f.eval.Apply(t.Context(), f.device, r)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, decimal.RequireFromString("575").Equal(results[0].Value))

	var variable entities.Variable
	require.NoError(t, f.db.Where("device_id = ? AND name = ?", f.device.ID, "apparentPower").First(&variable).Error)
	assert.Equal(t, entities.DataSourceSynthetic, variable.DataSource)
	require.True(t, variable.LastValue.Valid)
	assert.True(t, decimal.RequireFromString("575").Equal(variable.LastValue.Decimal))
}

func TestEvaluator_FailingDefinitionIsolated(t *testing.T) {
	f := newFixture(t)
	f.define(t, "broken", "voltage / 0")
	f.define(t, "ghost", "voltage + ghost")
	f.define(t, "ok", "voltage * 2")

	r := telemetry.NewReading("meter-1", time.Now(), values(map[string]string{"voltage": "100"}), nil)
	results, err := f.eval.Apply(t.Context(), f.device, r)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Name)
	assert.InDelta(t, 2, testutil.ToFloat64(f.eval.failures.WithLabelValues("evaluation")), 0)

	// Failed definitions leave no derived variable or value behind.
	var failed int64
	require.NoError(t, f.db.Model(&entities.Variable{}).
		Where("device_id = ? AND name IN ?", f.device.ID, []string{"broken", "ghost"}).
		Count(&failed).Error)
	assert.Zero(t, failed)

	var derived []string
	require.NoError(t, f.db.Model(&entities.VariableValue{}).
		Joins("JOIN variables ON variables.id = variable_values.variable_id").
		Where("variables.device_id = ? AND variables.data_source = ?", f.device.ID, entities.DataSourceSynthetic).
		Pluck("variables.name", &derived).Error)
	assert.Equal(t, []string{"ok"}, derived)
}

func TestEvaluator_StatisticsOverHistory(t *testing.T) {
	f := newFixture(t)
	f.define(t, "avgVoltage", `avg("voltage", "1h")`)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, v := range []string{"220", "230", "240"} {
		r := telemetry.NewReading("meter-1", base.Add(time.Duration(i-3)*10*time.Minute), values(map[string]string{"voltage": v}), nil)
		r.OrganizationID = f.device.OrganizationID
		require.NoError(t, f.store.Save(t.Context(), r))
	}

	current := telemetry.NewReading("meter-1", base, values(map[string]string{"voltage": "1000"}), nil)
	results, err := f.eval.Apply(t.Context(), f.device, current)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, decimal.NewFromInt(230).Equal(results[0].Value), "window excludes the current instant, got %s", results[0].Value)
}

func TestEvaluator_DisabledDefinitionsSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.defs.Create(t.Context(), &entities.SyntheticVariable{
		DeviceID:   f.device.ID,
		Name:       "off",
		Expression: "1",
		Enabled:    false,
	}))

	results, err := f.eval.Apply(t.Context(), f.device, telemetry.NewReading("meter-1", time.Now(), nil, nil))
	require.NoError(t, err)
	assert.Empty(t, results)
}

type failingDefs struct {
	repository.SyntheticVariableRepository
}

func (failingDefs) ListEnabled(context.Context, uint) ([]entities.SyntheticVariable, error) {
	return nil, errors.NewStd("table locked")
}

func TestEvaluator_LoadFailureReturned(t *testing.T) {
	eval, err := NewEvaluator(failingDefs{}, expression.NewEngine(0), nil, time.Second, nil, logger.Discard())
	require.NoError(t, err)

	_, err = eval.Apply(t.Context(), &entities.Device{ID: 1, ExternalID: "m"}, telemetry.NewReading("m", time.Now(), nil, nil))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
}
