package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRuleRepo is a minimal in-memory mock of RuleRepository.
type mockRuleRepo struct {
	rules   []entities.Rule
	alerts  []entities.Alert
	loadErr error
	saveErr error
	cutoffs []time.Time
	mu      sync.Mutex
}

func newMockRepo(rules ...entities.Rule) *mockRuleRepo {
	return &mockRuleRepo{rules: rules}
}

func (m *mockRuleRepo) GetEnabledRules(_ context.Context, deviceID uint) ([]entities.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	var out []entities.Rule
	for i := range m.rules {
		if m.rules[i].Enabled && m.rules[i].DeviceID == deviceID {
			out = append(out, m.rules[i])
		}
	}
	return out, nil
}

func (m *mockRuleRepo) SaveAlert(_ context.Context, a *entities.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	a.ID = uint(len(m.alerts)) + 1 //nolint:gosec // test mock, no overflow risk
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *mockRuleRepo) DeleteAlertsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, before)
	return 0, nil
}

// Unused methods, present to satisfy the interface.
func (m *mockRuleRepo) ListRules(_ context.Context, _ repository.RuleFilter) ([]entities.Rule, error) {
	return m.rules, nil
}
func (m *mockRuleRepo) GetRule(_ context.Context, _ uint) (*entities.Rule, error) {
	return nil, repository.ErrRuleNotFound
}
func (m *mockRuleRepo) CreateRule(_ context.Context, _ *entities.Rule) error { return nil }
func (m *mockRuleRepo) UpdateRule(_ context.Context, _ *entities.Rule) error { return nil }
func (m *mockRuleRepo) DeleteRule(_ context.Context, _ uint) error          { return nil }
func (m *mockRuleRepo) ToggleRule(_ context.Context, _ uint, _ bool) error  { return nil }
func (m *mockRuleRepo) ListAlerts(_ context.Context, _ repository.AlertFilter) ([]entities.Alert, int64, error) {
	return m.alerts, int64(len(m.alerts)), nil
}
func (m *mockRuleRepo) AcknowledgeAlert(_ context.Context, _ uint) error { return nil }

var testDevice = &entities.Device{ID: 7, OrganizationID: 1, ExternalID: "meter-7"}

func gtRule(id uint, variable, threshold string) entities.Rule {
	return entities.Rule{
		ID:        id,
		DeviceID:  testDevice.ID,
		Name:      "High " + variable,
		Variable:  variable,
		Operator:  OperatorGreaterThan,
		Threshold: decimal.RequireFromString(threshold),
		Enabled:   true,
	}
}

func testReading(values map[string]string) telemetry.Reading {
	parsed := make(map[string]decimal.Decimal, len(values))
	for k, v := range values {
		parsed[k] = decimal.RequireFromString(v)
	}
	return telemetry.NewReading(testDevice.ExternalID, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), parsed, nil)
}

func newTestEngine(t *testing.T, repo *mockRuleRepo, bus *AlertBus) *Engine {
	t.Helper()
	engine, err := NewEngine(repo, bus, nil, logger.Discard())
	require.NoError(t, err)
	engine.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC) }
	return engine
}

func TestEngine_ThresholdExceededFiresOnce(t *testing.T) {
	repo := newMockRepo(gtRule(1, "kwConsumption", "100"))
	engine := newTestEngine(t, repo, nil)

	alerts, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"kwConsumption": "150"}))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Len(t, repo.alerts, 1)

	alert := repo.alerts[0]
	assert.Equal(t, uint(1), alert.RuleID)
	assert.Equal(t, testDevice.ID, alert.DeviceID)
	assert.Equal(t, entities.SeverityLow, alert.Severity)
	assert.Equal(t, "Rule 'High kwConsumption' triggered: kwConsumption > 100 (actual: 150)", alert.Message)
	assert.True(t, decimal.RequireFromString("150").Equal(alert.TriggeredValue))
	assert.Len(t, alert.UUID, 36)
	assert.Equal(t, time.UTC, alert.CreatedAt.Location())
}

func TestEngine_ThresholdNotExceeded(t *testing.T) {
	repo := newMockRepo(gtRule(1, "kwConsumption", "100"))
	engine := newTestEngine(t, repo, nil)

	alerts, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"kwConsumption": "50"}))
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Empty(t, repo.alerts)
}

func TestEngine_EverySatisfyingReadingAlerts(t *testing.T) {
	repo := newMockRepo(gtRule(1, "voltage", "240"))
	engine := newTestEngine(t, repo, nil)

	for range 3 {
		_, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "250"}))
		require.NoError(t, err)
	}
	assert.Len(t, repo.alerts, 3, "no de-duplication between consecutive readings")
}

func TestEngine_AbsentVariableSkipped(t *testing.T) {
	repo := newMockRepo(gtRule(1, "current", "10"), gtRule(2, "voltage", "200"))
	engine := newTestEngine(t, repo, nil)

	alerts, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "230"}))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, uint(2), alerts[0].RuleID)
}

func TestEngine_DisabledAndForeignRulesIgnored(t *testing.T) {
	disabled := gtRule(1, "voltage", "0")
	disabled.Enabled = false
	foreign := gtRule(2, "voltage", "0")
	foreign.DeviceID = 99
	repo := newMockRepo(disabled, foreign)
	engine := newTestEngine(t, repo, nil)

	alerts, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "230"}))
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestEngine_InvalidOperatorSkipped(t *testing.T) {
	bad := gtRule(1, "voltage", "0")
	bad.Operator = "XX"
	repo := newMockRepo(bad, gtRule(2, "voltage", "0"))
	engine := newTestEngine(t, repo, nil)

	alerts, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "1"}))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, uint(2), alerts[0].RuleID)
}

func TestEngine_LoadFailureReturned(t *testing.T) {
	repo := newMockRepo()
	repo.loadErr = errors.NewStd("connection reset")
	engine := newTestEngine(t, repo, nil)

	_, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "1"}))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
}

func TestEngine_SaveFailureStillPublishes(t *testing.T) {
	repo := newMockRepo(gtRule(1, "voltage", "100"))
	repo.saveErr = errors.NewStd("disk full")
	bus := NewAlertBus(logger.Discard())
	defer bus.Stop()

	received := make(chan *AlertEvent, 1)
	bus.Subscribe(func(e *AlertEvent) { received <- e })

	engine := newTestEngine(t, repo, bus)
	alerts, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "400"}))
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	select {
	case e := <-received:
		assert.Equal(t, entities.SeverityCritical, e.Alert.Severity)
		assert.Equal(t, "meter-7", e.DeviceExternalID)
		assert.Equal(t, uint(1), e.OrganizationID)
	case <-time.After(time.Second):
		require.Fail(t, "alert was not published")
	}
}

func TestEngine_SMSRecipientsOnlyWhenRequested(t *testing.T) {
	sms := gtRule(1, "voltage", "100")
	sms.SendSMS = true
	sms.SMSRecipients = []string{"+15550100"}
	quiet := gtRule(2, "voltage", "100")
	quiet.SMSRecipients = []string{"+15550199"}

	repo := newMockRepo(sms, quiet)
	bus := NewAlertBus(logger.Discard())

	var mu sync.Mutex
	got := map[uint][]string{}
	bus.Subscribe(func(e *AlertEvent) {
		mu.Lock()
		got[e.Alert.RuleID] = e.SMSRecipients
		mu.Unlock()
	})

	engine := newTestEngine(t, repo, bus)
	_, err := engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "101"}))
	require.NoError(t, err)
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"+15550100"}, got[1])
	assert.Nil(t, got[2])
}

func TestEngine_TriggeredCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := newMockRepo(gtRule(1, "voltage", "100"))
	engine, err := NewEngine(repo, nil, reg, logger.Discard())
	require.NoError(t, err)

	_, err = engine.Apply(t.Context(), testDevice, testReading(map[string]string{"voltage": "250"}))
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(engine.triggered.WithLabelValues(entities.SeverityHigh)), 0)
}

func TestEngine_RetentionPurge(t *testing.T) {
	repo := newMockRepo()
	engine := newTestEngine(t, repo, nil)

	engine.purge(30)
	require.Len(t, repo.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 1, 30, 12, 0, 1, 0, time.UTC), repo.cutoffs[0])
}

func TestEngine_StartRetentionDisabledForZero(t *testing.T) {
	engine := newTestEngine(t, newMockRepo(), nil)
	engine.StartRetention(0)
	assert.Nil(t, engine.cleanupStop)

	engine.StartRetention(7)
	assert.NotNil(t, engine.cleanupStop)
	engine.Stop()
	engine.Stop()
	assert.Nil(t, engine.cleanupStop)
}
