package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/testutil/dbtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func createTestRule(t *testing.T, repo RuleRepository, device *entities.Device, name string, enabled bool) *entities.Rule {
	t.Helper()
	rule := &entities.Rule{
		OrganizationID: device.OrganizationID,
		DeviceID:       device.ID,
		Name:           name,
		Variable:       "voltage",
		Operator:       "GT",
		Threshold:      decimal.NewFromInt(240),
		Enabled:        enabled,
	}
	require.NoError(t, repo.CreateRule(t.Context(), rule))
	return rule
}

func TestRuleRepository_CreateAndGet(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRuleRepository(db)
	ctx := t.Context()
	_, device := dbtest.SeedDevice(t, db, "acme", "meter-1")

	rule := &entities.Rule{
		OrganizationID: device.OrganizationID,
		DeviceID:       device.ID,
		Name:           "Over voltage",
		Variable:       "voltage",
		Operator:       "GTE",
		Threshold:      decimal.RequireFromString("240.25"),
		Enabled:        true,
		SendSMS:        true,
		SMSRecipients:  datatypes.JSONSlice[string]{"+15550100", "+15550101"},
	}
	require.NoError(t, repo.CreateRule(ctx, rule))
	assert.NotZero(t, rule.ID)

	got, err := repo.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Over voltage", got.Name)
	assert.Equal(t, "GTE", got.Operator)
	assert.True(t, got.Threshold.Equal(decimal.RequireFromString("240.25")))
	assert.True(t, got.SendSMS)
	assert.Equal(t, []string{"+15550100", "+15550101"}, []string(got.SMSRecipients))

	_, err = repo.GetRule(ctx, 9999)
	require.ErrorIs(t, err, ErrRuleNotFound)
}

func TestRuleRepository_EnabledRulesPerDevice(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRuleRepository(db)
	ctx := t.Context()
	_, d1 := dbtest.SeedDevice(t, db, "acme", "meter-1")
	_, d2 := dbtest.SeedDevice(t, db, "acme", "meter-2")

	createTestRule(t, repo, d1, "on", true)
	off := createTestRule(t, repo, d1, "off", false)
	createTestRule(t, repo, d2, "other device", true)

	rules, err := repo.GetEnabledRules(ctx, d1.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "on", rules[0].Name)

	require.NoError(t, repo.ToggleRule(ctx, off.ID, true))
	rules, err = repo.GetEnabledRules(ctx, d1.ID)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	require.ErrorIs(t, repo.ToggleRule(ctx, 9999, true), ErrRuleNotFound)
}

func TestRuleRepository_UpdateAndDelete(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRuleRepository(db)
	ctx := t.Context()
	_, device := dbtest.SeedDevice(t, db, "acme", "meter-1")
	rule := createTestRule(t, repo, device, "original", true)

	rule.Name = "updated"
	rule.Threshold = decimal.NewFromInt(250)
	require.NoError(t, repo.UpdateRule(ctx, rule))

	got, err := repo.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Name)
	assert.True(t, got.Threshold.Equal(decimal.NewFromInt(250)))

	require.Error(t, repo.UpdateRule(ctx, &entities.Rule{}))

	require.NoError(t, repo.DeleteRule(ctx, rule.ID))
	require.ErrorIs(t, repo.DeleteRule(ctx, rule.ID), ErrRuleNotFound)
}

func TestRuleRepository_Alerts(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewRuleRepository(db)
	ctx := t.Context()
	_, device := dbtest.SeedDevice(t, db, "acme", "meter-1")
	rule := createTestRule(t, repo, device, "r", true)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		alert := &entities.Alert{
			UUID:           uuid.NewString(),
			RuleID:         rule.ID,
			DeviceID:       device.ID,
			Severity:       entities.SeverityLow,
			Message:        "m",
			TriggeredValue: decimal.NewFromInt(int64(241 + i)),
			CreatedAt:      now.Add(time.Duration(-i) * 24 * time.Hour),
		}
		require.NoError(t, repo.SaveAlert(ctx, alert))
	}

	items, total, err := repo.ListAlerts(ctx, AlertFilter{RuleID: rule.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 2)
	assert.True(t, items[0].CreatedAt.After(items[1].CreatedAt), "newest first")

	require.NoError(t, repo.AcknowledgeAlert(ctx, items[0].ID))
	require.ErrorIs(t, repo.AcknowledgeAlert(ctx, 9999), ErrAlertNotFound)

	deleted, err := repo.DeleteAlertsBefore(ctx, now.Add(-36*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
