package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/expression"
	"github.com/sensorvision/telemetry/internal/testutil/dbtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newStoreRouter(t *testing.T) (*echo.Echo, *gorm.DB, *entities.Device) {
	t.Helper()
	db := dbtest.Open(t)
	_, device := dbtest.SeedDevice(t, db, "acme", "meter-1")
	e := newTestRouter(t, Dependencies{
		Ingest:      &mockIngester{},
		Expressions: expression.NewEngine(time.Minute),
		Devices:     repository.NewDeviceRepository(db),
		Rules:       repository.NewRuleRepository(db),
		Synthetics:  repository.NewSyntheticVariableRepository(db),
	})
	return e, db, device
}

func TestRules_Lifecycle(t *testing.T) {
	e, db, device := newStoreRouter(t)

	rec := do(t, e, http.MethodPost, "/api/v1/rules", fmt.Sprintf(`{
		"device_id": %d,
		"name": "Overvoltage",
		"variable": "voltage",
		"operator": "GT",
		"threshold": 250,
		"enabled": true
	}`, device.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := uint(created["id"].(float64))
	assert.InDelta(t, device.OrganizationID, created["organization_id"], 0, "organization comes from the device")

	rec = do(t, e, http.MethodGet, fmt.Sprintf("/api/v1/rules?device_id=%d&enabled=true", device.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, decode(t, rec)["count"], 0)

	rec = do(t, e, http.MethodPatch, fmt.Sprintf("/api/v1/rules/%d/toggle", id), `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, e, http.MethodGet, fmt.Sprintf("/api/v1/rules/%d", id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])

	rec = do(t, e, http.MethodPut, fmt.Sprintf("/api/v1/rules/%d", id), fmt.Sprintf(`{
		"device_id": %d,
		"name": "Overvoltage",
		"variable": "voltage",
		"operator": "GTE",
		"threshold": "245.5",
		"enabled": true
	}`, device.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stored entities.Rule
	require.NoError(t, db.First(&stored, id).Error)
	assert.Equal(t, "GTE", stored.Operator)
	assert.True(t, decimal.RequireFromString("245.5").Equal(stored.Threshold))

	rec = do(t, e, http.MethodDelete, fmt.Sprintf("/api/v1/rules/%d", id), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, e, http.MethodGet, fmt.Sprintf("/api/v1/rules/%d", id), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRules_Rejected(t *testing.T) {
	e, _, device := newStoreRouter(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{
			name: "unknown operator",
			body: fmt.Sprintf(`{"device_id":%d,"name":"x","variable":"voltage","operator":"ABOVE","threshold":1}`, device.ID),
			want: http.StatusBadRequest,
		},
		{
			name: "sms without recipients",
			body: fmt.Sprintf(`{"device_id":%d,"name":"x","variable":"voltage","operator":"GT","threshold":1,"send_sms":true}`, device.ID),
			want: http.StatusBadRequest,
		},
		{
			name: "unknown device",
			body: `{"device_id":9999,"name":"x","variable":"voltage","operator":"GT","threshold":1}`,
			want: http.StatusNotFound,
		},
		{
			name: "malformed body",
			body: `{"device_id":`,
			want: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, e, http.MethodPost, "/api/v1/rules", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, e, http.MethodPatch, "/api/v1/rules/4242/toggle", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, e, http.MethodGet, "/api/v1/rules/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlerts_ListAndAcknowledge(t *testing.T) {
	e, db, device := newStoreRouter(t)
	rules := repository.NewRuleRepository(db)
	ctx := t.Context()

	rule := &entities.Rule{
		OrganizationID: device.OrganizationID,
		DeviceID:       device.ID,
		Name:           "Overvoltage",
		Variable:       "voltage",
		Operator:       "GT",
		Threshold:      decimal.NewFromInt(250),
		Enabled:        true,
	}
	require.NoError(t, rules.CreateRule(ctx, rule))
	for i := range 3 {
		require.NoError(t, rules.SaveAlert(ctx, &entities.Alert{
			UUID:           fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i),
			RuleID:         rule.ID,
			DeviceID:       device.ID,
			Severity:       entities.SeverityLow,
			Message:        "voltage above threshold",
			TriggeredValue: decimal.NewFromInt(int64(260 + i)),
			CreatedAt:      time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
		}))
	}

	rec := do(t, e, http.MethodGet, fmt.Sprintf("/api/v1/alerts?rule_id=%d&limit=2", rule.ID), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.InDelta(t, 3, body["total"], 0)
	assert.InDelta(t, 2, body["limit"], 0)
	alerts, ok := body["alerts"].([]any)
	require.True(t, ok)
	require.Len(t, alerts, 2)

	first := alerts[0].(map[string]any)
	id := uint(first["id"].(float64))
	rec = do(t, e, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%d/acknowledge", id), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stored entities.Alert
	require.NoError(t, db.First(&stored, id).Error)
	assert.True(t, stored.Acknowledged)

	rec = do(t, e, http.MethodPost, "/api/v1/alerts/9999/acknowledge", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlerts_Schema(t *testing.T) {
	e, _, _ := newStoreRouter(t)

	rec := do(t, e, http.MethodGet, "/api/v1/alerts/schema", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body, "operators")
	assert.Contains(t, body, "severities")
}

func TestSyntheticVariables(t *testing.T) {
	e, _, device := newStoreRouter(t)
	base := fmt.Sprintf("/api/v1/devices/%d/synthetic-variables", device.ID)

	rec := do(t, e, http.MethodPost, base, `{"name":"power","expression":"voltage *","enabled":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "syntax error")

	rec = do(t, e, http.MethodPost, base, `{"name":"power","expression":"voltage * current","unit":"W","enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := uint(decode(t, rec)["id"].(float64))

	rec = do(t, e, http.MethodPost, "/api/v1/devices/9999/synthetic-variables", `{"name":"p","expression":"1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, e, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, decode(t, rec)["count"], 0)

	rec = do(t, e, http.MethodDelete, fmt.Sprintf("/api/v1/synthetic-variables/%d", id), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, e, http.MethodDelete, fmt.Sprintf("/api/v1/synthetic-variables/%d", id), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
