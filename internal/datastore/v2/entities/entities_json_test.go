package entities

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// API consumers rely on snake_case keys and on decimals surviving as exact strings.
func TestRuleJSONKeys(t *testing.T) {
	t.Parallel()

	rule := Rule{
		ID:            7,
		DeviceID:      3,
		Name:          "over voltage",
		Variable:      "voltage",
		Operator:      "GT",
		Threshold:     decimal.RequireFromString("240.5"),
		Enabled:       true,
		SendSMS:       true,
		SMSRecipients: datatypes.JSONSlice[string]{"+15550100"},
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(rule)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))

	for _, key := range []string{"id", "device_id", "name", "variable", "operator", "threshold", "enabled", "send_sms", "sms_recipients", "created_at"} {
		assert.Contains(t, m, key)
	}
	assert.NotContains(t, m, "Device")
	assert.Equal(t, "240.5", m["threshold"])
}

func TestVariableJSON_NullLastValue(t *testing.T) {
	t.Parallel()

	v := Variable{ID: 1, Name: "kw_consumption", DisplayName: "Kw Consumption"}
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Nil(t, m["last_value"])
	assert.NotContains(t, m, "last_value_at")
	assert.Equal(t, "Kw Consumption", m["display_name"])
}

func TestDevice_IsOnline(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Device{Status: DeviceStatusOnline}).IsOnline())
	assert.False(t, (&Device{Status: DeviceStatusUnknown}).IsOnline())
}
