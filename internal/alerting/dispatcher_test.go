package alerting

import (
	"bytes"
	"testing"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	events []*AlertEvent
	err    error
}

func (m *mockSink) OnAlert(event *AlertEvent) error {
	m.events = append(m.events, event)
	return m.err
}

func testEvent() *AlertEvent {
	return &AlertEvent{
		Alert: entities.Alert{
			UUID:     "0b6f4f1e-3f7e-4f8c-9a63-1f1d5e0c2b11",
			RuleID:   3,
			Severity: entities.SeverityCritical,
			Message:  "Rule 'Overload' triggered: kwConsumption > 100 (actual: 350)",
		},
		RuleName:         "Overload",
		DeviceExternalID: "meter-1",
	}
}

func TestDispatcher_FansOutToEverySink(t *testing.T) {
	failing := &mockSink{err: errors.NewStd("smtp down")}
	healthy := &mockSink{}
	dispatcher := NewActionDispatcher(logger.Discard(), failing, healthy)

	dispatcher.Dispatch(testEvent())

	require.Len(t, failing.events, 1)
	require.Len(t, healthy.events, 1, "a failing sink does not block the others")
	assert.Equal(t, "meter-1", healthy.events[0].DeviceExternalID)
}

func TestDispatcher_SinkFunc(t *testing.T) {
	var got string
	dispatcher := NewActionDispatcher(logger.Discard(), AlertSinkFunc(func(e *AlertEvent) error {
		got = Title(e)
		return nil
	}))

	dispatcher.Dispatch(testEvent())
	assert.Equal(t, "[CRITICAL] Alert: Overload (meter-1)", got)
}

func TestLogSink_WritesAlert(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logger.NewSlogLogger(&buf, logger.LogLevelDebug, nil))

	event := testEvent()
	event.SMSRecipients = []string{"+15550100", "+15550101"}
	require.NoError(t, sink.OnAlert(event))

	out := buf.String()
	assert.Contains(t, out, "[CRITICAL] Alert: Overload (meter-1)")
	assert.Contains(t, out, `"sms_recipients":2`)
	assert.Contains(t, out, event.Alert.UUID)
}
