// Package mqtt subscribes to device telemetry topics and feeds the decoded
// readings into the ingest pipeline.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/shopspring/decimal"
)

// telemetrySuffix is the last topic level of telemetry messages.
const telemetrySuffix = "telemetry"

// Payload is the JSON body of a telemetry message. DeviceID falls back to
// the topic's device segment and Timestamp to the receive time.
type Payload struct {
	DeviceID  string                         `json:"deviceId"`
	Timestamp *time.Time                     `json:"timestamp"`
	Variables map[string]decimal.NullDecimal `json:"variables"`
	Metadata  map[string]any                 `json:"metadata"`
}

// TopicFilter returns the subscription filter for prefix.
func TopicFilter(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/+/" + telemetrySuffix
}

// DeviceFromTopic extracts the device segment of <prefix>/<device>/telemetry.
func DeviceFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !ok {
		return "", false
	}
	device, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != telemetrySuffix || device == "" {
		return "", false
	}
	return device, true
}

// ParseMessage decodes a telemetry message into a reading. Null variables
// are skipped.
func ParseMessage(prefix, topic string, body []byte, received time.Time) (telemetry.Reading, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return telemetry.Reading{}, errors.New(err).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Context("topic", topic).
			Build()
	}

	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		deviceID, _ = DeviceFromTopic(prefix, topic)
	}
	ts := received
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		ts = *p.Timestamp
	}

	values := make(map[string]decimal.Decimal, len(p.Variables))
	for name, v := range p.Variables {
		if v.Valid {
			values[name] = v.Decimal
		}
	}
	return telemetry.NewReading(deviceID, ts, values, p.Metadata), nil
}
