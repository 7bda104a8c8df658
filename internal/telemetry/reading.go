// Package telemetry defines the ingested reading and its durable store.
package telemetry

import (
	"maps"
	"strings"
	"time"

	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/shopspring/decimal"
)

// Well-known metadata keys applied to the device record on ingest.
const (
	MetaLocation        = "location"
	MetaSensorType      = "sensor_type"
	MetaFirmwareVersion = "firmware_version"
)

// Reading is one timestamped set of named values from a device. Treat it as
// immutable once constructed; NewReading takes private copies of the maps.
type Reading struct {
	DeviceID       string
	OrganizationID uint
	Timestamp      time.Time
	Values         map[string]decimal.Decimal
	Metadata       map[string]any
}

// NewReading builds a Reading with its timestamp normalized to UTC.
func NewReading(deviceID string, ts time.Time, values map[string]decimal.Decimal, metadata map[string]any) Reading {
	r := Reading{
		DeviceID:  strings.TrimSpace(deviceID),
		Timestamp: ts.UTC(),
		Values:    maps.Clone(values),
		Metadata:  maps.Clone(metadata),
	}
	if r.Values == nil {
		r.Values = map[string]decimal.Decimal{}
	}
	return r
}

// Validate checks the fields every reading must carry.
func (r Reading) Validate() error {
	if r.DeviceID == "" {
		return errors.Newf("reading has no device id").
			Component("telemetry").
			Category(errors.CategoryValidation).
			Build()
	}
	if r.Timestamp.IsZero() {
		return errors.Newf("reading for device %q has no timestamp", r.DeviceID).
			Component("telemetry").
			Category(errors.CategoryValidation).
			Context("device_id", r.DeviceID).
			Build()
	}
	for name := range r.Values {
		if strings.TrimSpace(name) == "" {
			return errors.Newf("reading for device %q has an empty variable name", r.DeviceID).
				Component("telemetry").
				Category(errors.CategoryValidation).
				Context("device_id", r.DeviceID).
				Build()
		}
	}
	return nil
}

// Value returns the named value and whether the reading carries it.
func (r Reading) Value(name string) (decimal.Decimal, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// MetadataString returns a metadata entry rendered as a trimmed string.
func (r Reading) MetadataString(key string) string {
	v, ok := r.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Sample is one historical value of a variable.
type Sample struct {
	Timestamp time.Time
	Value     decimal.Decimal
}
