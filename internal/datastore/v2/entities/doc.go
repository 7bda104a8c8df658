// Package entities defines the gorm models persisted by the telemetry store.
package entities
