package entities

import "time"

// Device status values.
const (
	DeviceStatusOnline  = "ONLINE"
	DeviceStatusOffline = "OFFLINE"
	DeviceStatusUnknown = "UNKNOWN"
)

// Device is a field device identified by ExternalID within its organization.
type Device struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	OrganizationID  uint         `gorm:"not null;uniqueIndex:idx_devices_org_external,priority:1" json:"organization_id"`
	ExternalID      string       `gorm:"size:255;not null;uniqueIndex:idx_devices_org_external,priority:2" json:"external_id"`
	Name            string       `gorm:"size:255;not null" json:"name"`
	Status          string       `gorm:"size:16;not null;default:'UNKNOWN';index" json:"status"`
	LastSeenAt      *time.Time   `gorm:"index" json:"last_seen_at,omitempty"`
	Location        string       `gorm:"size:255;default:''" json:"location"`
	SensorType      string       `gorm:"size:100;default:''" json:"sensor_type"`
	FirmwareVersion string       `gorm:"size:100;default:''" json:"firmware_version"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	Organization    Organization `gorm:"foreignKey:OrganizationID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM.
func (Device) TableName() string {
	return "devices"
}

// IsOnline reports whether the device is currently marked online.
func (d *Device) IsOnline() bool {
	return d.Status == DeviceStatusOnline
}
