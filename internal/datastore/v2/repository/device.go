package repository

import (
	"context"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
)

// DeviceRepository handles organizations and devices.
type DeviceRepository interface {
	// Organizations
	FindOrganizationByName(ctx context.Context, name string) (*entities.Organization, error)
	GetOrganization(ctx context.Context, id uint) (*entities.Organization, error)
	CreateOrganization(ctx context.Context, org *entities.Organization) error

	// Devices
	FindDevice(ctx context.Context, organizationID uint, externalID string) (*entities.Device, error)
	GetDevice(ctx context.Context, id uint) (*entities.Device, error)
	CreateDevice(ctx context.Context, device *entities.Device) error
	ListDevices(ctx context.Context, filter DeviceFilter) ([]entities.Device, error)

	// Status
	MarkOnline(ctx context.Context, id uint, seenAt time.Time) (cameOnline bool, err error)
	MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]entities.Device, error)
	UpdateMetadata(ctx context.Context, id uint, meta DeviceMetadata) error
}

// DeviceFilter controls device listing queries.
type DeviceFilter struct {
	OrganizationID uint
	Status         string
}

// DeviceMetadata carries optional descriptive fields reported by a device.
// Empty fields are left untouched.
type DeviceMetadata struct {
	Location        string
	SensorType      string
	FirmwareVersion string
}

// IsEmpty reports whether no field is set.
func (m DeviceMetadata) IsEmpty() bool {
	return m.Location == "" && m.SensorType == "" && m.FirmwareVersion == ""
}
