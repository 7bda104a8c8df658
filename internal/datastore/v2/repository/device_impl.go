package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/errors"
	"gorm.io/gorm"
)

type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// FindOrganizationByName returns ErrOrganizationNotFound when no row matches.
func (r *deviceRepository) FindOrganizationByName(ctx context.Context, name string) (*entities.Organization, error) {
	var org entities.Organization
	if err := r.db.WithContext(ctx).Where("name = ?", name).Take(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to find organization %q: %w", name, err)
	}
	return &org, nil
}

func (r *deviceRepository) GetOrganization(ctx context.Context, id uint) (*entities.Organization, error) {
	var org entities.Organization
	if err := r.db.WithContext(ctx).Take(&org, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization %d: %w", id, err)
	}
	return &org, nil
}

// CreateOrganization returns ErrDuplicateKey if the name already exists.
func (r *deviceRepository) CreateOrganization(ctx context.Context, org *entities.Organization) error {
	if err := r.db.WithContext(ctx).Create(org).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("failed to create organization %q: %w", org.Name, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create organization %q: %w", org.Name, err)
	}
	return nil
}

// FindDevice looks a device up by its natural key.
func (r *deviceRepository) FindDevice(ctx context.Context, organizationID uint, externalID string) (*entities.Device, error) {
	var device entities.Device
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND external_id = ?", organizationID, externalID).
		Take(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to find device %q: %w", externalID, err)
	}
	return &device, nil
}

func (r *deviceRepository) GetDevice(ctx context.Context, id uint) (*entities.Device, error) {
	var device entities.Device
	if err := r.db.WithContext(ctx).Take(&device, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device %d: %w", id, err)
	}
	return &device, nil
}

// CreateDevice returns ErrDuplicateKey if (organization, external id) exists.
func (r *deviceRepository) CreateDevice(ctx context.Context, device *entities.Device) error {
	if device.Status == "" {
		device.Status = entities.DeviceStatusUnknown
	}
	if err := r.db.WithContext(ctx).Omit("Organization").Create(device).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("failed to create device %q: %w", device.ExternalID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create device %q: %w", device.ExternalID, err)
	}
	return nil
}

func (r *deviceRepository) ListDevices(ctx context.Context, filter DeviceFilter) ([]entities.Device, error) {
	var devices []entities.Device
	query := r.db.WithContext(ctx)
	if filter.OrganizationID > 0 {
		query = query.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if err := query.Order("id ASC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// MarkOnline sets the device ONLINE and advances last_seen_at. cameOnline is
// true only for the writer that performed the transition.
func (r *deviceRepository) MarkOnline(ctx context.Context, id uint, seenAt time.Time) (bool, error) {
	db := r.db.WithContext(ctx)

	result := db.Model(&entities.Device{}).
		Where("id = ? AND status <> ?", id, entities.DeviceStatusOnline).
		Update("status", entities.DeviceStatusOnline)
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark device %d online: %w", id, result.Error)
	}
	cameOnline := result.RowsAffected > 0

	err := db.Model(&entities.Device{}).
		Where("id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", id, seenAt.UTC()).
		Update("last_seen_at", seenAt.UTC()).Error
	if err != nil {
		return cameOnline, fmt.Errorf("failed to update last seen for device %d: %w", id, err)
	}
	return cameOnline, nil
}

// MarkOfflineBefore flips ONLINE devices not seen since cutoff to OFFLINE and
// returns the devices it changed.
func (r *deviceRepository) MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]entities.Device, error) {
	var stale []entities.Device
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_seen_at < ?", entities.DeviceStatusOnline, cutoff.UTC()).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale devices: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	// Re-check the predicate per device so one that reported meanwhile stays
	// online and is not returned.
	changed := stale[:0]
	for _, d := range stale {
		result := r.db.WithContext(ctx).Model(&entities.Device{}).
			Where("id = ? AND status = ? AND last_seen_at < ?", d.ID, entities.DeviceStatusOnline, cutoff.UTC()).
			Update("status", entities.DeviceStatusOffline)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to mark device %d offline: %w", d.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		d.Status = entities.DeviceStatusOffline
		changed = append(changed, d)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return changed, nil
}

func (r *deviceRepository) UpdateMetadata(ctx context.Context, id uint, meta DeviceMetadata) error {
	if meta.IsEmpty() {
		return nil
	}
	updates := make(map[string]any, 3)
	if meta.Location != "" {
		updates["location"] = meta.Location
	}
	if meta.SensorType != "" {
		updates["sensor_type"] = meta.SensorType
	}
	if meta.FirmwareVersion != "" {
		updates["firmware_version"] = meta.FirmwareVersion
	}
	if err := r.db.WithContext(ctx).Model(&entities.Device{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update metadata for device %d: %w", id, err)
	}
	return nil
}
