package repository

import (
	"context"
	"fmt"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/errors"
	"gorm.io/gorm"
)

type syntheticVariableRepository struct {
	db *gorm.DB
}

// NewSyntheticVariableRepository creates a new SyntheticVariableRepository.
func NewSyntheticVariableRepository(db *gorm.DB) SyntheticVariableRepository {
	return &syntheticVariableRepository{db: db}
}

func (r *syntheticVariableRepository) ListEnabled(ctx context.Context, deviceID uint) ([]entities.SyntheticVariable, error) {
	var defs []entities.SyntheticVariable
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND enabled = ?", deviceID, true).
		Order("id ASC").
		Find(&defs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list synthetic variables for device %d: %w", deviceID, err)
	}
	return defs, nil
}

func (r *syntheticVariableRepository) List(ctx context.Context, deviceID uint) ([]entities.SyntheticVariable, error) {
	var defs []entities.SyntheticVariable
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id ASC").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("failed to list synthetic variables for device %d: %w", deviceID, err)
	}
	return defs, nil
}

func (r *syntheticVariableRepository) Get(ctx context.Context, id uint) (*entities.SyntheticVariable, error) {
	var def entities.SyntheticVariable
	if err := r.db.WithContext(ctx).First(&def, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSyntheticVariableNotFound
		}
		return nil, fmt.Errorf("failed to get synthetic variable %d: %w", id, err)
	}
	return &def, nil
}

func (r *syntheticVariableRepository) Create(ctx context.Context, def *entities.SyntheticVariable) error {
	if err := r.db.WithContext(ctx).Omit("Device").Create(def).Error; err != nil {
		return fmt.Errorf("failed to create synthetic variable %q: %w", def.Name, err)
	}
	return nil
}

func (r *syntheticVariableRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&entities.SyntheticVariable{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete synthetic variable %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSyntheticVariableNotFound
	}
	return nil
}
