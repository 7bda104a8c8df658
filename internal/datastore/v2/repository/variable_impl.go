package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// appendChunkSize bounds the rows per INSERT statement.
const appendChunkSize = 500

type variableRepository struct {
	db *gorm.DB
}

// NewVariableRepository creates a new VariableRepository.
func NewVariableRepository(db *gorm.DB) VariableRepository {
	return &variableRepository{db: db}
}

func (r *variableRepository) FindVariable(ctx context.Context, deviceID uint, name string) (*entities.Variable, error) {
	var v entities.Variable
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND name = ?", deviceID, name).
		Take(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVariableNotFound
		}
		return nil, fmt.Errorf("failed to find variable %q: %w", name, err)
	}
	return &v, nil
}

// CreateVariable returns ErrDuplicateKey if (device, name) exists.
func (r *variableRepository) CreateVariable(ctx context.Context, variable *entities.Variable) error {
	if variable.DataType == "" {
		variable.DataType = entities.DataTypeNumber
	}
	if variable.DataSource == "" {
		variable.DataSource = entities.DataSourceAuto
	}
	if err := r.db.WithContext(ctx).Omit("Device").Create(variable).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("failed to create variable %q: %w", variable.Name, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create variable %q: %w", variable.Name, err)
	}
	return nil
}

func (r *variableRepository) ListVariables(ctx context.Context, deviceID uint) ([]entities.Variable, error) {
	var vars []entities.Variable
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("name ASC").Find(&vars).Error; err != nil {
		return nil, fmt.Errorf("failed to list variables for device %d: %w", deviceID, err)
	}
	return vars, nil
}

func (r *variableRepository) AppendValues(ctx context.Context, values []entities.VariableValue) error {
	if len(values) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Omit("Variable").CreateInBatches(values, appendChunkSize).Error; err != nil {
		return fmt.Errorf("failed to append %d variable values: %w", len(values), err)
	}
	return nil
}

func (r *variableRepository) UpdateLastValue(ctx context.Context, variableID uint, value decimal.Decimal, at time.Time) (bool, error) {
	at = at.UTC()
	result := r.db.WithContext(ctx).Model(&entities.Variable{}).
		Where("id = ? AND (last_value_at IS NULL OR last_value_at <= ?)", variableID, at).
		Updates(map[string]any{
			"last_value":    value,
			"last_value_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update last value of variable %d: %w", variableID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *variableRepository) QueryValues(ctx context.Context, deviceID uint, name string, from, to time.Time) ([]entities.VariableValue, error) {
	var values []entities.VariableValue
	err := r.db.WithContext(ctx).
		Joins("JOIN variables ON variables.id = variable_values.variable_id").
		Where("variables.device_id = ? AND variables.name = ?", deviceID, name).
		Where("variable_values.timestamp >= ? AND variable_values.timestamp < ?", from.UTC(), to.UTC()).
		Order("variable_values.timestamp ASC").
		Find(&values).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query values of %q: %w", name, err)
	}
	return values, nil
}

func (r *variableRepository) DeleteValuesBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&entities.VariableValue{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete variable values before %v: %w", before, result.Error)
	}
	return result.RowsAffected, nil
}
