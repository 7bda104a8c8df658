package repository

import (
	"context"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
)

// SyntheticVariableRepository handles synthetic variable definitions.
type SyntheticVariableRepository interface {
	ListEnabled(ctx context.Context, deviceID uint) ([]entities.SyntheticVariable, error)
	List(ctx context.Context, deviceID uint) ([]entities.SyntheticVariable, error)
	Get(ctx context.Context, id uint) (*entities.SyntheticVariable, error)
	Create(ctx context.Context, def *entities.SyntheticVariable) error
	Delete(ctx context.Context, id uint) error
}
