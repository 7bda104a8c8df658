package repository

import (
	"context"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/shopspring/decimal"
)

// VariableRepository handles variables and their append-only value history.
type VariableRepository interface {
	FindVariable(ctx context.Context, deviceID uint, name string) (*entities.Variable, error)
	CreateVariable(ctx context.Context, variable *entities.Variable) error
	ListVariables(ctx context.Context, deviceID uint) ([]entities.Variable, error)

	// AppendValues inserts values in chunks. It does not touch last-value caches.
	AppendValues(ctx context.Context, values []entities.VariableValue) error
	// UpdateLastValue applies the cache update only when the stored timestamp
	// is null or not after at. Reports whether the row changed.
	UpdateLastValue(ctx context.Context, variableID uint, value decimal.Decimal, at time.Time) (bool, error)
	// QueryValues returns samples of a device variable with from <= timestamp < to,
	// oldest first.
	QueryValues(ctx context.Context, deviceID uint, name string, from, to time.Time) ([]entities.VariableValue, error)
	DeleteValuesBefore(ctx context.Context, before time.Time) (int64, error)
}
