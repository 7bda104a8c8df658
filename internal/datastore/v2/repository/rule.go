package repository

import (
	"context"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
)

// RuleRepository handles threshold rules and the alerts they raise.
type RuleRepository interface {
	// Rule CRUD
	ListRules(ctx context.Context, filter RuleFilter) ([]entities.Rule, error)
	GetRule(ctx context.Context, id uint) (*entities.Rule, error)
	CreateRule(ctx context.Context, rule *entities.Rule) error
	UpdateRule(ctx context.Context, rule *entities.Rule) error
	DeleteRule(ctx context.Context, id uint) error
	ToggleRule(ctx context.Context, id uint, enabled bool) error

	// GetEnabledRules returns enabled rules of one device.
	GetEnabledRules(ctx context.Context, deviceID uint) ([]entities.Rule, error)

	// Alerts
	SaveAlert(ctx context.Context, alert *entities.Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]entities.Alert, int64, error)
	AcknowledgeAlert(ctx context.Context, id uint) error
	DeleteAlertsBefore(ctx context.Context, before time.Time) (int64, error)
}

// RuleFilter controls rule listing queries.
type RuleFilter struct {
	OrganizationID uint
	DeviceID       uint
	Enabled        *bool
}

// AlertFilter controls alert listing queries.
type AlertFilter struct {
	RuleID   uint
	DeviceID uint
	Limit    int
	Offset   int
}
