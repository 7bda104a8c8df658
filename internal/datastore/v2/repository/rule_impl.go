package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/errors"
	"gorm.io/gorm"
)

type ruleRepository struct {
	db *gorm.DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *gorm.DB) RuleRepository {
	return &ruleRepository{db: db}
}

// ListRules returns rules matching the given filter.
func (r *ruleRepository) ListRules(ctx context.Context, filter RuleFilter) ([]entities.Rule, error) {
	var rules []entities.Rule
	query := r.db.WithContext(ctx)

	if filter.OrganizationID > 0 {
		query = query.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.DeviceID > 0 {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}

	if err := query.Order("id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// GetRule returns ErrRuleNotFound if the rule does not exist.
func (r *ruleRepository) GetRule(ctx context.Context, id uint) (*entities.Rule, error) {
	var rule entities.Rule
	if err := r.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return &rule, nil
}

func (r *ruleRepository) CreateRule(ctx context.Context, rule *entities.Rule) error {
	if err := r.db.WithContext(ctx).Omit("Device").Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (r *ruleRepository) UpdateRule(ctx context.Context, rule *entities.Rule) error {
	if rule.ID == 0 {
		return fmt.Errorf("failed to update rule: missing rule ID")
	}
	result := r.db.WithContext(ctx).Omit("Device", "CreatedAt").Save(rule)
	if result.Error != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, result.Error)
	}
	return nil
}

// DeleteRule deletes a rule; its alerts go with it via cascade.
func (r *ruleRepository) DeleteRule(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&entities.Rule{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepository) ToggleRule(ctx context.Context, id uint, enabled bool) error {
	result := r.db.WithContext(ctx).Model(&entities.Rule{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("failed to toggle rule %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *ruleRepository) GetEnabledRules(ctx context.Context, deviceID uint) ([]entities.Rule, error) {
	enabled := true
	return r.ListRules(ctx, RuleFilter{DeviceID: deviceID, Enabled: &enabled})
}

func (r *ruleRepository) SaveAlert(ctx context.Context, alert *entities.Alert) error {
	if err := r.db.WithContext(ctx).Omit("Rule").Create(alert).Error; err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts matching the filter, newest first, with the total count.
func (r *ruleRepository) ListAlerts(ctx context.Context, filter AlertFilter) ([]entities.Alert, int64, error) {
	var items []entities.Alert
	var total int64

	scope := func(q *gorm.DB) *gorm.DB {
		if filter.RuleID > 0 {
			q = q.Where("rule_id = ?", filter.RuleID)
		}
		if filter.DeviceID > 0 {
			q = q.Where("device_id = ?", filter.DeviceID)
		}
		return q
	}

	if err := r.db.WithContext(ctx).Model(&entities.Alert{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	query := r.db.WithContext(ctx).Scopes(scope).Order("created_at DESC").Order("id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	return items, total, nil
}

func (r *ruleRepository) AcknowledgeAlert(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Model(&entities.Alert{}).Where("id = ?", id).Update("acknowledged", true)
	if result.Error != nil {
		return fmt.Errorf("failed to acknowledge alert %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// DeleteAlertsBefore deletes alerts created before the given time.
func (r *ruleRepository) DeleteAlertsBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&entities.Alert{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete alerts before %v: %w", before, result.Error)
	}
	return result.RowsAffected, nil
}
