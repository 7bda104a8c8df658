package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// Alert severities, lowest first.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Alert records one firing of a Rule.
type Alert struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UUID           string          `gorm:"size:36;not null;uniqueIndex" json:"uuid"`
	RuleID         uint            `gorm:"not null;index:idx_alerts_rule_created,priority:1" json:"rule_id"`
	DeviceID       uint            `gorm:"not null;index" json:"device_id"`
	Severity       string          `gorm:"size:10;not null" json:"severity"`
	Message        string          `gorm:"size:1000;not null" json:"message"`
	TriggeredValue decimal.Decimal `gorm:"type:decimal(24,8);not null" json:"triggered_value"`
	Acknowledged   bool            `gorm:"not null;default:false" json:"acknowledged"`
	CreatedAt      time.Time       `gorm:"not null;index:idx_alerts_rule_created,priority:2" json:"created_at"`
	Rule           Rule            `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM.
func (Alert) TableName() string {
	return "alerts"
}
