package entities

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Rule raises an alert whenever a reading's variable satisfies the
// comparison against Threshold.
type Rule struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	OrganizationID uint                        `gorm:"not null;index" json:"organization_id"`
	DeviceID       uint                        `gorm:"not null;index:idx_rules_device_enabled,priority:1" json:"device_id"`
	Name           string                      `gorm:"size:255;not null" json:"name"`
	Description    string                      `gorm:"size:1000;default:''" json:"description"`
	Variable       string                      `gorm:"size:255;not null" json:"variable"`
	Operator       string                      `gorm:"size:4;not null" json:"operator"`
	Threshold      decimal.Decimal             `gorm:"type:decimal(24,8);not null" json:"threshold"`
	Enabled        bool                        `gorm:"not null;index:idx_rules_device_enabled,priority:2" json:"enabled"`
	SendSMS        bool                        `gorm:"not null;default:false" json:"send_sms"`
	SMSRecipients  datatypes.JSONSlice[string] `json:"sms_recipients,omitempty"`
	CreatedAt      time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
	Device         Device                      `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM.
func (Rule) TableName() string {
	return "rules"
}
