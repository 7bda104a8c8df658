package entities

import "time"

// SyntheticVariable derives a new variable from each reading of its device
// by evaluating Expression.
type SyntheticVariable struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DeviceID   uint      `gorm:"not null;index:idx_synthetic_device_enabled,priority:1" json:"device_id"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	Expression string    `gorm:"type:text;not null" json:"expression"`
	Unit       string    `gorm:"size:50;default:''" json:"unit"`
	Enabled    bool      `gorm:"not null;index:idx_synthetic_device_enabled,priority:2" json:"enabled"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	Device     Device    `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM.
func (SyntheticVariable) TableName() string {
	return "synthetic_variables"
}
