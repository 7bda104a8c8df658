package entities

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Variable data sources.
const (
	DataSourceAuto      = "AUTO"
	DataSourceSynthetic = "SYNTHETIC"
)

// DataTypeNumber is the only data type readings currently carry.
const DataTypeNumber = "NUMBER"

// Variable is a named measurement channel of a device. It caches the most
// recent value so dashboards need not scan the history.
type Variable struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	DeviceID    uint                `gorm:"not null;uniqueIndex:idx_variables_device_name,priority:1" json:"device_id"`
	Name        string              `gorm:"size:255;not null;uniqueIndex:idx_variables_device_name,priority:2" json:"name"`
	DisplayName string              `gorm:"size:255;not null" json:"display_name"`
	DataType    string              `gorm:"size:20;not null;default:'NUMBER'" json:"data_type"`
	DataSource  string              `gorm:"size:20;not null;default:'AUTO'" json:"data_source"`
	Unit        string              `gorm:"size:50;default:''" json:"unit"`
	LastValue   decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"last_value"`
	LastValueAt *time.Time          `json:"last_value_at,omitempty"`
	CreatedAt   time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
	Device      Device              `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM.
func (Variable) TableName() string {
	return "variables"
}

// VariableValue is one append-only sample of a variable.
type VariableValue struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	VariableID uint              `gorm:"not null;index:idx_variable_values_var_ts,priority:1" json:"variable_id"`
	Timestamp  time.Time         `gorm:"not null;index:idx_variable_values_var_ts,priority:2" json:"timestamp"`
	Value      decimal.Decimal   `gorm:"type:decimal(24,8);not null" json:"value"`
	Context    datatypes.JSONMap `json:"context,omitempty"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	Variable   Variable          `gorm:"foreignKey:VariableID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM.
func (VariableValue) TableName() string {
	return "variable_values"
}
