package repository

import (
	"strings"

	"github.com/sensorvision/telemetry/internal/errors"
	"gorm.io/gorm"
)

// Sentinel errors returned by the repositories.
var (
	ErrOrganizationNotFound      = errors.NewStd("organization not found")
	ErrDeviceNotFound            = errors.NewStd("device not found")
	ErrVariableNotFound          = errors.NewStd("variable not found")
	ErrRuleNotFound              = errors.NewStd("rule not found")
	ErrAlertNotFound             = errors.NewStd("alert not found")
	ErrSyntheticVariableNotFound = errors.NewStd("synthetic variable not found")

	// ErrDuplicateKey reports an insert that lost a race on a unique key.
	ErrDuplicateKey = errors.NewStd("duplicate key")
)

// IsDuplicateKey reports whether err is a unique-constraint violation from
// any supported driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "Error 1062")
}

// IsNotFound reports whether err is any repository not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrVariableNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrAlertNotFound) ||
		errors.Is(err, ErrSyntheticVariableNotFound)
}
