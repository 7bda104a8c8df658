package alerting

import (
	"fmt"
	"strings"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/shopspring/decimal"
)

// ErrUnknownOperator is returned for a rule operator outside Operators.
var ErrUnknownOperator = errors.NewStd("unknown rule operator")

// Deviation ratios above which a firing escalates to the next severity.
var (
	criticalDeviation = decimal.NewFromInt(2)
	highDeviation     = decimal.NewFromInt(1)
	mediumDeviation   = decimal.RequireFromString("0.5")
)

// Compare applies op to value and threshold.
func Compare(op string, value, threshold decimal.Decimal) (bool, error) {
	switch op {
	case OperatorGreaterThan:
		return value.GreaterThan(threshold), nil
	case OperatorGreaterOrEqual:
		return value.GreaterThanOrEqual(threshold), nil
	case OperatorLessThan:
		return value.LessThan(threshold), nil
	case OperatorLessOrEqual:
		return value.LessThanOrEqual(threshold), nil
	case OperatorEqual:
		return value.Equal(threshold), nil
	case OperatorNotEqual:
		return !value.Equal(threshold), nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// Severity grades a firing by how far value lies from threshold relative to
// the threshold's magnitude. A zero threshold has no scale and rates MEDIUM.
func Severity(value, threshold decimal.Decimal) string {
	scale := threshold.Abs()
	if scale.IsZero() {
		return entities.SeverityMedium
	}
	deviation := value.Sub(threshold).Abs().DivRound(scale, 4)
	switch {
	case deviation.GreaterThan(criticalDeviation):
		return entities.SeverityCritical
	case deviation.GreaterThan(highDeviation):
		return entities.SeverityHigh
	case deviation.GreaterThan(mediumDeviation):
		return entities.SeverityMedium
	default:
		return entities.SeverityLow
	}
}

// Message renders the human-readable alert text.
func Message(rule *entities.Rule, value decimal.Decimal) string {
	return fmt.Sprintf("Rule '%s' triggered: %s %s %s (actual: %s)",
		rule.Name, rule.Variable, Symbol(rule.Operator), rule.Threshold.String(), value.String())
}

// ValidateRule checks the fields the evaluator depends on.
func ValidateRule(rule *entities.Rule) error {
	var problems []string
	if strings.TrimSpace(rule.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(rule.Variable) == "" {
		problems = append(problems, "variable is required")
	}
	if !ValidOperator(rule.Operator) {
		problems = append(problems, fmt.Sprintf("operator must be one of %s", strings.Join(Operators, ", ")))
	}
	if rule.DeviceID == 0 {
		problems = append(problems, "device_id is required")
	}
	if rule.SendSMS && len(rule.SMSRecipients) == 0 {
		problems = append(problems, "sms_recipients required when send_sms is set")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid rule: %s", strings.Join(problems, "; ")).
		Component("alerting").
		Category(errors.CategoryValidation).
		Build()
}
