package alerting

import "github.com/sensorvision/telemetry/internal/datastore/v2/entities"

// Schema describes what a rule may be built from, for rule editors.
type Schema struct {
	Operators  []OperatorSchema `json:"operators"`
	Severities []SeveritySchema `json:"severities"`
}

// OperatorSchema describes one comparison operator.
type OperatorSchema struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Label  string `json:"label"`
}

// SeveritySchema describes one alert severity and the deviation that
// produces it.
type SeveritySchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var operatorLabels = map[string]string{
	OperatorGreaterThan:    "greater than",
	OperatorGreaterOrEqual: "greater than or equal to",
	OperatorLessThan:       "less than",
	OperatorLessOrEqual:    "less than or equal to",
	OperatorEqual:          "equal to",
	OperatorNotEqual:       "not equal to",
}

// GetSchema returns the rule-building catalog.
func GetSchema() Schema {
	ops := make([]OperatorSchema, 0, len(Operators))
	for _, op := range Operators {
		ops = append(ops, OperatorSchema{Name: op, Symbol: Symbol(op), Label: operatorLabels[op]})
	}
	return Schema{
		Operators: ops,
		Severities: []SeveritySchema{
			{Name: entities.SeverityLow, Description: "deviation up to 50% of the threshold"},
			{Name: entities.SeverityMedium, Description: "deviation above 50% of the threshold, or a zero threshold"},
			{Name: entities.SeverityHigh, Description: "deviation above 100% of the threshold"},
			{Name: entities.SeverityCritical, Description: "deviation above 200% of the threshold"},
		},
	}
}
