// Package alerting evaluates threshold rules against readings and hands the
// resulting alerts to the notification side.
package alerting

// Rule operators as stored on entities.Rule.
const (
	OperatorGreaterThan    = "GT"
	OperatorGreaterOrEqual = "GTE"
	OperatorLessThan       = "LT"
	OperatorLessOrEqual    = "LTE"
	OperatorEqual          = "EQ"
	OperatorNotEqual       = "NE"
)

// operatorSymbols renders operators in alert messages.
var operatorSymbols = map[string]string{
	OperatorGreaterThan:    ">",
	OperatorGreaterOrEqual: ">=",
	OperatorLessThan:       "<",
	OperatorLessOrEqual:    "<=",
	OperatorEqual:          "=",
	OperatorNotEqual:       "!=",
}

// Operators lists every supported operator in display order.
var Operators = []string{
	OperatorGreaterThan,
	OperatorGreaterOrEqual,
	OperatorLessThan,
	OperatorLessOrEqual,
	OperatorEqual,
	OperatorNotEqual,
}

// ValidOperator reports whether op is a supported operator.
func ValidOperator(op string) bool {
	_, ok := operatorSymbols[op]
	return ok
}

// Symbol returns the display form of op, or op itself when unknown.
func Symbol(op string) string {
	if s, ok := operatorSymbols[op]; ok {
		return s
	}
	return op
}
