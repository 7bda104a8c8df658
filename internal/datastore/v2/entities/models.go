package entities

// All returns every model in migration order.
func All() []any {
	return []any{
		&Organization{},
		&Device{},
		&Variable{},
		&VariableValue{},
		&Rule{},
		&SyntheticVariable{},
		&Alert{},
	}
}
