package expression

import (
	"context"
	"time"

	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/shopspring/decimal"
)

// DivisionScale is the number of fractional digits kept by division.
const DivisionScale = 10

var (
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// History answers window queries for statistical functions.
type History interface {
	// QueryWindow returns samples with from <= timestamp < to, oldest first.
	QueryWindow(ctx context.Context, deviceID uint, variable string, from, to time.Time) ([]telemetry.Sample, error)
}

// StatContext scopes statistical functions to one device and instant.
type StatContext struct {
	DeviceID uint
	Now      time.Time
	History  History
	// Timeout bounds each history query in addition to the caller's context.
	Timeout time.Duration
}

type evalState struct {
	ctx      context.Context
	bindings map[string]decimal.Decimal
	stat     *StatContext
}

func truth(b bool) decimal.Decimal {
	if b {
		return one
	}
	return zero
}

func (n *numberNode) eval(*evalState) (decimal.Decimal, error) { return n.value, nil }

func (n *stringNode) eval(*evalState) (decimal.Decimal, error) {
	return zero, newError(ErrSyntax, n.pos, "string %q is not a number", n.value)
}

func (n *identNode) eval(s *evalState) (decimal.Decimal, error) {
	v, ok := s.bindings[n.name]
	if !ok {
		return zero, newError(ErrUnknownVariable, n.pos, "%s", n.name)
	}
	return v, nil
}

func (n *unaryNode) eval(s *evalState) (decimal.Decimal, error) {
	v, err := n.operand.eval(s)
	if err != nil {
		return zero, err
	}
	if n.op == "!" {
		return truth(v.IsZero()), nil
	}
	return v.Neg(), nil
}

func (n *binaryNode) eval(s *evalState) (decimal.Decimal, error) {
	left, err := n.left.eval(s)
	if err != nil {
		return zero, err
	}
	// Logical operators short-circuit.
	switch n.op {
	case "&&":
		if left.IsZero() {
			return zero, nil
		}
	case "||":
		if !left.IsZero() {
			return one, nil
		}
	}
	right, err := n.right.eval(s)
	if err != nil {
		return zero, err
	}

	switch n.op {
	case "+":
		return left.Add(right), nil
	case "-":
		return left.Sub(right), nil
	case "*":
		return left.Mul(right), nil
	case "/":
		return divide(left, right, n.pos)
	case "&&", "||":
		return truth(!right.IsZero()), nil
	case "==":
		return truth(left.Equal(right)), nil
	case "!=":
		return truth(!left.Equal(right)), nil
	case ">":
		return truth(left.GreaterThan(right)), nil
	case "<":
		return truth(left.LessThan(right)), nil
	case ">=":
		return truth(left.GreaterThanOrEqual(right)), nil
	case "<=":
		return truth(left.LessThanOrEqual(right)), nil
	}
	return zero, newError(ErrSyntax, n.pos, "unknown operator %q", n.op)
}

func divide(a, b decimal.Decimal, pos int) (decimal.Decimal, error) {
	if b.IsZero() {
		return zero, newError(ErrDivisionByZero, pos, "")
	}
	return a.DivRound(b, DivisionScale), nil
}

func (n *callNode) eval(s *evalState) (decimal.Decimal, error) {
	if n.fn.lazy != nil {
		return n.fn.lazy(s, n.args)
	}
	args := make([]decimal.Decimal, len(n.args))
	for i, arg := range n.args {
		v, err := arg.eval(s)
		if err != nil {
			return zero, err
		}
		args[i] = v
	}
	v, err := n.fn.eager(args)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Pos < 0 {
			e.Pos = n.pos
		}
		return zero, err
	}
	return v, nil
}

func (n *statCallNode) eval(s *evalState) (decimal.Decimal, error) {
	if s.stat == nil || s.stat.History == nil {
		return zero, newError(ErrNoStatContext, n.pos, "%s", n.fn.info.Name)
	}
	window := n.window
	if n.windowExpr != nil {
		minutes, err := n.windowExpr.eval(s)
		if err != nil {
			return zero, err
		}
		if window, err = minutesWindow(minutes); err != nil {
			return zero, &Error{Kind: ErrDomain, Pos: n.windowExpr.position(), Detail: "invalid time window", Cause: err}
		}
	}

	ctx := s.ctx
	if s.stat.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stat.Timeout)
		defer cancel()
	}
	to := s.stat.Now
	samples, err := s.stat.History.QueryWindow(ctx, s.stat.DeviceID, n.variable, to.Add(-window), to)
	if err != nil {
		return zero, &Error{Kind: ErrQuery, Pos: n.pos, Detail: n.variable, Cause: err}
	}
	values := make([]decimal.Decimal, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	return n.fn.reduce(values, window)
}
