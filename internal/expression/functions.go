package expression

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Function categories.
const (
	CategoryMath        = "math"
	CategoryLogic       = "logic"
	CategoryStatistical = "statistical"
)

// FunctionInfo describes a callable function.
type FunctionInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Syntax      string `json:"syntax"`
	Description string `json:"description"`
}

type function struct {
	info    FunctionInfo
	minArgs int
	maxArgs int // -1 for variadic

	eager func(args []decimal.Decimal) (decimal.Decimal, error)
	lazy  func(s *evalState, args []node) (decimal.Decimal, error)
}

func (f *function) arity() string {
	switch {
	case f.maxArgs < 0:
		return fmt.Sprintf("at least %d arguments", f.minArgs)
	case f.minArgs == f.maxArgs:
		return fmt.Sprintf("%d arguments", f.minArgs)
	default:
		return fmt.Sprintf("%d to %d arguments", f.minArgs, f.maxArgs)
	}
}

type statFunction struct {
	info   FunctionInfo
	reduce func(values []decimal.Decimal, window time.Duration) (decimal.Decimal, error)
}

// functions and statFunctions are keyed by lower-case name.
var (
	functions     = map[string]*function{}
	statFunctions = map[string]*statFunction{}
)

func register(fn *function) {
	functions[strings.ToLower(fn.info.Name)] = fn
}

func registerStat(fn *statFunction) {
	statFunctions[strings.ToLower(fn.info.Name)] = fn
}

func init() {
	registerMath()
	registerLogic()
	registerStatistical()
}

// floatFunc adapts a float64 function. valid reports whether the argument
// lies in the function's domain.
func floatFunc(name, desc string, f func(float64) float64, valid func(float64) bool) *function {
	return &function{
		info:    FunctionInfo{Name: name, Category: CategoryMath, Syntax: name + "(x)", Description: desc},
		minArgs: 1,
		maxArgs: 1,
		eager: func(args []decimal.Decimal) (decimal.Decimal, error) {
			x := args[0].InexactFloat64()
			if valid != nil && !valid(x) {
				return zero, newError(ErrDomain, -1, "%s(%s)", name, args[0].String())
			}
			return fromFloat(name, f(x))
		},
	}
}

func fromFloat(name string, v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return zero, newError(ErrDomain, -1, "%s result is not finite", name)
	}
	return decimal.NewFromFloat(v), nil
}

func registerMath() {
	register(floatFunc("sqrt", "Square root", math.Sqrt, func(x float64) bool { return x >= 0 }))
	register(floatFunc("log", "Natural logarithm", math.Log, func(x float64) bool { return x > 0 }))
	register(floatFunc("log10", "Base-10 logarithm", math.Log10, func(x float64) bool { return x > 0 }))
	register(floatFunc("exp", "e raised to x", math.Exp, nil))
	register(floatFunc("sin", "Sine of x radians", math.Sin, nil))
	register(floatFunc("cos", "Cosine of x radians", math.Cos, nil))
	register(floatFunc("tan", "Tangent of x radians", math.Tan, nil))
	register(floatFunc("asin", "Arc sine in radians", math.Asin, func(x float64) bool { return x >= -1 && x <= 1 }))
	register(floatFunc("acos", "Arc cosine in radians", math.Acos, func(x float64) bool { return x >= -1 && x <= 1 }))
	register(floatFunc("atan", "Arc tangent in radians", math.Atan, nil))

	register(&function{
		info:    FunctionInfo{Name: "pow", Category: CategoryMath, Syntax: "pow(base, exponent)", Description: "base raised to exponent"},
		minArgs: 2,
		maxArgs: 2,
		eager: func(args []decimal.Decimal) (decimal.Decimal, error) {
			base, exp := args[0], args[1]
			if exp.IsInteger() && exp.Abs().LessThanOrEqual(decimal.NewFromInt(math.MaxInt16)) {
				if base.IsZero() && exp.IsNegative() {
					return zero, newError(ErrDivisionByZero, -1, "pow(0, %s)", exp.String())
				}
				v, err := base.PowInt32(int32(exp.IntPart()))
				if err != nil {
					return zero, &Error{Kind: ErrDomain, Pos: -1, Detail: "pow", Cause: err}
				}
				return v, nil
			}
			return fromFloat("pow", math.Pow(base.InexactFloat64(), exp.InexactFloat64()))
		},
	})
	register(&function{
		info:    FunctionInfo{Name: "abs", Category: CategoryMath, Syntax: "abs(x)", Description: "Absolute value"},
		minArgs: 1,
		maxArgs: 1,
		eager:   func(args []decimal.Decimal) (decimal.Decimal, error) { return args[0].Abs(), nil },
	})
	register(&function{
		info:    FunctionInfo{Name: "round", Category: CategoryMath, Syntax: "round(x[, places])", Description: "Round half away from zero"},
		minArgs: 1,
		maxArgs: 2,
		eager: func(args []decimal.Decimal) (decimal.Decimal, error) {
			places := int32(0)
			if len(args) == 2 {
				if !args[1].IsInteger() {
					return zero, newError(ErrDomain, -1, "round places must be an integer")
				}
				places = int32(args[1].IntPart())
			}
			return args[0].Round(places), nil
		},
	})
	register(&function{
		info:    FunctionInfo{Name: "floor", Category: CategoryMath, Syntax: "floor(x)", Description: "Largest integer not above x"},
		minArgs: 1,
		maxArgs: 1,
		eager:   func(args []decimal.Decimal) (decimal.Decimal, error) { return args[0].Floor(), nil },
	})
	register(&function{
		info:    FunctionInfo{Name: "ceil", Category: CategoryMath, Syntax: "ceil(x)", Description: "Smallest integer not below x"},
		minArgs: 1,
		maxArgs: 1,
		eager:   func(args []decimal.Decimal) (decimal.Decimal, error) { return args[0].Ceil(), nil },
	})
	register(&function{
		info:    FunctionInfo{Name: "min", Category: CategoryMath, Syntax: "min(a, b, ...)", Description: "Smallest argument"},
		minArgs: 1,
		maxArgs: -1,
		eager: func(args []decimal.Decimal) (decimal.Decimal, error) {
			return decimal.Min(args[0], args[1:]...), nil
		},
	})
	register(&function{
		info:    FunctionInfo{Name: "max", Category: CategoryMath, Syntax: "max(a, b, ...)", Description: "Largest argument"},
		minArgs: 1,
		maxArgs: -1,
		eager: func(args []decimal.Decimal) (decimal.Decimal, error) {
			return decimal.Max(args[0], args[1:]...), nil
		},
	})
}

func registerLogic() {
	register(&function{
		info:    FunctionInfo{Name: "if", Category: CategoryLogic, Syntax: "if(condition, then, else)", Description: "then when condition is non-zero, else otherwise"},
		minArgs: 3,
		maxArgs: 3,
		lazy: func(s *evalState, args []node) (decimal.Decimal, error) {
			cond, err := args[0].eval(s)
			if err != nil {
				return zero, err
			}
			if !cond.IsZero() {
				return args[1].eval(s)
			}
			return args[2].eval(s)
		},
	})
	register(&function{
		info:    FunctionInfo{Name: "and", Category: CategoryLogic, Syntax: "and(a, b, ...)", Description: "1 when every argument is non-zero"},
		minArgs: 1,
		maxArgs: -1,
		lazy: func(s *evalState, args []node) (decimal.Decimal, error) {
			for _, arg := range args {
				v, err := arg.eval(s)
				if err != nil {
					return zero, err
				}
				if v.IsZero() {
					return zero, nil
				}
			}
			return one, nil
		},
	})
	register(&function{
		info:    FunctionInfo{Name: "or", Category: CategoryLogic, Syntax: "or(a, b, ...)", Description: "1 when any argument is non-zero"},
		minArgs: 1,
		maxArgs: -1,
		lazy: func(s *evalState, args []node) (decimal.Decimal, error) {
			for _, arg := range args {
				v, err := arg.eval(s)
				if err != nil {
					return zero, err
				}
				if !v.IsZero() {
					return one, nil
				}
			}
			return zero, nil
		},
	})
	register(&function{
		info:    FunctionInfo{Name: "not", Category: CategoryLogic, Syntax: "not(x)", Description: "1 when x is zero"},
		minArgs: 1,
		maxArgs: 1,
		eager:   func(args []decimal.Decimal) (decimal.Decimal, error) { return truth(args[0].IsZero()), nil },
	})
}

func statInfo(name, desc string) FunctionInfo {
	return FunctionInfo{
		Name:        name,
		Category:    CategoryStatistical,
		Syntax:      name + "(variable, window)",
		Description: desc,
	}
}

func registerStatistical() {
	registerStat(&statFunction{info: statInfo("avg", "Mean over the window"), reduce: reduceAvg})
	registerStat(&statFunction{info: statInfo("movingAvg", "Moving average over the window"), reduce: reduceAvg})
	registerStat(&statFunction{info: statInfo("sum", "Sum over the window"), reduce: reduceSum})
	registerStat(&statFunction{info: statInfo("count", "Number of samples in the window"), reduce: reduceCount})
	registerStat(&statFunction{info: statInfo("min", "Smallest value in the window"), reduce: reduceMin})
	registerStat(&statFunction{info: statInfo("max", "Largest value in the window"), reduce: reduceMax})
	registerStat(&statFunction{info: statInfo("minTime", "Smallest value in the window"), reduce: reduceMin})
	registerStat(&statFunction{info: statInfo("maxTime", "Largest value in the window"), reduce: reduceMax})
	registerStat(&statFunction{info: statInfo("stddev", "Population standard deviation over the window"), reduce: reduceStddev})
	registerStat(&statFunction{info: statInfo("median", "Median over the window"), reduce: reduceMedian})
	registerStat(&statFunction{info: statInfo("rate", "Change per hour between first and last sample"), reduce: reduceRate})
	registerStat(&statFunction{info: statInfo("percentChange", "Percent change between first and last sample"), reduce: reducePercentChange})
}

func reduceSum(values []decimal.Decimal, _ time.Duration) (decimal.Decimal, error) {
	if len(values) == 0 {
		return zero, nil
	}
	return decimal.Sum(values[0], values[1:]...), nil
}

func reduceCount(values []decimal.Decimal, _ time.Duration) (decimal.Decimal, error) {
	return decimal.NewFromInt(int64(len(values))), nil
}

func reduceAvg(values []decimal.Decimal, w time.Duration) (decimal.Decimal, error) {
	if len(values) == 0 {
		return zero, nil
	}
	sum, _ := reduceSum(values, w)
	return sum.DivRound(decimal.NewFromInt(int64(len(values))), DivisionScale), nil
}

func reduceMin(values []decimal.Decimal, _ time.Duration) (decimal.Decimal, error) {
	if len(values) == 0 {
		return zero, nil
	}
	return decimal.Min(values[0], values[1:]...), nil
}

func reduceMax(values []decimal.Decimal, _ time.Duration) (decimal.Decimal, error) {
	if len(values) == 0 {
		return zero, nil
	}
	return decimal.Max(values[0], values[1:]...), nil
}

func reduceStddev(values []decimal.Decimal, w time.Duration) (decimal.Decimal, error) {
	if len(values) <= 1 {
		return zero, nil
	}
	mean, _ := reduceAvg(values, w)
	var squares decimal.Decimal
	for _, v := range values {
		d := v.Sub(mean)
		squares = squares.Add(d.Mul(d))
	}
	variance := squares.DivRound(decimal.NewFromInt(int64(len(values))), DivisionScale)
	return fromFloat("stddev", math.Sqrt(variance.InexactFloat64()))
}

func reduceMedian(values []decimal.Decimal, _ time.Duration) (decimal.Decimal, error) {
	if len(values) == 0 {
		return zero, nil
	}
	sorted := slices.Clone(values)
	slices.SortFunc(sorted, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	return sorted[mid-1].Add(sorted[mid]).DivRound(decimal.NewFromInt(2), DivisionScale), nil
}

func reduceRate(values []decimal.Decimal, w time.Duration) (decimal.Decimal, error) {
	if len(values) < 2 {
		return zero, nil
	}
	hours := int64(w / time.Hour)
	if hours < 1 {
		hours = 1
	}
	delta := values[len(values)-1].Sub(values[0])
	return delta.DivRound(decimal.NewFromInt(hours), DivisionScale), nil
}

func reducePercentChange(values []decimal.Decimal, _ time.Duration) (decimal.Decimal, error) {
	if len(values) < 2 || values[0].IsZero() {
		return zero, nil
	}
	first, last := values[0], values[len(values)-1]
	return last.Sub(first).Mul(decimal.NewFromInt(100)).DivRound(first, DivisionScale), nil
}

// Catalog lists every function, grouped by category then name.
func Catalog() []FunctionInfo {
	out := make([]FunctionInfo, 0, len(functions)+len(statFunctions))
	for _, fn := range functions {
		out = append(out, fn.info)
	}
	for _, fn := range statFunctions {
		out = append(out, fn.info)
	}
	slices.SortFunc(out, func(a, b FunctionInfo) int {
		if a.Category != b.Category {
			return strings.Compare(a.Category, b.Category)
		}
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out
}
