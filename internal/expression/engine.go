// Package expression compiles and evaluates the arithmetic, logic and
// statistical expression language used by synthetic variables.
package expression

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

// DefaultCacheTTL is how long an unused compiled program stays cached.
const DefaultCacheTTL = 30 * time.Minute

type compiled struct {
	program *Program
	err     error
}

// Engine compiles expressions once and evaluates them many times.
type Engine struct {
	programs *cache.Cache
}

// NewEngine creates an Engine. A non-positive ttl uses DefaultCacheTTL.
func NewEngine(ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Engine{programs: cache.New(ttl, 2*ttl)}
}

// Compile parses src, reusing a cached result when available. Compile
// failures are cached too so a broken definition is parsed once per TTL.
func (e *Engine) Compile(src string) (*Program, error) {
	if v, ok := e.programs.Get(src); ok {
		c := v.(compiled)
		return c.program, c.err
	}
	program, err := compile(src)
	e.programs.SetDefault(src, compiled{program: program, err: err})
	return program, err
}

// Validate reports whether src compiles.
func (e *Engine) Validate(src string) error {
	_, err := e.Compile(src)
	return err
}

// Evaluate compiles src and evaluates it. stat may be nil when the
// expression uses no statistical functions.
func (e *Engine) Evaluate(ctx context.Context, src string, bindings map[string]decimal.Decimal, stat *StatContext) (decimal.Decimal, error) {
	program, err := e.Compile(src)
	if err != nil {
		return decimal.Zero, err
	}
	return program.Evaluate(ctx, bindings, stat)
}

// Functions returns the catalog of callable functions.
func (e *Engine) Functions() []FunctionInfo {
	return Catalog()
}

// Evaluate runs the program. Every identifier must be bound; a missing one
// fails the whole evaluation rather than defaulting.
func (p *Program) Evaluate(ctx context.Context, bindings map[string]decimal.Decimal, stat *StatContext) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	for _, name := range p.variables {
		if _, ok := bindings[name]; !ok {
			return decimal.Zero, newError(ErrUnknownVariable, -1, "%s", name)
		}
	}
	if p.usesStats && (stat == nil || stat.History == nil) {
		return decimal.Zero, &Error{Kind: ErrNoStatContext, Pos: -1}
	}
	return p.root.eval(&evalState{ctx: ctx, bindings: bindings, stat: stat})
}
