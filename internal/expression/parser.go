package expression

import (
	"slices"
	"strings"
	"time"

	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/shopspring/decimal"
)

type node interface {
	eval(s *evalState) (decimal.Decimal, error)
	position() int
}

type numberNode struct {
	value decimal.Decimal
	pos   int
}

type stringNode struct {
	value string
	pos   int
}

type identNode struct {
	name string
	pos  int
}

type unaryNode struct {
	op      string
	operand node
	pos     int
}

type binaryNode struct {
	op          string
	left, right node
	pos         int
}

type callNode struct {
	fn   *function
	args []node
	pos  int
}

// statCallNode queries history. window is zero when windowExpr must be
// evaluated as a number of minutes.
type statCallNode struct {
	fn         *statFunction
	variable   string
	window     time.Duration
	windowExpr node
	pos        int
}

func (n *numberNode) position() int   { return n.pos }
func (n *stringNode) position() int   { return n.pos }
func (n *identNode) position() int    { return n.pos }
func (n *unaryNode) position() int    { return n.pos }
func (n *binaryNode) position() int   { return n.pos }
func (n *callNode) position() int     { return n.pos }
func (n *statCallNode) position() int { return n.pos }

// Program is a compiled expression. It is immutable and safe for concurrent use.
type Program struct {
	source    string
	root      node
	variables []string
	usesStats bool
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Variables returns the identifiers the program reads from its bindings, sorted.
func (p *Program) Variables() []string { return slices.Clone(p.variables) }

// UsesStatistics reports whether evaluation needs a StatContext.
func (p *Program) UsesStatistics() bool { return p.usesStats }

type parser struct {
	tokens    []token
	pos       int
	usesStats bool
}

func compile(src string) (*Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &Error{Kind: ErrEmpty, Pos: -1}
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, newError(ErrSyntax, tok.pos, "unexpected %q", tok.text)
	}

	seen := make(map[string]struct{})
	collectIdents(root, seen)
	vars := make([]string, 0, len(seen))
	for name := range seen {
		vars = append(vars, name)
	}
	slices.Sort(vars)
	return &Program{source: src, root: root, variables: vars, usesStats: p.usesStats}, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) acceptOp(ops ...string) (token, bool) {
	tok := p.peek()
	if tok.kind == tokOperator && slices.Contains(ops, tok.text) {
		p.pos++
		return tok, true
	}
	return tok, false
}

// binaryLevel parses one left-associative precedence level.
func (p *parser) binaryLevel(operand func() (node, error), ops ...string) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.acceptOp(ops...)
		if !ok {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tok.text, left: left, right: right, pos: tok.pos}
	}
}

func (p *parser) parseOr() (node, error) { return p.binaryLevel(p.parseAnd, "||") }

func (p *parser) parseAnd() (node, error) { return p.binaryLevel(p.parseComparison, "&&") }

func (p *parser) parseComparison() (node, error) {
	return p.binaryLevel(p.parseAdditive, "==", "!=", ">", "<", ">=", "<=")
}

func (p *parser) parseAdditive() (node, error) { return p.binaryLevel(p.parseTerm, "+", "-") }

func (p *parser) parseTerm() (node, error) { return p.binaryLevel(p.parseUnary, "*", "/") }

func (p *parser) parseUnary() (node, error) {
	if tok, ok := p.acceptOp("-", "!", "+"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if tok.text == "+" {
			return operand, nil
		}
		return &unaryNode{op: tok.text, operand: operand, pos: tok.pos}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		v, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, newError(ErrSyntax, tok.pos, "invalid number %q", tok.text)
		}
		return &numberNode{value: v, pos: tok.pos}, nil
	case tokString:
		return &stringNode{value: tok.text, pos: tok.pos}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			p.next()
			return p.parseCall(tok)
		}
		return &identNode{name: tok.text, pos: tok.pos}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, newError(ErrSyntax, closing.pos, "missing closing parenthesis")
		}
		return inner, nil
	case tokEOF:
		return nil, newError(ErrSyntax, tok.pos, "unexpected end of expression")
	default:
		return nil, newError(ErrSyntax, tok.pos, "unexpected %q", tok.text)
	}
}

// parseCall parses the argument list after "name(" and binds the function.
func (p *parser) parseCall(name token) (node, error) {
	var args []node
	if p.peek().kind == tokRParen {
		p.next()
	} else {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			tok := p.next()
			if tok.kind == tokRParen {
				break
			}
			if tok.kind != tokComma {
				return nil, newError(ErrSyntax, tok.pos, "expected ',' or ')' in call to %s", name.text)
			}
		}
	}

	key := strings.ToLower(name.text)
	if sf, ok := statFunctions[key]; ok && isStatisticalCall(key, args) {
		n, err := p.bindStatCall(sf, name, args)
		if err != nil {
			return nil, err
		}
		p.usesStats = true
		return n, nil
	}

	fn, ok := functions[key]
	if !ok {
		return nil, newError(ErrUnknownFunction, name.pos, "%s", name.text)
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, newError(ErrArity, name.pos, "%s takes %s, got %d", fn.info.Name, fn.arity(), len(args))
	}
	return &callNode{fn: fn, args: args, pos: name.pos}, nil
}

// isStatisticalCall separates min/max over history from the variadic math
// versions: the history form needs exactly two arguments with a quoted
// variable name or a quoted window code.
func isStatisticalCall(name string, args []node) bool {
	if _, shared := functions[name]; !shared {
		return true
	}
	if len(args) != 2 {
		return false
	}
	_, quotedName := args[0].(*stringNode)
	_, quotedWindow := args[1].(*stringNode)
	return quotedName || quotedWindow
}

func (p *parser) bindStatCall(sf *statFunction, name token, args []node) (*statCallNode, error) {
	if len(args) != 2 {
		return nil, newError(ErrArity, name.pos, "%s takes (variable, window), got %d arguments", sf.info.Name, len(args))
	}
	n := &statCallNode{fn: sf, pos: name.pos}
	switch arg := args[0].(type) {
	case *identNode:
		n.variable = arg.name
	case *stringNode:
		n.variable = strings.TrimSpace(arg.value)
	default:
		return nil, newError(ErrSyntax, arg.position(), "%s expects a variable name as first argument", sf.info.Name)
	}
	if n.variable == "" {
		return nil, newError(ErrSyntax, args[0].position(), "%s expects a variable name as first argument", sf.info.Name)
	}

	switch arg := args[1].(type) {
	case *stringNode:
		d, err := parseWindow(arg.value)
		if err != nil {
			return nil, &Error{Kind: ErrDomain, Pos: arg.pos, Detail: "invalid time window " + arg.value, Cause: err}
		}
		n.window = d
	case *numberNode:
		d, err := minutesWindow(arg.value)
		if err != nil {
			return nil, &Error{Kind: ErrDomain, Pos: arg.pos, Detail: "invalid time window", Cause: err}
		}
		n.window = d
	default:
		n.windowExpr = arg
	}
	return n, nil
}

// parseWindow accepts duration codes such as "15m", "1h", "7d" and bare
// minute counts such as "30".
func parseWindow(code string) (time.Duration, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if v, err := decimal.NewFromString(code); err == nil {
		return minutesWindow(v)
	}
	d, err := conf.ParseDuration(code)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errNonPositiveWindow
	}
	return d, nil
}

func minutesWindow(minutes decimal.Decimal) (time.Duration, error) {
	if !minutes.IsPositive() {
		return 0, errNonPositiveWindow
	}
	return time.Duration(minutes.Mul(decimal.NewFromInt(int64(time.Minute))).IntPart()), nil
}

// collectIdents gathers the identifiers read from bindings. Statistical
// variable names are not bindings.
func collectIdents(n node, into map[string]struct{}) {
	switch n := n.(type) {
	case *identNode:
		into[n.name] = struct{}{}
	case *unaryNode:
		collectIdents(n.operand, into)
	case *binaryNode:
		collectIdents(n.left, into)
		collectIdents(n.right, into)
	case *callNode:
		for _, arg := range n.args {
			collectIdents(arg, into)
		}
	case *statCallNode:
		if n.windowExpr != nil {
			collectIdents(n.windowExpr, into)
		}
	}
}
