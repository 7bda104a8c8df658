package expression

import (
	"fmt"

	"github.com/sensorvision/telemetry/internal/errors"
)

// Error kinds. Match with errors.Is against an *Error.
var (
	ErrEmpty           = errors.NewStd("empty expression")
	ErrSyntax          = errors.NewStd("syntax error")
	ErrUnknownVariable = errors.NewStd("unknown variable")
	ErrUnknownFunction = errors.NewStd("unknown function")
	ErrArity           = errors.NewStd("wrong number of arguments")
	ErrDivisionByZero  = errors.NewStd("division by zero")
	ErrDomain          = errors.NewStd("argument out of domain")
	ErrNoStatContext   = errors.NewStd("statistical function requires a device context")
	ErrQuery           = errors.NewStd("history query failed")

	errNonPositiveWindow = errors.NewStd("window must be positive")
)

// Error describes a compile or evaluation failure. Pos is the byte offset in
// the source, or -1 when not applicable.
type Error struct {
	Kind   error
	Pos    int
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Pos >= 0 {
		msg = fmt.Sprintf("%s (at %d)", msg, e.Pos)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(kind error, pos int, format string, args ...any) *Error {
	return &Error{Kind: kind, Pos: pos, Detail: fmt.Sprintf(format, args...)}
}
