// Package errs defines the fatal error categories raised by the policy core.
package errs

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for handling by the caller.
type Kind string

const (
	// KindPrecondition marks malformed input shape or range.
	KindPrecondition Kind = "precondition"
	// KindConfiguration marks an invalid model construction.
	KindConfiguration Kind = "configuration"
	// KindState marks a control-flow bug in the caller.
	KindState Kind = "state"
)

// Error is a categorized error carrying the failing operation and optional
// key/value context.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Context map[string]string
	Cause   error
}

// Sentinels for errors.Is checks. Any *Error with the same Kind matches.
var (
	ErrPrecondition  = &Error{Kind: KindPrecondition}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrState         = &Error{Kind: KindState}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Context[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so callers can test against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// With adds a context key/value pair and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = fmt.Sprint(value)
	return e
}

// Wrap sets the underlying cause and returns the error for chaining.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Precondition(op, format string, args ...any) *Error {
	return newError(KindPrecondition, op, format, args...)
}

func Configuration(op, format string, args ...any) *Error {
	return newError(KindConfiguration, op, format, args...)
}

func State(op, format string, args ...any) *Error {
	return newError(KindState, op, format, args...)
}
