// Package diag defines the diagnostic kinds reported by compilation stages.
package diag

import (
	"fmt"
	"strings"
)

type (
	Kind int

	// Error is a single source-located diagnostic.
	Error struct {
		Kind Kind
		Msg  string
		Word string

		Line, Col int
	}

	// List collects independent diagnostics before a stage aborts.
	List struct {
		Errs []*Error
	}
)

const (
	Lex Kind = iota
	Parse
	UndefinedWord
	StackUnderflow
	InvalidStackEffect
	Type
	ControlStructure
	Redefinition
	SSA
	CodeGen
	Runtime
)

func New(k Kind, line, col int, format string, args ...interface{}) *Error {
	return &Error{
		Kind: k,
		Msg:  fmt.Sprintf(format, args...),
		Line: line,
		Col:  col,
	}
}

func Newf(k Kind, word, format string, args ...interface{}) *Error {
	return &Error{
		Kind: k,
		Msg:  fmt.Sprintf(format, args...),
		Word: word,
	}
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Kind.String())

	if e.Line != 0 {
		fmt.Fprintf(&b, " at %d:%d", e.Line, e.Col)
	}

	if e.Word != "" {
		fmt.Fprintf(&b, " in %q", e.Word)
	}

	b.WriteString(": ")
	b.WriteString(e.Msg)

	return b.String()
}

func (k Kind) String() string {
	switch k {
	case Lex:
		return "lex error"
	case Parse:
		return "parse error"
	case UndefinedWord:
		return "undefined word"
	case StackUnderflow:
		return "stack underflow"
	case InvalidStackEffect:
		return "invalid stack effect"
	case Type:
		return "type error"
	case ControlStructure:
		return "control structure mismatch"
	case Redefinition:
		return "redefinition"
	case SSA:
		return "ssa conversion error"
	case CodeGen:
		return "code generation error"
	case Runtime:
		return "runtime error"
	}

	return fmt.Sprintf("kind %d", int(k))
}

func (l *List) Add(e *Error) { l.Errs = append(l.Errs, e) }

func (l *List) Addf(k Kind, word, format string, args ...interface{}) {
	l.Add(Newf(k, word, format, args...))
}

func (l *List) Empty() bool { return len(l.Errs) == 0 }

// Err returns the list as an error, or nil if nothing was collected.
func (l *List) Err() error {
	if len(l.Errs) == 0 {
		return nil
	}

	return l
}

func (l *List) Error() string {
	if len(l.Errs) == 1 {
		return l.Errs[0].Error()
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%d errors:", len(l.Errs))

	for _, e := range l.Errs {
		b.WriteString("\n\t")
		b.WriteString(e.Error())
	}

	return b.String()
}
