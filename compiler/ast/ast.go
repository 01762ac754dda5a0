// Package ast defines the syntax tree built by the parser.
//
// A program is an ordered list of colon definitions plus the top level
// words outside any definition. Control structures keep their nested
// bodies as trees; flattening into a block graph happens later.
package ast

type (
	Node interface{}

	Base struct {
		Line int
		Col  int
	}

	Program struct {
		Defs []*Definition
		Top  []Node
	}

	// Definition is one colon definition. Name reuse shadows the
	// earlier definition, it does not replace it.
	Definition struct {
		Base

		Name      string
		Body      []Node
		Effect    *StackEffect
		Immediate bool
	}

	Int struct {
		Base

		Value int64
	}

	Float struct {
		Base

		Value float64
	}

	Str struct {
		Base

		Value string
	}

	// Ref is a reference to a builtin or user defined word.
	Ref struct {
		Base

		Name string
	}

	If struct {
		Base

		Then []Node
		Else []Node
	}

	// BeginUntil runs Body, pops a flag, repeats while the flag is zero.
	BeginUntil struct {
		Base

		Body []Node
	}

	// BeginWhile runs Cond, pops a flag, runs Body while the flag is
	// nonzero.
	BeginWhile struct {
		Base

		Cond []Node
		Body []Node
	}

	// DoLoop pops limit and start and runs Body with an implicit
	// counter from start up to limit.
	DoLoop struct {
		Base

		Body []Node
	}

	Variable struct {
		Base

		Name string
	}

	// Constant is folded at parse time from `<n> constant name`.
	Constant struct {
		Base

		Name  string
		Value int64
	}

	// StackEffect is a declared ( a b -- c ) comment. Inputs and
	// outputs keep the names for diagnostics, counts drive checking.
	StackEffect struct {
		In  []string
		Out []string
	}
)

func (e *StackEffect) Arity() (in, out int) {
	if e == nil {
		return 0, 0
	}

	return len(e.In), len(e.Out)
}

// Walk calls fn for every node in the list, descending into control
// structure bodies.
func Walk(body []Node, fn func(Node)) {
	for _, n := range body {
		fn(n)

		switch n := n.(type) {
		case If:
			Walk(n.Then, fn)
			Walk(n.Else, fn)
		case BeginUntil:
			Walk(n.Body, fn)
		case BeginWhile:
			Walk(n.Cond, fn)
			Walk(n.Body, fn)
		case DoLoop:
			Walk(n.Body, fn)
		}
	}
}
