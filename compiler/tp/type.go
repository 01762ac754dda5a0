// Package tp implements unification based type inference over the
// stack discipline.
package tp

import (
	"fmt"
)

type (
	Type interface{}

	Int     struct{}
	Float   struct{}
	Addr    struct{}
	Bool    struct{}
	Char    struct{}
	Str     struct{}
	Unknown struct{}

	// Var is a type variable bound through the substitution map.
	Var int

	Subst map[Var]Type
)

func (Int) String() string     { return "int" }
func (Float) String() string   { return "float" }
func (Addr) String() string    { return "addr" }
func (Bool) String() string    { return "bool" }
func (Char) String() string    { return "char" }
func (Str) String() string     { return "string" }
func (Unknown) String() string { return "?" }

func (v Var) String() string { return fmt.Sprintf("t%d", int(v)) }

// Resolve follows substitution bindings until a non variable type or an
// unbound variable remains.
func (s Subst) Resolve(t Type) Type {
	for {
		v, ok := t.(Var)
		if !ok {
			return t
		}

		b, ok := s[v]
		if !ok {
			return t
		}

		t = b
	}
}

// occurs reports whether v appears inside t. Binding in that case would
// build an infinite type.
func (s Subst) occurs(v Var, t Type) bool {
	t = s.Resolve(t)

	w, ok := t.(Var)

	return ok && w == v
}
