// Package effects infers the net stack effect of every definition.
//
// The walk keeps a symbolic depth counter. When a word would consume
// below the current depth the deficit becomes extra inputs required
// from the caller, so a definition is analyzed independently of its
// call sites. Definitions are iterated to a fixpoint, so forward
// references and recursion settle on the referenced word's real
// effect instead of a placeholder.
package effects

import (
	"context"

	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
)

type (
	// Effect is the (inputs, outputs) arity of a word.
	Effect struct {
		In  int
		Out int
	}

	Inferrer struct {
		words map[string]Effect
		data  map[string]bool

		defs   []*ast.Definition
		perDef []Effect

		// At is the definition under analysis, len(defs) for top level
		// code. References resolve relative to it: the latest earlier
		// definition wins, else the next later one.
		At int

		// declared effect mismatches abort instead of logging
		Strict bool
	}
)

var builtins = map[string]Effect{
	"+": {2, 1}, "-": {2, 1}, "*": {2, 1}, "/": {2, 1}, "mod": {2, 1},
	"min": {2, 1}, "max": {2, 1},
	"and": {2, 1}, "or": {2, 1}, "xor": {2, 1},
	"<": {2, 1}, ">": {2, 1}, "=": {2, 1}, "<=": {2, 1}, ">=": {2, 1}, "<>": {2, 1},
	"negate": {1, 1}, "abs": {1, 1}, "invert": {1, 1},
	"1+": {1, 1}, "1-": {1, 1}, "2+": {1, 1}, "2*": {1, 1}, "2/": {1, 1},
	"dup": {1, 2}, "drop": {1, 0}, "swap": {2, 2}, "over": {2, 3}, "rot": {3, 3},
	".": {1, 0}, "emit": {1, 0}, "cr": {0, 0},
	"@": {1, 1}, "!": {2, 0},
	"i": {0, 1}, "j": {0, 1},
}

// Builtin returns the fixed effect of a builtin word.
func Builtin(name string) (Effect, bool) {
	e, ok := builtins[name]
	return e, ok
}

func New() *Inferrer {
	return &Inferrer{
		words: map[string]Effect{},
		data:  map[string]bool{},
	}
}

// Program infers effects for all definitions. It returns the per
// definition effects aligned with p.Defs plus the name table. The
// table also drives call arity in later stages.
func (g *Inferrer) Program(ctx context.Context, p *ast.Program) (_ []Effect, _ map[string]Effect, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "infer_stack_effects")
	defer tr.Finish("err", &err)

	g.defs = p.Defs
	g.perDef = make([]Effect, len(p.Defs))

	// variable and constant names push one value wherever referenced,
	// declarations anywhere in the unit count
	collect := func(n ast.Node) {
		switch n := n.(type) {
		case ast.Variable:
			g.data[n.Name] = true
		case ast.Constant:
			g.data[n.Name] = true
		}
	}

	for _, d := range p.Defs {
		ast.Walk(d.Body, collect)
	}

	ast.Walk(p.Top, collect)

	// declared effects seed the table for forward references
	for i, d := range p.Defs {
		if d.Effect != nil {
			in, out := d.Effect.Arity()
			g.perDef[i] = Effect{In: in, Out: out}
		}
	}

	// iterate until the effects settle, so chains of forward
	// references and recursion converge
	for pass := 0; ; pass++ {
		changed := false

		for i, d := range p.Defs {
			g.At = i

			eff, err := g.Sequence(d.Body)
			if err != nil {
				return nil, nil, err
			}

			if eff != g.perDef[i] {
				g.perDef[i] = eff
				changed = true
			}
		}

		if !changed || pass > len(p.Defs) {
			break
		}
	}

	g.At = len(p.Defs)

	for i, d := range p.Defs {
		eff := g.perDef[i]

		if d.Effect != nil {
			in, out := d.Effect.Arity()
			declared := Effect{In: in, Out: out}

			// the inferred effect stays authoritative so call sites
			// and compiled bodies always agree on arity
			if declared != eff {
				if g.Strict {
					return nil, nil, diag.Newf(diag.InvalidStackEffect, d.Name,
						"declared %v does not match inferred %v", declared, eff)
				}

				tr.Printw("declared effect does not match inferred", "word", d.Name, "declared", declared, "inferred", eff)
			}
		}

		g.words[d.Name] = eff

		tr.V("effects").Printw("word effect", "word", d.Name, "effect", eff)
	}

	return g.perDef, g.words, nil
}

// Sequence walks a word list and folds per word effects left to right.
func (g *Inferrer) Sequence(body []ast.Node) (Effect, error) {
	depth, needed := 0, 0

	for _, n := range body {
		eff, err := g.word(n)
		if err != nil {
			return Effect{}, err
		}

		if depth < eff.In {
			needed += eff.In - depth
			depth = 0
		} else {
			depth -= eff.In
		}

		depth += eff.Out
	}

	return Effect{In: needed, Out: depth}, nil
}

func (g *Inferrer) word(n ast.Node) (Effect, error) {
	switch n := n.(type) {
	case ast.Int, ast.Float, ast.Str:
		return Effect{0, 1}, nil
	case ast.Variable, ast.Constant:
		return Effect{0, 1}, nil
	case ast.Ref:
		return g.Lookup(n.Name), nil
	case ast.If:
		return g.branch(n)
	case ast.BeginUntil:
		body, err := g.Sequence(n.Body)
		if err != nil {
			return Effect{}, err
		}

		// per iteration the body leaves only the flag popped by until
		if body.Net() != 1 {
			return Effect{}, diag.New(diag.ControlStructure, n.Line, n.Col,
				"begin/until body must leave one flag, net effect is %+d", body.Net())
		}

		return Effect{In: body.In, Out: body.In}, nil
	case ast.BeginWhile:
		cond, err := g.Sequence(n.Cond)
		if err != nil {
			return Effect{}, err
		}

		if cond.Net() != 1 {
			return Effect{}, diag.New(diag.ControlStructure, n.Line, n.Col,
				"begin/while condition must leave one flag, net effect is %+d", cond.Net())
		}

		body, err := g.Sequence(n.Body)
		if err != nil {
			return Effect{}, err
		}

		if body.Net() != 0 {
			return Effect{}, diag.New(diag.ControlStructure, n.Line, n.Col,
				"begin/while/repeat body must be stack neutral, net effect is %+d", body.Net())
		}

		in := cond.In
		if body.In > in {
			in = body.In
		}

		return Effect{In: in, Out: in}, nil
	case ast.DoLoop:
		body, err := g.Sequence(n.Body)
		if err != nil {
			return Effect{}, err
		}

		if body.Net() != 0 {
			return Effect{}, diag.New(diag.ControlStructure, n.Line, n.Col,
				"do/loop body must be stack neutral, net effect is %+d", body.Net())
		}

		return Effect{In: 2 + body.In, Out: body.In}, nil
	}

	return Effect{}, diag.Newf(diag.InvalidStackEffect, "", "unsupported node %T", n)
}

func (g *Inferrer) branch(n ast.If) (Effect, error) {
	then, err := g.Sequence(n.Then)
	if err != nil {
		return Effect{}, err
	}

	els, err := g.Sequence(n.Else)
	if err != nil {
		return Effect{}, err
	}

	if then.Net() != els.Net() {
		return Effect{}, diag.New(diag.ControlStructure, n.Line, n.Col,
			"if branches leave unequal stack depth: then %+d, else %+d", then.Net(), els.Net())
	}

	in := then.In
	if els.In > in {
		in = els.In
	}

	// plus the flag popped by if
	return Effect{In: in + 1, Out: in + then.Net()}, nil
}

// Lookup resolves a word by name at the current definition. Builtins
// win, then variables and constants, then user definitions. Unknown
// words count as ( -- ) so the rest of the body still gets analyzed;
// the semantic pass reports them.
func (g *Inferrer) Lookup(name string) Effect {
	if name == "recurse" {
		if g.At < len(g.defs) {
			return g.perDef[g.At]
		}

		return Effect{}
	}

	if e, ok := builtins[name]; ok {
		return e
	}

	if g.data[name] {
		return Effect{0, 1}
	}

	if id, ok := g.resolve(name); ok {
		return g.perDef[id]
	}

	return Effect{}
}

// resolve finds the definition a name refers to at the current point:
// the latest earlier one, else the next later one. The rule matches
// how calls bind during conversion.
func (g *Inferrer) resolve(name string) (int, bool) {
	start := g.At
	if start > len(g.defs) {
		start = len(g.defs)
	}

	for i := start - 1; i >= 0; i-- {
		if g.defs[i].Name == name {
			return i, true
		}
	}

	for i := start; i < len(g.defs); i++ {
		if g.defs[i].Name == name {
			return i, true
		}
	}

	return 0, false
}

func (e Effect) Net() int { return e.Out - e.In }

func (e Effect) String() string {
	return "(" + itoa(e.In) + " -- " + itoa(e.Out) + ")"
}

func (e Effect) TlogAppend(b []byte) []byte {
	var enc tlwire.Encoder

	b = enc.AppendMap(b, 2)
	b = enc.AppendKeyInt(b, "in", e.In)
	b = enc.AppendKeyInt(b, "out", e.Out)

	return b
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}

	var buf [8]byte
	i := len(buf)

	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}
