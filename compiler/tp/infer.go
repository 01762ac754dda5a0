package tp

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/effects"
)

type (
	Inferrer struct {
		subst Subst
		next  int
		cur   string

		effs map[string]effects.Effect
		vars map[string]bool
		cons map[string]bool
	}

	// scheme is a builtin type signature. Variables are scheme local
	// and instantiated fresh at every occurrence.
	scheme struct {
		in  []Type
		out []Type
	}
)

var a, b, c = Var(-1), Var(-2), Var(-3)

var schemes = map[string]scheme{
	"+": intBin, "-": intBin, "*": intBin, "/": intBin, "mod": intBin,
	"min": intBin, "max": intBin,
	"and": intBin, "or": intBin, "xor": intBin,
	"<": intCmp, ">": intCmp, "=": intCmp, "<=": intCmp, ">=": intCmp, "<>": intCmp,
	"negate": intUn, "abs": intUn, "invert": intUn,
	"1+": intUn, "1-": intUn, "2+": intUn, "2*": intUn, "2/": intUn,
	"dup":  {in: []Type{a}, out: []Type{a, a}},
	"drop": {in: []Type{a}},
	"swap": {in: []Type{a, b}, out: []Type{b, a}},
	"over": {in: []Type{a, b}, out: []Type{a, b, a}},
	"rot":  {in: []Type{a, b, c}, out: []Type{b, c, a}},
	".":    {in: []Type{a}},
	"emit": {in: []Type{Int{}}},
	"cr":   {},
	"@":    {in: []Type{Addr{}}, out: []Type{Int{}}},
	"!":    {in: []Type{Int{}, Addr{}}},
	"i":    {out: []Type{Int{}}},
	"j":    {out: []Type{Int{}}},
}

var (
	intBin = scheme{in: []Type{Int{}, Int{}}, out: []Type{Int{}}}
	intCmp = scheme{in: []Type{Int{}, Int{}}, out: []Type{Bool{}}}
	intUn  = scheme{in: []Type{Int{}}, out: []Type{Int{}}}
)

// Infer runs unification over every definition and the top level code
// and returns the final substitution map.
func Infer(ctx context.Context, p *ast.Program, effs map[string]effects.Effect) (_ Subst, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "infer_types")
	defer tr.Finish("err", &err)

	g := &Inferrer{
		subst: Subst{},
		effs:  effs,
		vars:  map[string]bool{},
		cons:  map[string]bool{},
	}

	collect := func(n ast.Node) {
		switch n := n.(type) {
		case ast.Variable:
			g.vars[n.Name] = true
		case ast.Constant:
			g.cons[n.Name] = true
		}
	}

	for _, d := range p.Defs {
		ast.Walk(d.Body, collect)
	}

	ast.Walk(p.Top, collect)

	for _, d := range p.Defs {
		g.cur = d.Name

		_, err = g.sequence(nil, d.Body)
		if err != nil {
			return nil, wrapWord(err, d.Name)
		}
	}

	g.cur = ""

	_, err = g.sequence(nil, p.Top)
	if err != nil {
		return nil, err
	}

	tr.V("types").Printw("inference done", "vars", g.next, "bound", len(g.subst))

	return g.subst, nil
}

// Unify solves a ~ b, binding variables in the substitution map.
// Unknown matches anything without binding. Bool and Int are
// compatible, a flag is an ordinary cell.
func (g *Inferrer) Unify(x, y Type) error {
	x = g.subst.Resolve(x)
	y = g.subst.Resolve(y)

	if x == y {
		return nil
	}

	if _, ok := x.(Unknown); ok {
		return nil
	}

	if _, ok := y.(Unknown); ok {
		return nil
	}

	if v, ok := x.(Var); ok {
		return g.bind(v, y)
	}

	if v, ok := y.(Var); ok {
		return g.bind(v, x)
	}

	if compatible(x, y) {
		return nil
	}

	return diag.Newf(diag.Type, "", "expected %v, found %v", x, y)
}

func (g *Inferrer) bind(v Var, t Type) error {
	if g.subst.occurs(v, t) {
		return diag.Newf(diag.Type, "", "infinite type: %v occurs in %v", v, t)
	}

	g.subst[v] = t

	return nil
}

func compatible(x, y Type) bool {
	_, xb := x.(Bool)
	_, yb := y.(Bool)
	_, xi := x.(Int)
	_, yi := y.(Int)

	return xb && yi || xi && yb
}

func (g *Inferrer) fresh() Var {
	v := Var(g.next)
	g.next++

	return v
}

// sequence types a word list over a symbolic type stack. Underflow
// produces fresh variables, the implied caller inputs.
func (g *Inferrer) sequence(stack []Type, body []ast.Node) ([]Type, error) {
	var err error

	for _, n := range body {
		stack, err = g.word(stack, n)
		if err != nil {
			return nil, err
		}
	}

	return stack, nil
}

func (g *Inferrer) word(stack []Type, n ast.Node) ([]Type, error) {
	switch n := n.(type) {
	case ast.Int:
		return append(stack, Int{}), nil
	case ast.Float:
		return append(stack, Float{}), nil
	case ast.Str:
		return append(stack, Str{}), nil
	case ast.Variable:
		return append(stack, Addr{}), nil
	case ast.Constant:
		return append(stack, Int{}), nil
	case ast.Ref:
		return g.ref(stack, n)
	case ast.If:
		return g.branch(stack, n)
	case ast.BeginUntil:
		stack, err := g.sequence(stack, n.Body)
		if err != nil {
			return nil, err
		}

		return g.popFlag(stack, n.Base)
	case ast.BeginWhile:
		stack, err := g.sequence(stack, n.Cond)
		if err != nil {
			return nil, err
		}

		stack, err = g.popFlag(stack, n.Base)
		if err != nil {
			return nil, err
		}

		return g.sequence(stack, n.Body)
	case ast.DoLoop:
		var err error

		for i := 0; i < 2; i++ {
			var t Type

			stack, t = g.pop(stack)

			err = g.Unify(t, Int{})
			if err != nil {
				return nil, locate(err, n.Base)
			}
		}

		return g.sequence(stack, n.Body)
	}

	return stack, nil
}

func (g *Inferrer) ref(stack []Type, n ast.Ref) ([]Type, error) {
	name := n.Name
	if name == "recurse" {
		name = g.cur
	}

	sch, ok := schemes[name]
	if !ok {
		if g.vars[name] {
			return append(stack, Addr{}), nil
		}

		if g.cons[name] {
			return append(stack, Int{}), nil
		}

		// user words get fresh variables per the effect arity
		eff := effects.Effect{}
		if e, ok := g.effs[name]; ok {
			eff = e
		}

		sch = scheme{}

		for i := 0; i < eff.In; i++ {
			sch.in = append(sch.in, Var(-1-i))
		}

		for i := 0; i < eff.Out; i++ {
			sch.out = append(sch.out, Var(-1-eff.In-i))
		}
	}

	inst := map[Var]Var{}

	for i := len(sch.in) - 1; i >= 0; i-- {
		var t Type

		stack, t = g.pop(stack)

		err := g.Unify(t, g.instantiate(sch.in[i], inst))
		if err != nil {
			return nil, locate(err, n.Base)
		}
	}

	for _, t := range sch.out {
		stack = append(stack, g.instantiate(t, inst))
	}

	return stack, nil
}

func (g *Inferrer) branch(stack []Type, n ast.If) ([]Type, error) {
	stack, err := g.popFlag(stack, n.Base)
	if err != nil {
		return nil, err
	}

	then, err := g.sequence(dup(stack), n.Then)
	if err != nil {
		return nil, err
	}

	els, err := g.sequence(dup(stack), n.Else)
	if err != nil {
		return nil, err
	}

	// the effects pass guarantees equal depth, unify slot by slot
	for i := 0; i < len(then) && i < len(els); i++ {
		err = g.Unify(then[i], els[i])
		if err != nil {
			return nil, locate(err, n.Base)
		}
	}

	return then, nil
}

func (g *Inferrer) popFlag(stack []Type, at ast.Base) ([]Type, error) {
	stack, t := g.pop(stack)

	err := g.Unify(t, Bool{})
	if err != nil {
		return nil, locate(err, at)
	}

	return stack, nil
}

// pop takes the top type, inventing a fresh variable on underflow.
func (g *Inferrer) pop(stack []Type) ([]Type, Type) {
	if len(stack) == 0 {
		return nil, g.fresh()
	}

	return stack[:len(stack)-1], stack[len(stack)-1]
}

// instantiate maps scheme local variables (negative ids) to fresh ones.
func (g *Inferrer) instantiate(t Type, inst map[Var]Var) Type {
	v, ok := t.(Var)
	if !ok || v >= 0 {
		return t
	}

	f, ok := inst[v]
	if !ok {
		f = g.fresh()
		inst[v] = f
	}

	return f
}

func dup(s []Type) []Type {
	r := make([]Type, len(s))
	copy(r, s)

	return r
}

func locate(err error, at ast.Base) error {
	e, ok := err.(*diag.Error)
	if !ok || e.Line != 0 {
		return err
	}

	e.Line, e.Col = at.Line, at.Col

	return e
}

func wrapWord(err error, word string) error {
	e, ok := err.(*diag.Error)
	if !ok || e.Word != "" {
		return err
	}

	e.Word = word

	return e
}
