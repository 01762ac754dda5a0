package ssa

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/effects"
)

type (
	converter struct {
		prog *ast.Program
		eff  *effects.Inferrer

		perDef []effects.Effect
		topEff effects.Effect

		funcs []*Func
		names map[string]int
		vars  map[string]int
		cons  map[string]int64
		cells int
	}

	// fnContext is the per function conversion state. The symbolic
	// stack mirrors the source stack discipline with registers instead
	// of runtime values.
	fnContext struct {
		*converter

		f   *Func
		def *ast.Definition

		stack  []Reg
		params []Reg // discovery order, top of entry stack first
		loops  []Reg // do loop counters, innermost last
		cur    Block
	}
)

// Convert lowers the program. Every definition becomes one function,
// top level code a synthetic main. Function ids and arities are all
// declared before any body is converted.
func Convert(ctx context.Context, p *ast.Program) (_ *Package, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "to_ssa", "defs", len(p.Defs))
	defer tr.Finish("err", &err)

	g := &converter{
		prog:  p,
		eff:   effects.New(),
		names: map[string]int{},
		vars:  map[string]int{},
		cons:  map[string]int64{},
	}

	g.perDef, _, err = g.eff.Program(ctx, p)
	if err != nil {
		return nil, err
	}

	g.topEff, err = g.eff.Sequence(p.Top)
	if err != nil {
		return nil, err
	}

	g.globals(p)

	// pass 1: declare everything
	for i, d := range p.Defs {
		g.funcs = append(g.funcs, &Func{
			Name: d.Name,
			ID:   i,
			In:   g.perDef[i].In,
			Out:  g.perDef[i].Out,
		})
	}

	main := &Func{
		Name: "main",
		ID:   len(p.Defs),
		In:   g.topEff.In,
		Out:  g.topEff.Out,
	}

	g.funcs = append(g.funcs, main)

	// pass 2: convert bodies, names resolve to the latest earlier
	// definition, forward references to the next one
	for i, d := range p.Defs {
		g.eff.At = i

		err = g.fn(g.funcs[i], d, d.Body)
		if err != nil {
			return nil, wrapWord(err, d.Name)
		}

		g.names[d.Name] = i
	}

	g.eff.At = len(p.Defs)

	err = g.fn(main, nil, p.Top)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		Funcs: g.funcs,
		Entry: main.ID,
		Cells: g.cells,
	}

	err = Validate(pkg)
	if err != nil {
		return nil, err
	}

	return pkg, nil
}

// globals assigns variable cells and constant values program wide.
func (g *converter) globals(p *ast.Program) {
	collect := func(n ast.Node) {
		switch n := n.(type) {
		case ast.Variable:
			if _, ok := g.vars[n.Name]; !ok {
				g.vars[n.Name] = g.cells
				g.cells++
			}
		case ast.Constant:
			g.cons[n.Name] = n.Value
		}
	}

	for _, d := range p.Defs {
		ast.Walk(d.Body, collect)
	}

	ast.Walk(p.Top, collect)
}

func (g *converter) fn(f *Func, def *ast.Definition, body []ast.Node) error {
	fc := &fnContext{
		converter: g,
		f:         f,
		def:       def,
	}

	fc.block() // entry

	err := fc.seq(body)
	if err != nil {
		return err
	}

	fc.term(fc.cur, Ret{Vals: dup(fc.stack)})

	// inputs discovered by underflow, deepest last
	if len(fc.params) != f.In {
		return diag.Newf(diag.SSA, f.Name, "inferred %d inputs, converted %d", f.In, len(fc.params))
	}

	if len(fc.stack) != f.Out {
		return diag.Newf(diag.SSA, f.Name, "inferred %d outputs, converted %d", f.Out, len(fc.stack))
	}

	entry := &f.Blocks[0]
	code := make([]Instr, 0, len(fc.params)+len(entry.Code))

	for k, r := range fc.params {
		code = append(code, Param{Dst: r, Index: f.In - 1 - k})
	}

	entry.Code = append(code, entry.Code...)

	return nil
}

func (fc *fnContext) seq(body []ast.Node) error {
	for _, n := range body {
		err := fc.word(n)
		if err != nil {
			return err
		}
	}

	return nil
}

func (fc *fnContext) word(n ast.Node) error {
	switch n := n.(type) {
	case ast.Int:
		fc.push(fc.loadConst(n.Value))
	case ast.Float:
		return diag.New(diag.SSA, n.Line, n.Col, "float literals are not supported in compiled code")
	case ast.Str:
		return diag.New(diag.SSA, n.Line, n.Col, "string literals are not supported in compiled code")
	case ast.Variable:
		r := fc.alloc()
		fc.emit(LoadAddr{Dst: r, Cell: fc.vars[n.Name]})
		fc.push(r)
	case ast.Constant:
		fc.push(fc.loadConst(n.Value))
	case ast.Ref:
		return fc.ref(n)
	case ast.If:
		return fc.branch(n)
	case ast.BeginUntil:
		return fc.beginUntil(n)
	case ast.BeginWhile:
		return fc.beginWhile(n)
	case ast.DoLoop:
		return fc.doLoop(n)
	default:
		return diag.Newf(diag.SSA, "", "unsupported node %T", n)
	}

	return nil
}

func (fc *fnContext) ref(n ast.Ref) error {
	switch n.Name {
	case "+", "-", "*", "/", "mod", "and", "or", "xor", "min", "max",
		"<", ">", "=", "<=", ">=", "<>":
		r := fc.pop()
		l := fc.pop()
		d := fc.alloc()

		fc.emit(BinOp{Dst: d, Op: Op(n.Name), L: l, R: r})
		fc.push(d)
	case "negate", "abs", "invert", "1+", "1-", "2+", "2*", "2/":
		x := fc.pop()
		d := fc.alloc()

		fc.emit(UnOp{Dst: d, Op: Op(n.Name), X: x})
		fc.push(d)
	case "dup":
		x := fc.pop()
		fc.push(x)
		fc.push(x)
	case "drop":
		fc.pop()
	case "swap":
		b, a := fc.pop(), fc.pop()
		fc.push(b)
		fc.push(a)
	case "over":
		b, a := fc.pop(), fc.pop()
		fc.push(a)
		fc.push(b)
		fc.push(a)
	case "rot":
		c, b, a := fc.pop(), fc.pop(), fc.pop()
		fc.push(b)
		fc.push(c)
		fc.push(a)
	case "@":
		addr := fc.pop()
		d := fc.alloc()

		fc.emit(Load{Dst: d, Addr: addr})
		fc.push(d)
	case "!":
		addr := fc.pop()
		val := fc.pop()

		fc.emit(Store{Addr: addr, Val: val})
	case ".":
		fc.emit(Emit{Val: fc.pop()})
	case "emit":
		fc.emit(Emit{Val: fc.pop(), Char: true})
	case "cr":
		fc.emit(Emit{Val: fc.loadConst('\n'), Char: true})
	case "i":
		if len(fc.loops) == 0 {
			return diag.New(diag.SSA, n.Line, n.Col, "i outside a do loop")
		}

		fc.push(fc.loops[len(fc.loops)-1])
	case "j":
		if len(fc.loops) < 2 {
			return diag.New(diag.SSA, n.Line, n.Col, "j needs two enclosing do loops")
		}

		fc.push(fc.loops[len(fc.loops)-2])
	default:
		return fc.call(n)
	}

	return nil
}

func (fc *fnContext) call(n ast.Ref) error {
	if v, ok := fc.cons[n.Name]; ok {
		fc.push(fc.loadConst(v))
		return nil
	}

	if cell, ok := fc.vars[n.Name]; ok {
		r := fc.alloc()
		fc.emit(LoadAddr{Dst: r, Cell: cell})
		fc.push(r)

		return nil
	}

	id, ok := fc.resolve(n.Name)
	if !ok {
		return diag.New(diag.SSA, n.Line, n.Col, "unresolved word %q", n.Name)
	}

	eff := fc.perDef[id]

	args := make([]Reg, eff.In)
	for i := eff.In - 1; i >= 0; i-- {
		args[i] = fc.pop()
	}

	dst := make([]Reg, eff.Out)
	for i := range dst {
		dst[i] = fc.alloc()
	}

	fc.emit(Call{Dst: dst, Func: id, Args: args})

	for _, r := range dst {
		fc.push(r)
	}

	return nil
}

// resolve finds the function a name refers to at the current point:
// the latest earlier definition, else the next later one.
func (fc *fnContext) resolve(name string) (int, bool) {
	if name == "recurse" {
		if fc.def == nil {
			return 0, false
		}

		return fc.f.ID, true
	}

	if id, ok := fc.names[name]; ok {
		return id, true
	}

	from := 0
	if fc.def != nil {
		from = fc.f.ID
	}

	for i := from; i < len(fc.prog.Defs); i++ {
		if fc.prog.Defs[i].Name == name {
			return i, true
		}
	}

	return 0, false
}

func (fc *fnContext) branch(n ast.If) error {
	err := fc.pad(n)
	if err != nil {
		return err
	}

	cond := fc.pop()

	thenB := fc.newBlock()
	elseB := fc.newBlock()

	fc.term(fc.cur, Branch{Cond: cond, Then: thenB, Else: elseB})
	fc.addPred(thenB, fc.cur)
	fc.addPred(elseB, fc.cur)

	saved := dup(fc.stack)

	fc.cur = thenB

	err = fc.seq(n.Then)
	if err != nil {
		return err
	}

	thenEnd, thenStack := fc.cur, fc.stack

	fc.cur, fc.stack = elseB, dup(saved)

	err = fc.seq(n.Else)
	if err != nil {
		return err
	}

	elseEnd, elseStack := fc.cur, fc.stack

	if len(thenStack) != len(elseStack) {
		return diag.New(diag.SSA, n.Line, n.Col, "branch depth mismatch: %d vs %d", len(thenStack), len(elseStack))
	}

	merge := fc.newBlock()

	fc.term(thenEnd, Jump{To: merge})
	fc.term(elseEnd, Jump{To: merge})
	fc.addPred(merge, thenEnd)
	fc.addPred(merge, elseEnd)

	// reconcile values that differ between the branches
	stack := make([]Reg, len(thenStack))

	for i := range thenStack {
		if thenStack[i] == elseStack[i] {
			stack[i] = thenStack[i]
			continue
		}

		d := fc.alloc()

		fc.f.Blocks[merge].Phis = append(fc.f.Blocks[merge].Phis, Phi{
			Dst: d,
			Ins: []PhiIn{{Pred: thenEnd, Val: thenStack[i]}, {Pred: elseEnd, Val: elseStack[i]}},
		})

		stack[i] = d
	}

	fc.cur, fc.stack = merge, stack

	return nil
}

// header opens a loop header block with one phi per live stack slot, so
// values carried around the back edge stay in SSA form.
func (fc *fnContext) header() (h Block, phis int) {
	pre := fc.cur

	h = fc.newBlock()
	fc.term(pre, Jump{To: h})
	fc.addPred(h, pre)

	phis = len(fc.stack)

	for i, r := range fc.stack {
		d := fc.alloc()

		fc.f.Blocks[h].Phis = append(fc.f.Blocks[h].Phis, Phi{
			Dst: d,
			Ins: []PhiIn{{Pred: pre, Val: r}},
		})

		fc.stack[i] = d
	}

	fc.cur = h

	return h, phis
}

// backEdge completes the header phis with the values at the bottom of
// the loop.
func (fc *fnContext) backEdge(h Block, phis int, at ast.Base) error {
	if len(fc.stack) < phis {
		return diag.New(diag.SSA, at.Line, at.Col, "loop depth mismatch: %d slots, %d phis", len(fc.stack), phis)
	}

	fc.addPred(h, fc.cur)

	for i := 0; i < phis; i++ {
		fc.f.Blocks[h].Phis[i].Ins = append(fc.f.Blocks[h].Phis[i].Ins, PhiIn{Pred: fc.cur, Val: fc.stack[i]})
	}

	return nil
}

func (fc *fnContext) beginUntil(n ast.BeginUntil) error {
	err := fc.pad(n)
	if err != nil {
		return err
	}

	h, phis := fc.header()

	err = fc.seq(n.Body)
	if err != nil {
		return err
	}

	flag := fc.pop()

	err = fc.backEdge(h, phis, n.Base)
	if err != nil {
		return err
	}

	exit := fc.newBlock()

	fc.term(fc.cur, Branch{Cond: flag, Then: exit, Else: h})
	fc.addPred(exit, fc.cur)

	fc.cur = exit

	return nil
}

func (fc *fnContext) beginWhile(n ast.BeginWhile) error {
	err := fc.pad(n)
	if err != nil {
		return err
	}

	h, phis := fc.header()

	err = fc.seq(n.Cond)
	if err != nil {
		return err
	}

	flag := fc.pop()

	body := fc.newBlock()
	exit := fc.newBlock()

	fc.term(fc.cur, Branch{Cond: flag, Then: body, Else: exit})
	fc.addPred(body, fc.cur)
	fc.addPred(exit, fc.cur)

	out := dup(fc.stack)

	fc.cur = body

	err = fc.seq(n.Body)
	if err != nil {
		return err
	}

	fc.term(fc.cur, Jump{To: h})

	err = fc.backEdge(h, phis, n.Base)
	if err != nil {
		return err
	}

	fc.cur, fc.stack = exit, out

	return nil
}

func (fc *fnContext) doLoop(n ast.DoLoop) error {
	err := fc.pad(n)
	if err != nil {
		return err
	}

	start := fc.pop()
	limit := fc.pop()

	pre := fc.cur

	h, phis := fc.header()

	counter := fc.alloc()

	fc.f.Blocks[h].Phis = append(fc.f.Blocks[h].Phis, Phi{
		Dst: counter,
		Ins: []PhiIn{{Pred: pre, Val: start}},
	})

	fc.loops = append(fc.loops, counter)

	err = fc.seq(n.Body)
	if err != nil {
		return err
	}

	fc.loops = fc.loops[:len(fc.loops)-1]

	next := fc.alloc()
	fc.emit(BinOp{Dst: next, Op: "+", L: counter, R: fc.loadConst(1)})

	cond := fc.alloc()
	fc.emit(BinOp{Dst: cond, Op: "<", L: next, R: limit})

	err = fc.backEdge(h, phis, n.Base)
	if err != nil {
		return err
	}

	fc.f.Blocks[h].Phis[phis].Ins = append(fc.f.Blocks[h].Phis[phis].Ins, PhiIn{Pred: fc.cur, Val: next})

	exit := fc.newBlock()

	fc.term(fc.cur, Branch{Cond: cond, Then: h, Else: exit})
	fc.addPred(exit, fc.cur)

	fc.cur = exit

	return nil
}

// pad materializes the inputs a control node will consume before its
// blocks fork, so the same entry value never becomes two registers.
func (fc *fnContext) pad(n ast.Node) error {
	eff, err := fc.eff.Sequence([]ast.Node{n})
	if err != nil {
		return err
	}

	for len(fc.stack) < eff.In {
		r := fc.alloc()

		fc.params = append(fc.params, r)
		fc.stack = append([]Reg{r}, fc.stack...)
	}

	return nil
}

func (fc *fnContext) loadConst(v int64) Reg {
	r := fc.alloc()
	fc.emit(LoadConst{Dst: r, Value: v})

	return r
}

func (fc *fnContext) alloc() Reg {
	r := Reg(fc.f.NReg)
	fc.f.NReg++

	return r
}

func (fc *fnContext) block() Block {
	fc.f.Blocks = append(fc.f.Blocks, BB{})
	fc.cur = Block(len(fc.f.Blocks) - 1)

	return fc.cur
}

func (fc *fnContext) newBlock() Block {
	fc.f.Blocks = append(fc.f.Blocks, BB{})

	return Block(len(fc.f.Blocks) - 1)
}

func (fc *fnContext) emit(in Instr) {
	b := &fc.f.Blocks[fc.cur]
	b.Code = append(b.Code, in)
}

func (fc *fnContext) term(b Block, t Instr) {
	fc.f.Blocks[b].Term = t
}

func (fc *fnContext) addPred(to, from Block) {
	b := &fc.f.Blocks[to]
	b.Preds = append(b.Preds, from)
}

func (fc *fnContext) push(r Reg) {
	fc.stack = append(fc.stack, r)
}

// pop takes the top register, discovering a function input when the
// symbolic stack is empty.
func (fc *fnContext) pop() Reg {
	if len(fc.stack) == 0 {
		r := fc.alloc()
		fc.params = append(fc.params, r)

		return r
	}

	r := fc.stack[len(fc.stack)-1]
	fc.stack = fc.stack[:len(fc.stack)-1]

	return r
}

func dup(s []Reg) []Reg {
	r := make([]Reg, len(s))
	copy(r, s)

	return r
}

func wrapWord(err error, word string) error {
	e, ok := err.(*diag.Error)
	if !ok || e.Word != "" {
		return err
	}

	e.Word = word

	return e
}
