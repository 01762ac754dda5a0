// Package back lowers SSA functions to amd64 machine code.
//
// Every compiled function has the same native signature: the data
// stack pointer comes in RDI, the post call stack pointer returns in
// RAX. Inputs live below the incoming pointer, results replace them.
// User calls go through a function pointer table installed at run
// time, which is what makes forward references and recursion work: the
// whole table is declared before any body is compiled.
package back

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler/asm/amd64"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/ssa"
)

type (
	Compiler struct{}

	RelocKind int

	// Reloc marks an imm64 in Code to be patched with a runtime base
	// address when the module is installed.
	Reloc struct {
		Off  int
		Kind RelocKind
	}

	FuncInfo struct {
		Name string
		Off  int
		In   int
		Out  int
	}

	// Module is position independent output. Funcs is the function
	// table, indexed by the ids SSA calls carry.
	Module struct {
		Code   []byte
		Funcs  []FuncInfo
		Entry  int
		Cells  int
		Relocs []Reloc
	}

	// funContext is the translation state of a single function. It is
	// built fresh per function and never escapes compilation.
	funContext struct {
		a *amd64.Asm
		f *ssa.Func

		blocks []amd64.Label
		relocs []Reloc
	}

	job struct {
		b    int
		wait int
	}

	jobs struct {
		heap.Heap[job]
	}
)

const (
	RelocTable RelocKind = iota
	RelocCells
	RelocEmit
)

// Emit buffer layout: one count cell, then EmitCap records of
// (tag, value). Tag 1 is a character, 0 a number.
const (
	EmitCap       = 4096
	EmitHdrSize   = 8
	EmitEntrySize = 16
)

const cell = 8

func New() *Compiler {
	return &Compiler{}
}

// CompilePackage runs the two pass protocol: the function table is
// fully declared, then every body is compiled against it.
func (c *Compiler) CompilePackage(ctx context.Context, p *ssa.Package) (_ *Module, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile_package", "funcs", len(p.Funcs))
	defer tr.Finish("err", &err)

	if tr.If("dump_ssa") {
		tr.Printw("ssa package", "dump", ssa.Dump(p))
	}

	m := &Module{
		Entry: p.Entry,
		Cells: p.Cells,
	}

	// pass 1: declare ids and signatures
	for id, f := range p.Funcs {
		if f.ID != id {
			return nil, diag.Newf(diag.CodeGen, f.Name, "function id %d at table slot %d", f.ID, id)
		}

		m.Funcs = append(m.Funcs, FuncInfo{Name: f.Name, In: f.In, Out: f.Out})
	}

	for _, f := range p.Funcs {
		err = checkCalls(m, f)
		if err != nil {
			return nil, err
		}
	}

	// pass 2: compile bodies
	for id, f := range p.Funcs {
		code, relocs, err := c.compileFunc(ctx, m, f)
		if err != nil {
			return nil, diag.Newf(diag.CodeGen, f.Name, "%v", err)
		}

		base := len(m.Code)
		m.Funcs[id].Off = base
		m.Code = append(m.Code, code...)

		for _, r := range relocs {
			m.Relocs = append(m.Relocs, Reloc{Off: base + r.Off, Kind: r.Kind})
		}

		tr.V("codegen").Printw("func compiled", "name", f.Name, "off", base, "size", len(code))
	}

	return m, nil
}

// checkCalls verifies every call resolves in the declared table. After
// pass 1 a miss means the name is truly absent, never ordering.
func checkCalls(m *Module, f *ssa.Func) error {
	for bi := range f.Blocks {
		for _, in := range f.Blocks[bi].Code {
			call, ok := in.(ssa.Call)
			if !ok {
				continue
			}

			if call.Func < 0 || call.Func >= len(m.Funcs) {
				return diag.Newf(diag.CodeGen, f.Name, "call to undeclared function #%d", call.Func)
			}

			callee := m.Funcs[call.Func]

			if len(call.Args) != callee.In || len(call.Dst) != callee.Out {
				return diag.Newf(diag.CodeGen, f.Name, "call to %s: arity %d/%d, declared %d/%d",
					callee.Name, len(call.Args), len(call.Dst), callee.In, callee.Out)
			}
		}
	}

	return nil
}

func (c *Compiler) compileFunc(ctx context.Context, m *Module, f *ssa.Func) (code []byte, relocs []Reloc, err error) {
	g := &funContext{
		a: amd64.New(),
		f: f,
	}

	g.blocks = make([]amd64.Label, len(f.Blocks))
	for i := range g.blocks {
		g.blocks[i] = g.a.Label()
	}

	g.prologue()

	for _, bi := range g.schedule() {
		g.a.Bind(g.blocks[bi])

		b := &f.Blocks[bi]

		for _, in := range b.Code {
			err = g.instr(in)
			if err != nil {
				return nil, nil, err
			}
		}

		err = g.term(ssa.Block(bi), b.Term)
		if err != nil {
			return nil, nil, err
		}
	}

	err = g.a.Finalize()
	if err != nil {
		return nil, nil, err
	}

	return g.a.Code, g.relocs, nil
}

// schedule orders blocks so every forward predecessor is emitted
// first. Back edges, from higher to lower index, do not count.
func (g *funContext) schedule() []int {
	n := len(g.f.Blocks)

	wait := make([]int, n)

	for bi := range g.f.Blocks {
		for _, p := range g.f.Blocks[bi].Preds {
			if int(p) < bi {
				wait[bi]++
			}
		}
	}

	js := jobs{Heap: heap.Heap[job]{Less: jobsLess}}
	js.Push(job{b: 0})

	done := make([]bool, n)
	order := make([]int, 0, n)

	for js.Len() != 0 {
		j := js.Pop()

		if done[j.b] {
			continue
		}

		done[j.b] = true
		order = append(order, j.b)

		for _, s := range successors(g.f.Blocks[j.b].Term) {
			if int(s) <= j.b {
				continue
			}

			wait[s]--

			if wait[s] <= 0 {
				js.Push(job{b: int(s)})
			}
		}
	}

	// unreachable blocks still need their labels bound
	for bi := 0; bi < n; bi++ {
		if !done[bi] {
			order = append(order, bi)
		}
	}

	return order
}

func successors(t ssa.Instr) []ssa.Block {
	switch t := t.(type) {
	case ssa.Branch:
		return []ssa.Block{t.Then, t.Else}
	case ssa.Jump:
		return []ssa.Block{t.To}
	}

	return nil
}

func jobsLess(d []job, i, j int) bool { return d[i].b < d[j].b }

func (js *jobs) Push(j job) {
	tlog.V("jobs_push").Printw("job pushed", "block", j.b, "wait", j.wait, "from", loc.Caller(1))

	js.Heap.Push(j)
}

// Frame layout: [rbp-8] saved rbx, ssa register r spilled at
// [rbp-16-8r]. RBX holds the base of the function's stack window, the
// incoming pointer minus the inputs.
func (g *funContext) slot(r ssa.Reg) int32 {
	return -16 - cell*int32(r)
}

func (g *funContext) prologue() {
	a := g.a

	a.Push(amd64.RBP)
	a.MovRegReg(amd64.RBP, amd64.RSP)
	a.Push(amd64.RBX)

	frame := cell * int32(g.f.NReg)
	if g.f.NReg%2 == 0 {
		frame += cell
	}

	a.SubRegImm(amd64.RSP, frame)

	a.MovRegReg(amd64.RBX, amd64.RDI)

	if g.f.In > 0 {
		a.SubRegImm(amd64.RBX, cell*int32(g.f.In))
	}
}

func (g *funContext) epilogue(results []ssa.Reg) {
	a := g.a

	for i, r := range results {
		a.MovRegMem(amd64.RAX, amd64.RBP, g.slot(r))
		a.MovMemReg(amd64.RBX, cell*int32(i), amd64.RAX)
	}

	a.Lea(amd64.RAX, amd64.RBX, cell*int32(len(results)))

	a.Lea(amd64.RSP, amd64.RBP, -cell)
	a.Pop(amd64.RBX)
	a.Pop(amd64.RBP)
	a.Ret()
}

func (g *funContext) load(r amd64.Reg, x ssa.Reg) { g.a.MovRegMem(r, amd64.RBP, g.slot(x)) }
func (g *funContext) store(x ssa.Reg, r amd64.Reg) {
	g.a.MovMemReg(amd64.RBP, g.slot(x), r)
}

// reloc emits mov r, imm64 with a placeholder patched at install time.
func (g *funContext) reloc(r amd64.Reg, k RelocKind) {
	g.a.MovRegImm64(r, 0)
	g.relocs = append(g.relocs, Reloc{Off: len(g.a.Code) - 8, Kind: k})
}

func (g *funContext) instr(in ssa.Instr) error {
	a := g.a

	switch x := in.(type) {
	case ssa.Param:
		a.MovRegMem(amd64.RAX, amd64.RBX, cell*int32(x.Index))
		g.store(x.Dst, amd64.RAX)
	case ssa.LoadConst:
		a.MovRegImm64(amd64.RAX, x.Value)
		g.store(x.Dst, amd64.RAX)
	case ssa.LoadAddr:
		g.reloc(amd64.RAX, RelocCells)

		if x.Cell != 0 {
			a.AddRegImm(amd64.RAX, cell*int32(x.Cell))
		}

		g.store(x.Dst, amd64.RAX)
	case ssa.BinOp:
		return g.binop(x)
	case ssa.UnOp:
		return g.unop(x)
	case ssa.Call:
		g.call(x)
	case ssa.Load:
		g.load(amd64.RAX, x.Addr)
		a.MovRegMem(amd64.RAX, amd64.RAX, 0)
		g.store(x.Dst, amd64.RAX)
	case ssa.Store:
		g.load(amd64.RAX, x.Addr)
		g.load(amd64.RCX, x.Val)
		a.MovMemReg(amd64.RAX, 0, amd64.RCX)
	case ssa.Emit:
		g.emit(x)
	default:
		return diag.Newf(diag.CodeGen, g.f.Name, "unsupported instruction %T", in)
	}

	return nil
}

func (g *funContext) binop(x ssa.BinOp) error {
	a := g.a

	g.load(amd64.RAX, x.L)
	g.load(amd64.RCX, x.R)

	switch x.Op {
	case "+":
		a.AddRegReg(amd64.RAX, amd64.RCX)
	case "-":
		a.SubRegReg(amd64.RAX, amd64.RCX)
	case "*":
		a.ImulRegReg(amd64.RAX, amd64.RCX)
	case "/":
		a.Cqo()
		a.IdivReg(amd64.RCX)
	case "mod":
		a.Cqo()
		a.IdivReg(amd64.RCX)
		a.MovRegReg(amd64.RAX, amd64.RDX)
	case "and":
		a.AndRegReg(amd64.RAX, amd64.RCX)
	case "or":
		a.OrRegReg(amd64.RAX, amd64.RCX)
	case "xor":
		a.XorRegReg(amd64.RAX, amd64.RCX)
	case "min":
		a.CmpRegReg(amd64.RAX, amd64.RCX)
		a.Cmovcc(amd64.G, amd64.RAX, amd64.RCX)
	case "max":
		a.CmpRegReg(amd64.RAX, amd64.RCX)
		a.Cmovcc(amd64.L, amd64.RAX, amd64.RCX)
	case "<", ">", "=", "<=", ">=", "<>":
		a.CmpRegReg(amd64.RAX, amd64.RCX)
		a.SetccAl(cond(x.Op))
		a.MovzxRaxAl()
		// forth truth is all ones
		a.NegReg(amd64.RAX)
	default:
		return diag.Newf(diag.CodeGen, g.f.Name, "unsupported binary op %q", x.Op)
	}

	g.store(x.Dst, amd64.RAX)

	return nil
}

func cond(op ssa.Op) amd64.Cond {
	switch op {
	case "<":
		return amd64.L
	case ">":
		return amd64.G
	case "=":
		return amd64.E
	case "<=":
		return amd64.LE
	case ">=":
		return amd64.GE
	}

	return amd64.NE
}

func (g *funContext) unop(x ssa.UnOp) error {
	a := g.a

	g.load(amd64.RAX, x.X)

	switch x.Op {
	case "negate":
		a.NegReg(amd64.RAX)
	case "invert":
		a.NotReg(amd64.RAX)
	case "abs":
		a.MovRegReg(amd64.RCX, amd64.RAX)
		a.NegReg(amd64.RAX)
		a.TestRegReg(amd64.RCX, amd64.RCX)
		a.Cmovcc(amd64.GE, amd64.RAX, amd64.RCX)
	case "1+":
		a.AddRegImm(amd64.RAX, 1)
	case "1-":
		a.SubRegImm(amd64.RAX, 1)
	case "2+":
		a.AddRegImm(amd64.RAX, 2)
	case "2*":
		a.ShlRegImm(amd64.RAX, 1)
	case "2/":
		a.SarRegImm(amd64.RAX, 1)
	default:
		return diag.Newf(diag.CodeGen, g.f.Name, "unsupported unary op %q", x.Op)
	}

	g.store(x.Dst, amd64.RAX)

	return nil
}

// call writes the arguments into this function's stack window, hands
// the callee the pointer above them and reads results back from the
// returned pointer. Deeper live values stay in spill slots, the callee
// never touches below its own inputs.
func (g *funContext) call(x ssa.Call) {
	a := g.a

	for i, arg := range x.Args {
		g.load(amd64.RAX, arg)
		a.MovMemReg(amd64.RBX, cell*int32(i), amd64.RAX)
	}

	a.Lea(amd64.RDI, amd64.RBX, cell*int32(len(x.Args)))

	g.reloc(amd64.RAX, RelocTable)
	a.MovRegMem(amd64.RAX, amd64.RAX, cell*int32(x.Func))
	a.CallReg(amd64.RAX)

	for j, dst := range x.Dst {
		a.MovRegMem(amd64.RCX, amd64.RAX, cell*int32(j-len(x.Dst)))
		g.store(dst, amd64.RCX)
	}
}

func (g *funContext) emit(x ssa.Emit) {
	a := g.a

	tag := int64(0)
	if x.Char {
		tag = 1
	}

	g.reloc(amd64.RCX, RelocEmit)
	a.MovRegMem(amd64.RAX, amd64.RCX, 0)

	// drop output when the buffer is full
	full := a.Label()
	a.CmpRegImm(amd64.RAX, EmitCap)
	a.Jcc(amd64.GE, full)

	a.MovRegReg(amd64.RDX, amd64.RAX)
	a.ShlRegImm(amd64.RDX, 4)
	a.AddRegReg(amd64.RDX, amd64.RCX)

	a.MovRegImm64(amd64.RSI, tag)
	a.MovMemReg(amd64.RDX, EmitHdrSize, amd64.RSI)

	g.load(amd64.RSI, x.Val)
	a.MovMemReg(amd64.RDX, EmitHdrSize+cell, amd64.RSI)

	a.AddRegImm(amd64.RAX, 1)
	a.MovMemReg(amd64.RCX, 0, amd64.RAX)

	a.Bind(full)
}

func (g *funContext) term(b ssa.Block, t ssa.Instr) error {
	a := g.a

	switch t := t.(type) {
	case ssa.Branch:
		g.phiMoves(b, t.Then)
		g.phiMoves(b, t.Else)

		g.load(amd64.RAX, t.Cond)
		a.TestRegReg(amd64.RAX, amd64.RAX)
		a.Jcc(amd64.NE, g.blocks[t.Then])
		a.Jmp(g.blocks[t.Else])
	case ssa.Jump:
		g.phiMoves(b, t.To)
		a.Jmp(g.blocks[t.To])
	case ssa.Ret:
		g.epilogue(t.Vals)
	default:
		return diag.Newf(diag.CodeGen, g.f.Name, "block %d: invalid terminator %T", b, t)
	}

	return nil
}

// phiMoves resolves the parallel copy into the successor's phi slots.
// Sources go through the machine stack so a swap cannot clobber.
func (g *funContext) phiMoves(from, to ssa.Block) {
	a := g.a

	phis := g.f.Blocks[to].Phis

	var dsts []ssa.Reg

	for _, phi := range phis {
		for _, in := range phi.Ins {
			if in.Pred != from || in.Val == phi.Dst {
				continue
			}

			g.load(amd64.RAX, in.Val)
			a.Push(amd64.RAX)

			dsts = append(dsts, phi.Dst)
		}
	}

	for i := len(dsts) - 1; i >= 0; i-- {
		a.Pop(amd64.RAX)
		g.store(dsts[i], amd64.RAX)
	}
}
