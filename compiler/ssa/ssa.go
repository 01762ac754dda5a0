// Package ssa lowers the syntax tree into functions in static single
// assignment form.
//
// Blocks and registers are plain indices into the owning function,
// there are no pointer cycles. Every register has exactly one defining
// instruction, every block exactly one terminator.
package ssa

import (
	"tlog.app/go/tlog/tlwire"
)

type (
	// Reg is a virtual register, unique within its function.
	Reg int

	// Block is a basic block index within its function.
	Block int

	Op string

	Instr interface{}

	// Param materializes the function input at Index, bottom first.
	// Only the entry block carries these.
	Param struct {
		Dst   Reg
		Index int
	}

	LoadConst struct {
		Dst   Reg
		Value int64
	}

	// LoadAddr takes the address of a global variable cell. The cell
	// base is resolved when the module is installed.
	LoadAddr struct {
		Dst  Reg
		Cell int
	}

	BinOp struct {
		Dst  Reg
		Op   Op
		L, R Reg
	}

	UnOp struct {
		Dst Reg
		Op  Op
		X   Reg
	}

	// Call invokes the function table entry Func. Args are bottom
	// first, as are the result registers.
	Call struct {
		Dst  []Reg
		Func int
		Args []Reg
	}

	Load struct {
		Dst  Reg
		Addr Reg
	}

	Store struct {
		Addr Reg
		Val  Reg
	}

	// Emit appends Val to the run output, as a number or a character.
	Emit struct {
		Val  Reg
		Char bool
	}

	PhiIn struct {
		Pred Block
		Val  Reg
	}

	Phi struct {
		Dst Reg
		Ins []PhiIn
	}

	Branch struct {
		Cond       Reg
		Then, Else Block
	}

	Jump struct {
		To Block
	}

	Ret struct {
		Vals []Reg
	}

	BB struct {
		Phis  []Phi
		Code  []Instr
		Term  Instr
		Preds []Block
	}

	Func struct {
		Name string
		ID   int

		In  int
		Out int

		Blocks []BB
		NReg   int
	}

	// Package is the unit handed to the backend. Entry indexes Funcs.
	Package struct {
		Funcs []*Func
		Entry int

		// number of global variable cells
		Cells int
	}
)

const None Reg = -1

func (r Reg) TlogAppend(b []byte) []byte {
	var enc tlwire.Encoder
	return enc.AppendInt(b, int(r))
}

func (bl Block) TlogAppend(b []byte) []byte {
	var enc tlwire.Encoder
	return enc.AppendInt(b, int(bl))
}

func (p PhiIn) TlogAppend(b []byte) []byte {
	var enc tlwire.Encoder

	b = enc.AppendMap(b, 2)
	b = enc.AppendKeyInt(b, "pred", int(p.Pred))
	b = enc.AppendKeyInt(b, "val", int(p.Val))

	return b
}
