package ssa

import (
	"github.com/quivent/fifth-sub003/compiler/diag"
)

// Validate checks the SSA well-formedness invariants of every function.
// A failure here is a converter bug, not a user error.
func Validate(p *Package) error {
	for _, f := range p.Funcs {
		err := validateFunc(p, f)
		if err != nil {
			return err
		}
	}

	return nil
}

func validateFunc(p *Package, f *Func) error {
	defs := make([]int, f.NReg)

	def := func(r Reg) error {
		if r < 0 || int(r) >= f.NReg {
			return diag.Newf(diag.SSA, f.Name, "register %d out of range", r)
		}

		defs[r]++

		if defs[r] > 1 {
			return diag.Newf(diag.SSA, f.Name, "register %d defined %d times", r, defs[r])
		}

		return nil
	}

	use := func(r Reg) error {
		if r < 0 || int(r) >= f.NReg {
			return diag.Newf(diag.SSA, f.Name, "use of register %d out of range", r)
		}

		return nil
	}

	blk := func(b Block) error {
		if b < 0 || int(b) >= len(f.Blocks) {
			return diag.Newf(diag.SSA, f.Name, "block %d out of range", b)
		}

		return nil
	}

	for bi := range f.Blocks {
		b := &f.Blocks[bi]

		for _, phi := range b.Phis {
			err := def(phi.Dst)
			if err != nil {
				return err
			}

			if len(phi.Ins) != len(b.Preds) {
				return diag.Newf(diag.SSA, f.Name,
					"block %d: phi r%d has %d incomings, %d predecessors", bi, phi.Dst, len(phi.Ins), len(b.Preds))
			}

			for _, in := range phi.Ins {
				err = blk(in.Pred)
				if err == nil {
					err = use(in.Val)
				}

				if err != nil {
					return err
				}

				if !hasPred(b.Preds, in.Pred) {
					return diag.Newf(diag.SSA, f.Name, "block %d: phi r%d incoming from non predecessor %d", bi, phi.Dst, in.Pred)
				}
			}
		}

		for _, in := range b.Code {
			err := validateInstr(f, in, def, use)
			if err != nil {
				return err
			}
		}

		err := validateTerm(f, bi, b, use, blk)
		if err != nil {
			return err
		}
	}

	for r := 0; r < f.NReg; r++ {
		if defs[r] == 0 {
			return diag.Newf(diag.SSA, f.Name, "register %d never defined", r)
		}
	}

	return nil
}

func validateInstr(f *Func, in Instr, def, use func(Reg) error) error {
	var err error

	d := func(r Reg) {
		if err == nil {
			err = def(r)
		}
	}

	u := func(r Reg) {
		if err == nil {
			err = use(r)
		}
	}

	switch x := in.(type) {
	case Param:
		d(x.Dst)
	case LoadConst:
		d(x.Dst)
	case LoadAddr:
		d(x.Dst)
	case BinOp:
		u(x.L)
		u(x.R)
		d(x.Dst)
	case UnOp:
		u(x.X)
		d(x.Dst)
	case Call:
		for _, a := range x.Args {
			u(a)
		}

		for _, r := range x.Dst {
			d(r)
		}
	case Load:
		u(x.Addr)
		d(x.Dst)
	case Store:
		u(x.Addr)
		u(x.Val)
	case Emit:
		u(x.Val)
	default:
		err = diag.Newf(diag.SSA, f.Name, "instruction %T in block body", in)
	}

	return err
}

func validateTerm(f *Func, bi int, b *BB, use func(Reg) error, blk func(Block) error) error {
	switch t := b.Term.(type) {
	case Branch:
		err := use(t.Cond)
		if err == nil {
			err = blk(t.Then)
		}

		if err == nil {
			err = blk(t.Else)
		}

		return err
	case Jump:
		return blk(t.To)
	case Ret:
		for _, r := range t.Vals {
			err := use(r)
			if err != nil {
				return err
			}
		}

		return nil
	case nil:
		return diag.Newf(diag.SSA, f.Name, "block %d has no terminator", bi)
	}

	return diag.Newf(diag.SSA, f.Name, "block %d: invalid terminator %T", bi, b.Term)
}

func hasPred(preds []Block, b Block) bool {
	for _, p := range preds {
		if p == b {
			return true
		}
	}

	return false
}
