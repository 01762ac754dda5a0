package ssa

import (
	"fmt"
)

// Dump renders the package in a readable form for debug logging.
func Dump(p *Package) string {
	var b []byte

	for _, f := range p.Funcs {
		b = dumpFunc(b, f)
	}

	return string(b)
}

func dumpFunc(b []byte, f *Func) []byte {
	b = fmt.Appendf(b, "func %s  #%d  (%d -- %d)\n", f.Name, f.ID, f.In, f.Out)

	for bi := range f.Blocks {
		bb := &f.Blocks[bi]

		b = fmt.Appendf(b, "b%d:", bi)

		for _, p := range bb.Preds {
			b = fmt.Appendf(b, "  <-b%d", p)
		}

		b = fmt.Appendf(b, "\n")

		for _, phi := range bb.Phis {
			b = fmt.Appendf(b, "\tr%d = phi", phi.Dst)

			for _, in := range phi.Ins {
				b = fmt.Appendf(b, "  [b%d: r%d]", in.Pred, in.Val)
			}

			b = fmt.Appendf(b, "\n")
		}

		for _, in := range bb.Code {
			b = dumpInstr(b, in)
		}

		switch t := bb.Term.(type) {
		case Branch:
			b = fmt.Appendf(b, "\tbr r%d -> b%d, b%d\n", t.Cond, t.Then, t.Else)
		case Jump:
			b = fmt.Appendf(b, "\tjmp -> b%d\n", t.To)
		case Ret:
			b = fmt.Appendf(b, "\tret %v\n", t.Vals)
		default:
			b = fmt.Appendf(b, "\t<no terminator>\n")
		}
	}

	return b
}

func dumpInstr(b []byte, in Instr) []byte {
	switch x := in.(type) {
	case Param:
		return fmt.Appendf(b, "\tr%d = param %d\n", x.Dst, x.Index)
	case LoadConst:
		return fmt.Appendf(b, "\tr%d = const %d\n", x.Dst, x.Value)
	case LoadAddr:
		return fmt.Appendf(b, "\tr%d = addr cell[%d]\n", x.Dst, x.Cell)
	case BinOp:
		return fmt.Appendf(b, "\tr%d = r%d %s r%d\n", x.Dst, x.L, x.Op, x.R)
	case UnOp:
		return fmt.Appendf(b, "\tr%d = %s r%d\n", x.Dst, x.Op, x.X)
	case Call:
		return fmt.Appendf(b, "\t%v = call #%d %v\n", x.Dst, x.Func, x.Args)
	case Load:
		return fmt.Appendf(b, "\tr%d = load [r%d]\n", x.Dst, x.Addr)
	case Store:
		return fmt.Appendf(b, "\tstore [r%d] = r%d\n", x.Addr, x.Val)
	case Emit:
		if x.Char {
			return fmt.Appendf(b, "\temit char r%d\n", x.Val)
		}

		return fmt.Appendf(b, "\temit r%d\n", x.Val)
	}

	return fmt.Appendf(b, "\t%T%+v\n", in, in)
}
