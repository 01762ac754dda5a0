// Package amd64 is a small instruction encoder, just enough surface
// for the stack threaded code the backend generates.
package amd64

import (
	"encoding/binary"

	"github.com/quivent/fifth-sub003/compiler/diag"
)

type (
	Reg byte

	Cond byte

	Label int

	Asm struct {
		Code []byte

		labels []int
		fixups []fixup
	}

	// fixup is an unresolved rel32 at a fixed code offset.
	fixup struct {
		at    int
		label Label
	}
)

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const (
	E  Cond = 0x4
	NE Cond = 0x5
	L  Cond = 0xc
	GE Cond = 0xd
	LE Cond = 0xe
	G  Cond = 0xf
)

func New() *Asm {
	return &Asm{}
}

func (a *Asm) Label() Label {
	a.labels = append(a.labels, -1)

	return Label(len(a.labels) - 1)
}

func (a *Asm) Bind(l Label) {
	a.labels[l] = len(a.Code)
}

// Finalize patches all recorded rel32 fixups. Every label must be
// bound by now.
func (a *Asm) Finalize() error {
	for _, f := range a.fixups {
		off := a.labels[f.label]
		if off < 0 {
			return diag.Newf(diag.CodeGen, "", "unbound label %d", f.label)
		}

		binary.LittleEndian.PutUint32(a.Code[f.at:], uint32(off-(f.at+4)))
	}

	a.fixups = a.fixups[:0]

	return nil
}

func (a *Asm) byte(bs ...byte) {
	a.Code = append(a.Code, bs...)
}

func (a *Asm) imm32(v int32) {
	a.Code = binary.LittleEndian.AppendUint32(a.Code, uint32(v))
}

// rex emits a REX prefix with W set. reg and rm supply the R and B
// extension bits.
func (a *Asm) rex(reg, rm Reg) {
	a.byte(0x48 | byte(reg>>3)<<2 | byte(rm>>3))
}

// modrmDirect is mod=11 register-to-register.
func (a *Asm) modrmDirect(reg, rm Reg) {
	a.byte(0xc0 | byte(reg&7)<<3 | byte(rm&7))
}

// modrmDisp addresses [base+disp32]. RSP and R12 bases take a SIB byte.
func (a *Asm) modrmDisp(reg, base Reg, disp int32) {
	a.byte(0x80 | byte(reg&7)<<3 | byte(base&7))

	if base&7 == 4 {
		a.byte(0x24)
	}

	a.imm32(disp)
}

func (a *Asm) MovRegReg(dst, src Reg) {
	a.rex(src, dst)
	a.byte(0x89)
	a.modrmDirect(src, dst)
}

func (a *Asm) MovRegImm64(dst Reg, v int64) {
	a.byte(0x48 | byte(dst>>3))
	a.byte(0xb8 + byte(dst&7))
	a.Code = binary.LittleEndian.AppendUint64(a.Code, uint64(v))
}

func (a *Asm) MovRegMem(dst, base Reg, disp int32) {
	a.rex(dst, base)
	a.byte(0x8b)
	a.modrmDisp(dst, base, disp)
}

func (a *Asm) MovMemReg(base Reg, disp int32, src Reg) {
	a.rex(src, base)
	a.byte(0x89)
	a.modrmDisp(src, base, disp)
}

func (a *Asm) Lea(dst, base Reg, disp int32) {
	a.rex(dst, base)
	a.byte(0x8d)
	a.modrmDisp(dst, base, disp)
}

func (a *Asm) Push(r Reg) {
	if r >= R8 {
		a.byte(0x41)
	}

	a.byte(0x50 + byte(r&7))
}

func (a *Asm) Pop(r Reg) {
	if r >= R8 {
		a.byte(0x41)
	}

	a.byte(0x58 + byte(r&7))
}

// alu covers the classic reg-to-reg forms: dst = dst op src.
func (a *Asm) alu(op byte, dst, src Reg) {
	a.rex(src, dst)
	a.byte(op)
	a.modrmDirect(src, dst)
}

func (a *Asm) AddRegReg(dst, src Reg) { a.alu(0x01, dst, src) }
func (a *Asm) SubRegReg(dst, src Reg) { a.alu(0x29, dst, src) }
func (a *Asm) AndRegReg(dst, src Reg) { a.alu(0x21, dst, src) }
func (a *Asm) OrRegReg(dst, src Reg)  { a.alu(0x09, dst, src) }
func (a *Asm) XorRegReg(dst, src Reg) { a.alu(0x31, dst, src) }
func (a *Asm) CmpRegReg(l, r Reg)     { a.alu(0x39, l, r) }
func (a *Asm) TestRegReg(l, r Reg)    { a.alu(0x85, l, r) }

func (a *Asm) ImulRegReg(dst, src Reg) {
	a.rex(dst, src)
	a.byte(0x0f, 0xaf)
	a.modrmDirect(dst, src)
}

// group1 is the 81 /n imm32 family.
func (a *Asm) group1(n byte, dst Reg, v int32) {
	a.rex(0, dst)
	a.byte(0x81)
	a.byte(0xc0 | n<<3 | byte(dst&7))
	a.imm32(v)
}

func (a *Asm) AddRegImm(dst Reg, v int32) { a.group1(0, dst, v) }
func (a *Asm) SubRegImm(dst Reg, v int32) { a.group1(5, dst, v) }
func (a *Asm) CmpRegImm(dst Reg, v int32) { a.group1(7, dst, v) }

// group3 is the F7 /n family.
func (a *Asm) group3(n byte, r Reg) {
	a.rex(0, r)
	a.byte(0xf7)
	a.byte(0xc0 | n<<3 | byte(r&7))
}

func (a *Asm) NotReg(r Reg)  { a.group3(2, r) }
func (a *Asm) NegReg(r Reg)  { a.group3(3, r) }
func (a *Asm) IdivReg(r Reg) { a.group3(7, r) }

func (a *Asm) Cqo() {
	a.byte(0x48, 0x99)
}

func (a *Asm) ShlRegImm(r Reg, n byte) {
	a.rex(0, r)
	a.byte(0xc1)
	a.byte(0xc0 | 4<<3 | byte(r&7))
	a.byte(n)
}

func (a *Asm) SarRegImm(r Reg, n byte) {
	a.rex(0, r)
	a.byte(0xc1)
	a.byte(0xc0 | 7<<3 | byte(r&7))
	a.byte(n)
}

// SetccAl writes the condition into AL. The caller widens it.
func (a *Asm) SetccAl(c Cond) {
	a.byte(0x0f, 0x90+byte(c), 0xc0)
}

// MovzxRaxAl zero extends AL into RAX.
func (a *Asm) MovzxRaxAl() {
	a.byte(0x48, 0x0f, 0xb6, 0xc0)
}

func (a *Asm) Cmovcc(c Cond, dst, src Reg) {
	a.rex(dst, src)
	a.byte(0x0f, 0x40+byte(c))
	a.modrmDirect(dst, src)
}

func (a *Asm) Jmp(l Label) {
	a.byte(0xe9)
	a.rel32(l)
}

func (a *Asm) Jcc(c Cond, l Label) {
	a.byte(0x0f, 0x80+byte(c))
	a.rel32(l)
}

func (a *Asm) rel32(l Label) {
	if off := a.labels[l]; off >= 0 {
		a.imm32(int32(off - (len(a.Code) + 4)))
		return
	}

	a.fixups = append(a.fixups, fixup{at: len(a.Code), label: l})
	a.imm32(0)
}

func (a *Asm) CallReg(r Reg) {
	if r >= R8 {
		a.byte(0x41)
	}

	a.byte(0xff)
	a.byte(0xc0 | 2<<3 | byte(r&7))
}

func (a *Asm) Ret() {
	a.byte(0xc3)
}
