// Package jit installs compiled modules into executable memory and
// runs them.
//
// One read-write data mapping holds the function pointer table, the
// variable cells, the emit buffer and the data stack. The code mapping
// is sealed read-execute after the address relocations are patched.
// Native frames run on the calling goroutine's stack; the compiled
// code keeps frames small and never calls back into Go.
package jit

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler/back"
	"github.com/quivent/fifth-sub003/compiler/diag"
)

type (
	Module struct {
		code []byte
		data []byte

		funcs []back.FuncInfo
		entry int

		tableOff int
		cellsOff int
		emitOff  int
		stackOff int

		stackCap int
	}

	// Result reports the state of the data stack after a run plus the
	// output collected from `.` and emit.
	Result struct {
		Depth  int
		Top    []int64
		Output string
	}
)

// DefaultStackCap is the data stack capacity in cells.
const DefaultStackCap = 64 * 1024

// Install maps the module into memory, fills the function pointer
// table and patches the address relocations.
func Install(ctx context.Context, m *back.Module) (_ *Module, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "install_module", "code_size", len(m.Code), "funcs", len(m.Funcs))
	defer tr.Finish("err", &err)

	if !Supported() {
		return nil, errors.New("jit execution is not supported on this platform")
	}

	j := &Module{
		funcs: m.Funcs,
		entry: m.Entry,

		stackCap: DefaultStackCap,
	}

	j.tableOff = 0
	j.cellsOff = j.tableOff + 8*len(m.Funcs)
	j.emitOff = j.cellsOff + 8*m.Cells
	j.stackOff = align(j.emitOff+back.EmitHdrSize+back.EmitCap*back.EmitEntrySize, 64)

	dataSize := j.stackOff + 8*j.stackCap

	j.data, err = mapRW(dataSize)
	if err != nil {
		return nil, errors.Wrap(err, "map data")
	}

	j.code, err = mapRW(len(m.Code))
	if err != nil {
		_ = unmap(j.data)
		return nil, errors.Wrap(err, "map code")
	}

	copy(j.code, m.Code)

	for _, r := range m.Relocs {
		var base uintptr

		switch r.Kind {
		case back.RelocTable:
			base = j.dataPtr(j.tableOff)
		case back.RelocCells:
			base = j.dataPtr(j.cellsOff)
		case back.RelocEmit:
			base = j.dataPtr(j.emitOff)
		default:
			err = errors.New("unknown relocation kind %v", r.Kind)

			_ = j.Close()

			return nil, err
		}

		binary.LittleEndian.PutUint64(j.code[r.Off:], uint64(base))
	}

	for id, f := range m.Funcs {
		putPtr(j.data[j.tableOff+8*id:], j.codePtr(f.Off))
	}

	err = protectRX(j.code)
	if err != nil {
		_ = j.Close()

		return nil, errors.Wrap(err, "seal code")
	}

	return j, nil
}

// Execute runs the named function, or the top level code when name is
// empty. The entry must not consume stack inputs.
func (j *Module) Execute(ctx context.Context, name string) (res Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "execute", "entry", name)
	defer tr.Finish("err", &err)

	id := j.entry

	if name != "" {
		id, err = j.lookup(name)
		if err != nil {
			return res, err
		}
	}

	f := j.funcs[id]

	if f.In != 0 {
		return res, diag.Newf(diag.Runtime, f.Name, "entry consumes %d stack inputs", f.In)
	}

	// reset the emit buffer
	putPtr(j.data[j.emitOff:], 0)

	base := j.dataPtr(j.stackOff)

	sp := call(j.codePtr(f.Off), base)

	if sp < base || (sp-base)%8 != 0 {
		return res, diag.Newf(diag.Runtime, f.Name, "corrupt stack pointer returned")
	}

	res.Depth = int(sp-base) / 8

	for d := res.Depth - 1; d >= 0 && len(res.Top) < 8; d-- {
		res.Top = append(res.Top, getInt(j.data[j.stackOff+8*d:]))
	}

	res.Output = j.output()

	return res, nil
}

// lookup resolves a word name to its table id, preferring the latest
// definition.
func (j *Module) lookup(name string) (int, error) {
	for id := len(j.funcs) - 1; id >= 0; id-- {
		if j.funcs[id].Name == name {
			return id, nil
		}
	}

	return 0, diag.Newf(diag.Runtime, name, "no such function")
}

func (j *Module) output() string {
	n := int(getInt(j.data[j.emitOff:]))
	if n > back.EmitCap {
		n = back.EmitCap
	}

	var b strings.Builder

	for i := 0; i < n; i++ {
		off := j.emitOff + back.EmitHdrSize + i*back.EmitEntrySize

		tag := getInt(j.data[off:])
		val := getInt(j.data[off+8:])

		if tag == 1 {
			b.WriteByte(byte(val))
			continue
		}

		if b.Len() != 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte(' ')
		}

		fmt.Fprintf(&b, "%d", val)
	}

	return b.String()
}

func (j *Module) Close() error {
	var err error

	if j.code != nil {
		err = unmap(j.code)
		j.code = nil
	}

	if j.data != nil {
		e := unmap(j.data)
		if err == nil {
			err = e
		}

		j.data = nil
	}

	return err
}

func putPtr(b []byte, v uintptr) {
	binary.LittleEndian.PutUint64(b, uint64(v))
}

func getInt(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func align(v, to int) int {
	return (v + to - 1) &^ (to - 1)
}
