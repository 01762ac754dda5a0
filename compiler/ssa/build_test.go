package ssa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/lex"
	"github.com/quivent/fifth-sub003/compiler/parse"
)

func convert(t *testing.T, src string) *Package {
	t.Helper()

	toks, err := lex.Tokenize(src)
	require.NoError(t, err)

	p, err := parse.Parse(toks)
	require.NoError(t, err)

	pkg, err := Convert(context.Background(), p)
	require.NoError(t, err, "convert: %v", src)

	return pkg
}

func fn(t *testing.T, pkg *Package, name string) *Func {
	t.Helper()

	for i := len(pkg.Funcs) - 1; i >= 0; i-- {
		if pkg.Funcs[i].Name == name {
			return pkg.Funcs[i]
		}
	}

	t.Fatalf("no function %q", name)

	return nil
}

func TestTopLevelWrapped(t *testing.T) {
	pkg := convert(t, "42")

	require.Len(t, pkg.Funcs, 1)

	main := pkg.Funcs[pkg.Entry]
	assert.Equal(t, "main", main.Name)
	assert.Equal(t, 0, main.In)
	assert.Equal(t, 1, main.Out)

	require.Len(t, main.Blocks, 1)

	ret, ok := main.Blocks[0].Term.(Ret)
	require.True(t, ok)
	assert.Len(t, ret.Vals, 1)
}

func TestDefinitionArity(t *testing.T) {
	pkg := convert(t, ": double 2 * ; 5 double")

	d := fn(t, pkg, "double")
	assert.Equal(t, 1, d.In)
	assert.Equal(t, 1, d.Out)

	// the input is materialized by a param instruction
	p, ok := d.Blocks[0].Code[0].(Param)
	require.True(t, ok)
	assert.Equal(t, 0, p.Index)
}

func TestCallArity(t *testing.T) {
	pkg := convert(t, ": add3 + + ; 1 2 3 4 add3")

	main := pkg.Funcs[pkg.Entry]

	var call Call

	found := false

	for _, in := range main.Blocks[0].Code {
		if c, ok := in.(Call); ok {
			call, found = c, true
		}
	}

	require.True(t, found)
	assert.Len(t, call.Args, 3)
	assert.Len(t, call.Dst, 1)
	assert.Equal(t, 0, call.Func)

	assert.Equal(t, 2, main.Out)
}

func TestBranchMakesPhi(t *testing.T) {
	pkg := convert(t, ": f if 1 else 2 then ;")

	f := fn(t, pkg, "f")

	// entry, then, else, merge
	require.Len(t, f.Blocks, 4)

	_, ok := f.Blocks[0].Term.(Branch)
	require.True(t, ok)

	merge := f.Blocks[3]
	require.Len(t, merge.Preds, 2)
	require.Len(t, merge.Phis, 1)
	assert.Len(t, merge.Phis[0].Ins, 2)
}

func TestSameValueNoPhi(t *testing.T) {
	// both branches leave the untouched slot alone
	pkg := convert(t, ": f dup if 1 drop else 2 drop then ;")

	f := fn(t, pkg, "f")
	merge := f.Blocks[len(f.Blocks)-1]

	assert.Len(t, merge.Phis, 0)
}

func TestUntilLoopHeaderPhis(t *testing.T) {
	pkg := convert(t, ": countdown begin 1- dup 0 = until drop ;")

	f := fn(t, pkg, "countdown")
	assert.Equal(t, 1, f.In)
	assert.Equal(t, 0, f.Out)

	var header *BB

	for i := range f.Blocks {
		if len(f.Blocks[i].Phis) != 0 {
			header = &f.Blocks[i]
			break
		}
	}

	require.NotNil(t, header, "loop header with phis")
	require.Len(t, header.Preds, 2)

	for _, phi := range header.Phis {
		assert.Len(t, phi.Ins, 2)
	}
}

func TestDoLoopCounter(t *testing.T) {
	pkg := convert(t, ": sum 0 5 0 do i + loop ;")

	f := fn(t, pkg, "sum")
	assert.Equal(t, 0, f.In)
	assert.Equal(t, 1, f.Out)

	var header *BB

	for i := range f.Blocks {
		if len(f.Blocks[i].Phis) != 0 {
			header = &f.Blocks[i]
			break
		}
	}

	require.NotNil(t, header)

	// one phi for the accumulator, one for the counter
	assert.Len(t, header.Phis, 2)
}

func TestForwardReference(t *testing.T) {
	pkg := convert(t, ": f g ; : g 1 ;")

	f := fn(t, pkg, "f")

	call, ok := f.Blocks[0].Code[0].(Call)
	require.True(t, ok)
	assert.Equal(t, 1, call.Func)
}

func TestDirectRecursion(t *testing.T) {
	pkg := convert(t, ": factorial dup 2 < if drop 1 else dup 1- factorial * then ; 5 factorial")

	f := fn(t, pkg, "factorial")
	assert.Equal(t, 1, f.In)
	assert.Equal(t, 1, f.Out)

	found := false

	for bi := range f.Blocks {
		for _, in := range f.Blocks[bi].Code {
			if c, ok := in.(Call); ok && c.Func == f.ID {
				found = true
			}
		}
	}

	assert.True(t, found, "self call")
}

func TestRecurse(t *testing.T) {
	pkg := convert(t, ": down dup 0 > if 1- recurse then ;")

	f := fn(t, pkg, "down")

	found := false

	for bi := range f.Blocks {
		for _, in := range f.Blocks[bi].Code {
			if c, ok := in.(Call); ok && c.Func == f.ID {
				found = true
			}
		}
	}

	assert.True(t, found, "recurse compiles to a self call")
}

func TestShadowingBindsAtUse(t *testing.T) {
	pkg := convert(t, ": abc 1+ ; : abc 2+ ; 1 abc")

	require.Len(t, pkg.Funcs, 3)

	main := pkg.Funcs[pkg.Entry]

	var call Call

	found := false

	for _, in := range main.Blocks[0].Code {
		if c, ok := in.(Call); ok {
			call, found = c, true
		}
	}

	require.True(t, found)

	// the later definition wins at the point of use
	assert.Equal(t, 1, call.Func)
}

func TestVariablesGetCells(t *testing.T) {
	pkg := convert(t, "variable x variable y 1 x ! 2 y ! x @ y @ +")

	assert.Equal(t, 2, pkg.Cells)

	main := pkg.Funcs[pkg.Entry]

	loads := 0
	stores := 0

	for _, in := range main.Blocks[0].Code {
		switch in.(type) {
		case Load:
			loads++
		case Store:
			stores++
		}
	}

	assert.Equal(t, 2, loads)
	assert.Equal(t, 2, stores)
}

func TestConstantsFold(t *testing.T) {
	pkg := convert(t, "100 constant limit limit limit +")

	main := pkg.Funcs[pkg.Entry]

	consts := 0

	for _, in := range main.Blocks[0].Code {
		if c, ok := in.(LoadConst); ok && c.Value == 100 {
			consts++
		}
	}

	// declaration push plus two references
	assert.Equal(t, 3, consts)
}

func TestValidateAll(t *testing.T) {
	srcs := []string{
		"42",
		"10 20 + 3 *",
		": double 2 * ; 5 double",
		": test-math 5 3 + 2 * 4 - ;",
		": factorial dup 2 < if drop 1 else dup 1- factorial * then ; 5 factorial",
		": abc 1+ ; : abc 2+ ; 1 abc .",
		": countdown begin 1- dup 0 = until ;",
		": w begin dup 0 > while 1- repeat ;",
		": sum 0 10 0 do i + loop ;",
		": nested 0 3 0 do 3 0 do j i + + loop loop ;",
		"variable x 42 x ! x @",
		": deep dup if dup 1- if 1 else 2 then else 3 then ;",
	}

	for _, src := range srcs {
		pkg := convert(t, src)

		err := Validate(pkg)
		assert.NoError(t, err, "src: %s", src)
	}
}

func TestStringLiteralRejected(t *testing.T) {
	toks, err := lex.Tokenize(`"hello"`)
	require.NoError(t, err)

	p, err := parse.Parse(toks)
	require.NoError(t, err)

	_, err = Convert(context.Background(), p)
	require.Error(t, err)
}

func TestDump(t *testing.T) {
	pkg := convert(t, ": f if 1 else 2 then ; 1 f")

	d := Dump(pkg)
	assert.Contains(t, d, "func f")
	assert.Contains(t, d, "func main")
	assert.Contains(t, d, "phi")
}

func TestValidateCatchesDoubleDef(t *testing.T) {
	f := &Func{Name: "broken", NReg: 1}
	f.Blocks = []BB{{
		Code: []Instr{
			LoadConst{Dst: 0, Value: 1},
			LoadConst{Dst: 0, Value: 2},
		},
		Term: Ret{},
	}}

	err := Validate(&Package{Funcs: []*Func{f}})
	require.Error(t, err)
}

func TestValidateCatchesMissingTerminator(t *testing.T) {
	f := &Func{Name: "broken"}
	f.Blocks = []BB{{}}

	err := Validate(&Package{Funcs: []*Func{f}})
	require.Error(t, err)
}

func TestValidateCatchesPhiArity(t *testing.T) {
	f := &Func{Name: "broken", NReg: 2}
	f.Blocks = []BB{
		{Term: Jump{To: 1}},
		{
			Phis:  []Phi{{Dst: 1, Ins: []PhiIn{{Pred: 0, Val: 0}, {Pred: 0, Val: 0}}}},
			Preds: []Block{0},
			Term:  Ret{},
		},
	}

	err := Validate(&Package{Funcs: []*Func{f}})
	require.Error(t, err)
}

func program(t *testing.T, src string) *ast.Program {
	t.Helper()

	toks, err := lex.Tokenize(src)
	require.NoError(t, err)

	p, err := parse.Parse(toks)
	require.NoError(t, err)

	return p
}

func TestBalancedBranchStacks(t *testing.T) {
	// rejected by the effect pass in the full pipeline, conversion
	// guards the invariant on its own too
	_, err := Convert(context.Background(), program(t, ": f if 1 2 else 3 then ;"))
	require.Error(t, err)
}

func TestLoopIndexDepthChecked(t *testing.T) {
	// rejected by the semantic pass in the full pipeline, conversion
	// must error instead of indexing past the loop stack
	_, err := Convert(context.Background(), program(t, ": f i ;"))
	require.Error(t, err)

	e := err.(*diag.Error)
	assert.Equal(t, diag.SSA, e.Kind)

	_, err = Convert(context.Background(), program(t, ": f 5 0 do j drop loop ;"))
	require.Error(t, err)
}
