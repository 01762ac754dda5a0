package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/lex"
)

func parseSrc(t *testing.T, src string) (*ast.Program, error) {
	t.Helper()

	toks, err := lex.Tokenize(src)
	require.NoError(t, err)

	return Parse(toks)
}

func TestDefinition(t *testing.T) {
	p, err := parseSrc(t, ": double 2 * ; 5 double")
	require.NoError(t, err)

	require.Len(t, p.Defs, 1)
	assert.Equal(t, "double", p.Defs[0].Name)
	require.Len(t, p.Defs[0].Body, 2)

	require.Len(t, p.Top, 2)
	assert.Equal(t, ast.Int{Base: ast.Base{Line: 1, Col: 16}, Value: 5}, p.Top[0])
	assert.Equal(t, "double", p.Top[1].(ast.Ref).Name)
}

func TestStackEffectAttached(t *testing.T) {
	p, err := parseSrc(t, ": sq ( n -- n2 ) dup * ;")
	require.NoError(t, err)

	require.Len(t, p.Defs, 1)
	require.NotNil(t, p.Defs[0].Effect)

	in, out := p.Defs[0].Effect.Arity()
	assert.Equal(t, 1, in)
	assert.Equal(t, 1, out)

	// the effect comment is not part of the body
	assert.Len(t, p.Defs[0].Body, 2)
}

func TestControlNesting(t *testing.T) {
	p, err := parseSrc(t, ": f IF 1 if 2 else 3 then ELSE 4 THEN ;")
	require.NoError(t, err)

	outer := p.Defs[0].Body[0].(ast.If)
	require.Len(t, outer.Then, 2)
	require.Len(t, outer.Else, 1)

	inner := outer.Then[1].(ast.If)
	assert.Len(t, inner.Then, 1)
	assert.Len(t, inner.Else, 1)
}

func TestLoops(t *testing.T) {
	p, err := parseSrc(t, ": a begin 1- dup until ; : b begin dup while 1- repeat ; : c 10 0 do i loop ;")
	require.NoError(t, err)

	require.Len(t, p.Defs, 3)

	_, ok := p.Defs[0].Body[0].(ast.BeginUntil)
	assert.True(t, ok)

	w, ok := p.Defs[1].Body[0].(ast.BeginWhile)
	require.True(t, ok)
	assert.Len(t, w.Cond, 1)
	assert.Len(t, w.Body, 1)

	d, ok := p.Defs[2].Body[2].(ast.DoLoop)
	require.True(t, ok)
	assert.Len(t, d.Body, 1)
}

func TestImmediate(t *testing.T) {
	p, err := parseSrc(t, ": m 1 ; immediate : n 2 ;")
	require.NoError(t, err)

	require.Len(t, p.Defs, 2)
	assert.True(t, p.Defs[0].Immediate)
	assert.False(t, p.Defs[1].Immediate)
}

func TestVariableConstant(t *testing.T) {
	p, err := parseSrc(t, "variable counter 100 constant limit counter limit")
	require.NoError(t, err)

	require.Len(t, p.Top, 4)

	v := p.Top[0].(ast.Variable)
	assert.Equal(t, "counter", v.Name)

	c := p.Top[1].(ast.Constant)
	assert.Equal(t, "limit", c.Name)
	assert.Equal(t, int64(100), c.Value)
}

func TestCaseInsensitiveNames(t *testing.T) {
	p, err := parseSrc(t, ": Double 2 * ; 5 DOUBLE")
	require.NoError(t, err)

	assert.Equal(t, "double", p.Defs[0].Name)
	assert.Equal(t, "double", p.Top[1].(ast.Ref).Name)
}

func TestUnterminatedDefinition(t *testing.T) {
	_, err := parseSrc(t, ": broken 1 2 +")
	require.Error(t, err)
}

func TestDanglingThen(t *testing.T) {
	_, err := parseSrc(t, ": f then ;")
	require.Error(t, err)

	e := err.(*diag.List)
	assert.Equal(t, diag.ControlStructure, e.Errs[0].Kind)
}

func TestRecoverToNextDefinition(t *testing.T) {
	p, err := parseSrc(t, ": bad if 1 ; : good 2 ;")
	require.Error(t, err)

	// the error in bad does not prevent parsing good
	require.Len(t, p.Defs, 1)
	assert.Equal(t, "good", p.Defs[0].Name)
}

func TestMultipleErrorsCollected(t *testing.T) {
	_, err := parseSrc(t, ": a until ; : b repeat ;")
	require.Error(t, err)

	e := err.(*diag.List)
	assert.Len(t, e.Errs, 2)
}
