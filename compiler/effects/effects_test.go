package effects

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

func program(t *testing.T, src string) *ast.Program {
	t.Helper()

	toks, err := lex.Tokenize(src)
	require.NoError(t, err)

	p, err := parse.Parse(toks)
	require.NoError(t, err)

	return p
}

func TestArithmetic(t *testing.T) {
	p := program(t, ": f 2 3 + ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, Effect{In: 0, Out: 1}, effs[0])
}

func TestDeficitBecomesInputs(t *testing.T) {
	p := program(t, ": double 2 * ; : add3 + + ;")

	effs, table, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, Effect{In: 1, Out: 1}, effs[0])
	assert.Equal(t, Effect{In: 3, Out: 1}, effs[1])
	assert.Equal(t, Effect{In: 1, Out: 1}, table["double"])
}

func TestStackWords(t *testing.T) {
	p := program(t, ": a dup ; : b swap ; : c over ; : d rot drop ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, Effect{In: 1, Out: 2}, effs[0])
	assert.Equal(t, Effect{In: 2, Out: 2}, effs[1])
	assert.Equal(t, Effect{In: 2, Out: 3}, effs[2])
	assert.Equal(t, Effect{In: 3, Out: 2}, effs[3])
}

func TestUserWordComposition(t *testing.T) {
	p := program(t, ": double 2 * ; : quad double double ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, Effect{In: 1, Out: 1}, effs[1])
}

func TestBranchesBalance(t *testing.T) {
	p := program(t, ": f if 1 else 2 then ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	// one flag in, one value out
	assert.Equal(t, Effect{In: 1, Out: 1}, effs[0])
}

func TestBranchMismatchRejected(t *testing.T) {
	p := program(t, ": f if 1 2 else 3 then ;")

	_, _, err := New().Program(context.Background(), p)
	require.Error(t, err)

	e := err.(*diag.Error)
	assert.Equal(t, diag.ControlStructure, e.Kind)
}

func TestLoopMustBeNeutral(t *testing.T) {
	p := program(t, ": f begin 1 1 until ;")

	_, _, err := New().Program(context.Background(), p)
	require.Error(t, err)

	p = program(t, ": g 5 0 do 9 loop ;")

	_, _, err = New().Program(context.Background(), p)
	require.Error(t, err)
}

func TestCountdownLoop(t *testing.T) {
	p := program(t, ": f begin 1- dup 0 = until drop ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, Effect{In: 1, Out: 0}, effs[0])
}

func TestForwardReference(t *testing.T) {
	p := program(t, ": f g 1 + ; : g 41 ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, Effect{In: 0, Out: 1}, effs[0])
	assert.Equal(t, Effect{In: 0, Out: 1}, effs[1])
}

func TestForwardChain(t *testing.T) {
	p := program(t, ": f g ; : g h ; : h 1 2 ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	for i := range effs {
		assert.Equal(t, Effect{In: 0, Out: 2}, effs[i], "def %d", i)
	}
}

func TestIncrementWords(t *testing.T) {
	for _, w := range []string{"1+", "1-", "2+", "2*", "2/"} {
		e, ok := Builtin(w)
		require.True(t, ok, w)
		assert.Equal(t, Effect{In: 1, Out: 1}, e, w)
	}
}

func TestIfWithoutElseMustBalance(t *testing.T) {
	p := program(t, ": f if 1 then ;")

	_, _, err := New().Program(context.Background(), p)
	require.Error(t, err)

	e := err.(*diag.Error)
	assert.Equal(t, diag.ControlStructure, e.Kind)

	p = program(t, ": g 1 if 2 drop then ;")

	_, _, err = New().Program(context.Background(), p)
	require.NoError(t, err)
}

func TestRecursionViaOwnName(t *testing.T) {
	p := program(t, ": factorial dup 2 < if drop 1 else dup 1- factorial * then ;")

	effs, _, err := New().Program(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, Effect{In: 1, Out: 1}, effs[0])
}

func TestDeclaredEffectChecked(t *testing.T) {
	p := program(t, ": f ( a b -- c ) + ;")

	g := New()
	g.Strict = true

	_, _, err := g.Program(context.Background(), p)
	require.NoError(t, err)

	p = program(t, ": f ( a -- b c ) dup dup ;")

	g = New()
	g.Strict = true

	_, _, err = g.Program(context.Background(), p)
	require.Error(t, err)

	e := err.(*diag.Error)
	assert.Equal(t, diag.InvalidStackEffect, e.Kind)
}
