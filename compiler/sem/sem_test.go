package sem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/effects"
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

func analyze(t *testing.T, src string, strict bool) (*Result, error) {
	t.Helper()

	a := New()
	a.Strict = strict

	return a.Analyze(context.Background(), program(t, src))
}

func TestClean(t *testing.T) {
	res, err := analyze(t, ": double 2 * ; 5 double", false)
	require.NoError(t, err)

	assert.Equal(t, effects.Effect{In: 1, Out: 1}, res.Effects["double"])
	require.Len(t, res.PerDef, 1)
}

func TestUndefinedWord(t *testing.T) {
	_, err := analyze(t, ": f missing-word ;", false)
	require.Error(t, err)

	e := err.(*diag.List)
	require.Len(t, e.Errs, 1)
	assert.Equal(t, diag.UndefinedWord, e.Errs[0].Kind)
}

func TestForwardReferenceAllowed(t *testing.T) {
	_, err := analyze(t, ": f g ; : g 1 ; f", false)
	require.NoError(t, err)
}

func TestForwardReferenceArity(t *testing.T) {
	// f must see g's real effect, not a placeholder
	_, err := analyze(t, ": f g 1 + ; : g 41 ; f .", false)
	require.NoError(t, err)
}

func TestRecursionAllowed(t *testing.T) {
	_, err := analyze(t, ": factorial dup 2 < if drop 1 else dup 1- factorial * then ; 5 factorial", false)
	require.NoError(t, err)
}

func TestRedefinitionShadowWarnsOnly(t *testing.T) {
	_, err := analyze(t, ": abc 1+ ; : abc 2+ ; 1 abc", false)
	require.NoError(t, err)
}

func TestRedefinitionStrict(t *testing.T) {
	_, err := analyze(t, ": abc 1+ ; : abc 2+ ;", true)
	require.Error(t, err)

	e := err.(*diag.List)
	assert.Equal(t, diag.Redefinition, e.Errs[0].Kind)
}

func TestTopLevelUnderflow(t *testing.T) {
	_, err := analyze(t, "1 + +", false)
	require.Error(t, err)

	e := err.(*diag.List)
	assert.Equal(t, diag.StackUnderflow, e.Errs[0].Kind)
}

func TestBranchMismatchReported(t *testing.T) {
	_, err := analyze(t, ": f if 1 2 else 3 then ;", false)
	require.Error(t, err)

	e := err.(*diag.List)
	assert.Equal(t, diag.ControlStructure, e.Errs[0].Kind)
}

func TestLoopIndexOutsideLoop(t *testing.T) {
	_, err := analyze(t, ": f i ;", false)
	require.Error(t, err)

	_, err = analyze(t, ": f 5 0 do j loop ;", false)
	require.Error(t, err)

	_, err = analyze(t, ": f 5 0 do 3 0 do j i + drop loop loop ;", false)
	require.NoError(t, err)
}

func TestRecurseOutsideDefinition(t *testing.T) {
	_, err := analyze(t, "1 recurse", false)
	require.Error(t, err)
}

func TestMultipleErrorsCollected(t *testing.T) {
	_, err := analyze(t, ": f missing-one ; : g missing-two ;", false)
	require.Error(t, err)

	e := err.(*diag.List)
	assert.Len(t, e.Errs, 2)
}

func TestVariablesResolve(t *testing.T) {
	_, err := analyze(t, "variable x 42 x ! x @ 1 +", false)
	require.NoError(t, err)
}
