package tp

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

func infer(t *testing.T, src string) (Subst, error) {
	t.Helper()

	toks, err := lex.Tokenize(src)
	require.NoError(t, err)

	p, err := parse.Parse(toks)
	require.NoError(t, err)

	_, effs, err := effects.New().Program(context.Background(), p)
	require.NoError(t, err)

	return Infer(context.Background(), p, effs)
}

func TestArithmeticTypes(t *testing.T) {
	_, err := infer(t, "1 2 + 3 *")
	require.NoError(t, err)
}

func TestBoolIntCompatible(t *testing.T) {
	// comparison result used as an operand and a literal as a flag
	_, err := infer(t, ": f 1 2 < 1 + ; : g 1 if 2 drop then ;")
	require.NoError(t, err)
}

func TestAddrAsFlagRejected(t *testing.T) {
	_, err := infer(t, "variable x x if 1 then")
	require.Error(t, err)

	e := err.(*diag.Error)
	assert.Equal(t, diag.Type, e.Kind)
}

func TestAddrArithmeticRejected(t *testing.T) {
	_, err := infer(t, "variable x x 1 +")
	require.Error(t, err)
}

func TestStoreFetch(t *testing.T) {
	_, err := infer(t, "variable x 42 x ! x @ 1 +")
	require.NoError(t, err)
}

func TestPolymorphicDup(t *testing.T) {
	// dup works on an address and on an int in the same program
	_, err := infer(t, "1 dup + variable x x dup drop drop")
	require.NoError(t, err)
}

func TestBranchResultsUnified(t *testing.T) {
	_, err := infer(t, ": f if 1 else variable x drop x then 1 + ;")
	require.Error(t, err)
}

func TestUnifyBindsOnce(t *testing.T) {
	g := &Inferrer{subst: Subst{}}

	v := g.fresh()

	require.NoError(t, g.Unify(v, Int{}))
	assert.Equal(t, Int{}, g.subst.Resolve(v))

	// already bound to int, addr must be rejected
	err := g.Unify(v, Addr{})
	require.Error(t, err)
}

func TestUnifyUnknown(t *testing.T) {
	g := &Inferrer{subst: Subst{}}

	require.NoError(t, g.Unify(Unknown{}, Int{}))
	require.NoError(t, g.Unify(Addr{}, Unknown{}))

	// unknown does not bind variables
	v := g.fresh()
	require.NoError(t, g.Unify(v, Unknown{}))
	assert.Equal(t, v, g.subst.Resolve(v))
}

func TestUnifyVarChain(t *testing.T) {
	g := &Inferrer{subst: Subst{}}

	v1, v2 := g.fresh(), g.fresh()

	require.NoError(t, g.Unify(v1, v2))
	require.NoError(t, g.Unify(v2, Int{}))

	assert.Equal(t, Int{}, g.subst.Resolve(v1))
}

func TestOccursCheck(t *testing.T) {
	g := &Inferrer{subst: Subst{}}

	v := g.fresh()

	// v ~ v is fine and must not bind
	require.NoError(t, g.Unify(v, v))

	_, ok := g.subst[v]
	assert.False(t, ok)
}

func sequence(t *testing.T, src string) []ast.Node {
	t.Helper()

	toks, err := lex.Tokenize(src)
	require.NoError(t, err)

	p, err := parse.Parse(toks)
	require.NoError(t, err)

	return p.Top
}

func TestSequenceStack(t *testing.T) {
	g := &Inferrer{subst: Subst{}, effs: map[string]effects.Effect{}}

	stack, err := g.sequence(nil, sequence(t, "1 2 <"))
	require.NoError(t, err)

	require.Len(t, stack, 1)
	assert.Equal(t, Bool{}, g.subst.Resolve(stack[0]))
}
