// Package compiler wires the pipeline: lex, parse, analyze, ssa,
// native code, execution.
package compiler

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/back"
	"github.com/quivent/fifth-sub003/compiler/jit"
	"github.com/quivent/fifth-sub003/compiler/lex"
	"github.com/quivent/fifth-sub003/compiler/parse"
	"github.com/quivent/fifth-sub003/compiler/sem"
	"github.com/quivent/fifth-sub003/compiler/ssa"
)

type (
	Compiler struct {
		// Strict promotes redefinition and declared effect mismatch
		// warnings to errors.
		Strict bool
	}
)

func New() *Compiler {
	return &Compiler{}
}

func (c *Compiler) CompileFile(ctx context.Context, name string) (*back.Module, error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read source")
	}

	m, err := c.Compile(ctx, string(text))
	if err != nil {
		return nil, errors.Wrap(err, "%v", name)
	}

	return m, nil
}

// Parse runs the lexer and parser only.
func (c *Compiler) Parse(ctx context.Context, src string) (*ast.Program, error) {
	toks, err := lex.Tokenize(src)
	if err != nil {
		return nil, err
	}

	p, err := parse.Parse(toks)
	if err != nil {
		return nil, err
	}

	tlog.SpanFromContext(ctx).V("parse").Printw("parsed", "defs", len(p.Defs), "top", len(p.Top))

	return p, nil
}

// Analyze runs semantic analysis over a parsed program.
func (c *Compiler) Analyze(ctx context.Context, p *ast.Program) (*sem.Result, error) {
	a := sem.New()
	a.Strict = c.Strict

	return a.Analyze(ctx, p)
}

// Compile takes source text all the way to a native module.
func (c *Compiler) Compile(ctx context.Context, src string) (_ *back.Module, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile")
	defer tr.Finish("err", &err)

	p, err := c.Parse(ctx, src)
	if err != nil {
		return nil, err
	}

	_, err = c.Analyze(ctx, p)
	if err != nil {
		return nil, err
	}

	pkg, err := ssa.Convert(ctx, p)
	if err != nil {
		return nil, err
	}

	return back.New().CompilePackage(ctx, pkg)
}

// Run compiles, installs and executes top level code.
func (c *Compiler) Run(ctx context.Context, src string) (res jit.Result, err error) {
	m, err := c.Compile(ctx, src)
	if err != nil {
		return res, err
	}

	j, err := jit.Install(ctx, m)
	if err != nil {
		return res, err
	}

	defer func() {
		e := j.Close()
		if err == nil && e != nil {
			err = errors.Wrap(e, "close module")
		}
	}()

	return j.Execute(ctx, "")
}
