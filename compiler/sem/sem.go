// Package sem is the semantic analyzer. It resolves every word
// reference, applies the redefinition policy, and runs the stack effect
// and type passes, collecting independent diagnostics before failing.
package sem

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/effects"
	"github.com/quivent/fifth-sub003/compiler/tp"
)

type (
	Analyzer struct {
		// Strict turns redefinition and declared effect mismatch
		// warnings into errors.
		Strict bool
	}

	// Result carries the analysis products reused by code generation.
	Result struct {
		Effects map[string]effects.Effect
		PerDef  []effects.Effect
		Types   tp.Subst
	}
)

func New() *Analyzer { return &Analyzer{} }

// Analyze checks the whole program. Name resolution allows forward
// references, matching the two pass compilation protocol.
func (a *Analyzer) Analyze(ctx context.Context, p *ast.Program) (res *Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "analyze", "defs", len(p.Defs))
	defer tr.Finish("err", &err)

	var errs diag.List

	names := map[string]bool{}

	for _, d := range p.Defs {
		if names[d.Name] {
			if a.Strict {
				errs.Addf(diag.Redefinition, d.Name, "already defined")
			} else {
				tr.Printw("redefinition shadows earlier word", "word", d.Name, "line", d.Line)
			}
		}

		if _, ok := effects.Builtin(d.Name); ok {
			tr.Printw("definition shadows builtin", "word", d.Name, "line", d.Line)
		}

		names[d.Name] = true
	}

	collect := func(n ast.Node) {
		switch n := n.(type) {
		case ast.Variable:
			names[n.Name] = true
		case ast.Constant:
			names[n.Name] = true
		}
	}

	for _, d := range p.Defs {
		ast.Walk(d.Body, collect)
	}

	ast.Walk(p.Top, collect)

	for _, d := range p.Defs {
		a.refs(&errs, d.Body, names, true)
		a.loops(&errs, d.Body, 0)
	}

	a.refs(&errs, p.Top, names, false)
	a.loops(&errs, p.Top, 0)

	inf := effects.New()
	inf.Strict = a.Strict

	perDef, effs, err := inf.Program(ctx, p)
	if err != nil {
		errs.Add(asDiag(err))
		err = nil
	}

	top, err := inf.Sequence(p.Top)
	if err != nil {
		errs.Add(asDiag(err))
		err = nil
	} else if top.In > 0 {
		errs.Addf(diag.StackUnderflow, "", "top level code consumes %d values from an empty stack", top.In)
	}

	types, err := tp.Infer(ctx, p, effs)
	if err != nil {
		errs.Add(asDiag(err))
		err = nil
	}

	err = errs.Err()
	if err != nil {
		return nil, err
	}

	return &Result{Effects: effs, PerDef: perDef, Types: types}, nil
}

func (a *Analyzer) refs(errs *diag.List, body []ast.Node, names map[string]bool, inDef bool) {
	ast.Walk(body, func(n ast.Node) {
		r, ok := n.(ast.Ref)
		if !ok {
			return
		}

		if r.Name == "recurse" {
			if !inDef {
				errs.Add(diag.New(diag.UndefinedWord, r.Line, r.Col, "recurse outside a definition"))
			}

			return
		}

		if _, ok := effects.Builtin(r.Name); ok {
			return
		}

		if !names[r.Name] {
			errs.Add(diag.New(diag.UndefinedWord, r.Line, r.Col, "%s", r.Name))
		}
	})
}

// loops checks that i and j only appear under enough nested do loops.
func (a *Analyzer) loops(errs *diag.List, body []ast.Node, depth int) {
	for _, n := range body {
		switch n := n.(type) {
		case ast.Ref:
			need := 0

			switch n.Name {
			case "i":
				need = 1
			case "j":
				need = 2
			}

			if need > depth {
				errs.Add(diag.New(diag.ControlStructure, n.Line, n.Col, "%s needs %d enclosing do loops, have %d", n.Name, need, depth))
			}
		case ast.If:
			a.loops(errs, n.Then, depth)
			a.loops(errs, n.Else, depth)
		case ast.BeginUntil:
			a.loops(errs, n.Body, depth)
		case ast.BeginWhile:
			a.loops(errs, n.Cond, depth)
			a.loops(errs, n.Body, depth)
		case ast.DoLoop:
			a.loops(errs, n.Body, depth+1)
		}
	}
}

func asDiag(err error) *diag.Error {
	if e, ok := err.(*diag.Error); ok {
		return e
	}

	return diag.Newf(diag.Parse, "", "%v", err)
}
