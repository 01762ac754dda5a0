// Package parse builds the syntax tree from the token stream.
package parse

import (
	"strings"

	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler/ast"
	"github.com/quivent/fifth-sub003/compiler/diag"
	"github.com/quivent/fifth-sub003/compiler/lex"
)

type (
	parser struct {
		toks []lex.Token
		pos  int

		errs diag.List
	}
)

// Parse consumes the token stream and returns the program. A syntax
// error aborts the current definition but parsing resumes at the next
// top level item, so several errors can be reported at once.
func Parse(toks []lex.Token) (p *ast.Program, err error) {
	ps := &parser{toks: toks}

	p = ps.program()

	return p, ps.errs.Err()
}

func (ps *parser) program() *ast.Program {
	p := &ast.Program{}

	for {
		tok := ps.peek()

		switch tok.Kind {
		case lex.EOF:
			return p
		case lex.Colon:
			d, err := ps.definition()
			if err != nil {
				ps.errs.Add(err)
				ps.recover()

				continue
			}

			p.Defs = append(p.Defs, d)
		case lex.Semi:
			ps.errs.Add(diag.New(diag.Parse, tok.Line, tok.Col, "unexpected ; outside definition"))
			ps.next()
		default:
			w, term, err := ps.seq(nil)
			if err != nil {
				ps.errs.Add(err)
				ps.recover()

				continue
			}

			if term.Kind == lex.Semi {
				ps.errs.Add(diag.New(diag.Parse, term.Line, term.Col, "unexpected ; outside definition"))
			}

			p.Top = append(p.Top, w...)
		}
	}
}

func (ps *parser) definition() (d *ast.Definition, err *diag.Error) {
	colon := ps.next()

	name := ps.next()
	if name.Kind != lex.Word {
		return nil, diag.New(diag.Parse, name.Line, name.Col, "expected word name after :, got %v", name.Kind)
	}

	// word names are case insensitive, normalized once here
	d = &ast.Definition{
		Base: ast.Base{Line: colon.Line, Col: colon.Col},
		Name: keyword(name.Text),
	}

	if ps.peek().Kind == lex.Effect {
		eff := ps.next()

		d.Effect = parseEffect(eff)
		if d.Effect == nil {
			tlog.Printw("malformed stack effect comment ignored", "text", eff.Text, "line", eff.Line, "col", eff.Col)
		}
	}

	body, term, err := ps.seq(nil)
	if err != nil {
		return nil, err
	}

	if term.Kind != lex.Semi {
		return nil, diag.New(diag.Parse, colon.Line, colon.Col, "unterminated definition %q", d.Name)
	}

	d.Body = body

	if t := ps.peek(); t.Kind == lex.Word && keyword(t.Text) == "immediate" {
		ps.next()

		d.Immediate = true
	}

	return d, nil
}

// seq parses words until one of the stop keywords, a semicolon, or the
// end of input. It returns the terminating token so the caller can tell
// which stop word closed the sequence.
func (ps *parser) seq(stop []string) (body []ast.Node, term lex.Token, err *diag.Error) {
	for {
		tok := ps.peek()

		switch tok.Kind {
		case lex.EOF, lex.Semi, lex.Colon:
			if len(stop) != 0 {
				return nil, tok, diag.New(diag.ControlStructure, tok.Line, tok.Col, "expected %v", strings.Join(stop, " or "))
			}

			if tok.Kind == lex.Semi {
				ps.next()
			}

			return body, tok, nil
		case lex.Int:
			ps.next()

			if n, ok := ps.constant(tok); ok {
				body = append(body, n)
				continue
			}

			body = append(body, ast.Int{Base: base(tok), Value: tok.Int})
		case lex.Float:
			ps.next()
			body = append(body, ast.Float{Base: base(tok), Value: tok.Float})
		case lex.Str:
			ps.next()
			body = append(body, ast.Str{Base: base(tok), Value: tok.Text})
		case lex.Effect:
			ps.next()
		case lex.Word:
			kw := keyword(tok.Text)

			for _, s := range stop {
				if kw == s {
					ps.next()
					return body, tok, nil
				}
			}

			n, err := ps.word(tok)
			if err != nil {
				return nil, tok, err
			}

			body = append(body, n)
		}
	}
}

func (ps *parser) word(tok lex.Token) (ast.Node, *diag.Error) {
	ps.next()

	switch keyword(tok.Text) {
	case "if":
		then, term, err := ps.seq([]string{"then", "else"})
		if err != nil {
			return nil, err
		}

		n := ast.If{Base: base(tok), Then: then}

		if keyword(term.Text) == "else" {
			n.Else, _, err = ps.seq([]string{"then"})
			if err != nil {
				return nil, err
			}
		}

		return n, nil
	case "begin":
		first, term, err := ps.seq([]string{"until", "while"})
		if err != nil {
			return nil, err
		}

		if keyword(term.Text) == "until" {
			return ast.BeginUntil{Base: base(tok), Body: first}, nil
		}

		body, _, err := ps.seq([]string{"repeat"})
		if err != nil {
			return nil, err
		}

		return ast.BeginWhile{Base: base(tok), Cond: first, Body: body}, nil
	case "do":
		body, _, err := ps.seq([]string{"loop", "+loop"})
		if err != nil {
			return nil, err
		}

		return ast.DoLoop{Base: base(tok), Body: body}, nil
	case "then", "else", "until", "while", "repeat", "loop", "+loop":
		return nil, diag.New(diag.ControlStructure, tok.Line, tok.Col, "%s without matching opener", keyword(tok.Text))
	case "variable":
		name := ps.next()
		if name.Kind != lex.Word {
			return nil, diag.New(diag.Parse, name.Line, name.Col, "expected name after variable")
		}

		return ast.Variable{Base: base(tok), Name: keyword(name.Text)}, nil
	case "constant":
		return nil, diag.New(diag.Parse, tok.Line, tok.Col, "constant needs a preceding literal value")
	}

	return ast.Ref{Base: base(tok), Name: keyword(tok.Text)}, nil
}

// constant folds `<n> constant name` into one node. tok is the already
// consumed integer literal.
func (ps *parser) constant(tok lex.Token) (ast.Node, bool) {
	t := ps.peek()
	if t.Kind != lex.Word || keyword(t.Text) != "constant" {
		return nil, false
	}

	ps.next()

	name := ps.next()
	if name.Kind != lex.Word {
		ps.errs.Add(diag.New(diag.Parse, name.Line, name.Col, "expected name after constant"))
		return nil, false
	}

	return ast.Constant{Base: base(tok), Name: keyword(name.Text), Value: tok.Int}, true
}

// recover skips to the next definition boundary after a syntax error.
func (ps *parser) recover() {
	for {
		switch ps.peek().Kind {
		case lex.EOF, lex.Colon:
			return
		case lex.Semi:
			ps.next()
			return
		}

		ps.next()
	}
}

func (ps *parser) peek() lex.Token { return ps.toks[ps.pos] }

func (ps *parser) next() lex.Token {
	tok := ps.toks[ps.pos]

	if tok.Kind != lex.EOF {
		ps.pos++
	}

	return tok
}

func parseEffect(tok lex.Token) *ast.StackEffect {
	parts := strings.Split(tok.Text, "--")
	if len(parts) != 2 {
		return nil
	}

	return &ast.StackEffect{
		In:  strings.Fields(parts[0]),
		Out: strings.Fields(parts[1]),
	}
}

func keyword(w string) string { return strings.ToLower(w) }

func base(tok lex.Token) ast.Base { return ast.Base{Line: tok.Line, Col: tok.Col} }
