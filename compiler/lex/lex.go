// Package lex splits source text into tokens.
//
// Words are whitespace delimited. Backslash comments run to the end of
// the line. Paren comments nest; a paren comment containing `--` is kept
// as a stack effect token for the parser to attach to a definition.
package lex

import (
	"strconv"
	"strings"

	"github.com/quivent/fifth-sub003/compiler/diag"
)

type (
	Kind int

	Token struct {
		Kind Kind

		Text  string
		Int   int64
		Float float64

		Line, Col int
	}

	lexer struct {
		src string
		pos int

		line, col int
	}
)

const (
	Colon Kind = iota
	Semi
	Int
	Float
	Str
	Word
	Effect
	EOF
)

// Tokenize scans the whole source. It stops at the first lexical error.
func Tokenize(src string) (toks []Token, err error) {
	l := &lexer{src: src, line: 1, col: 1}

	for {
		tok, err := l.next()
		if err != nil {
			return toks, err
		}

		toks = append(toks, tok)

		if tok.Kind == EOF {
			return toks, nil
		}
	}
}

func (l *lexer) next() (Token, error) {
	l.skipSpace()

	line, col := l.line, l.col

	if l.pos == len(l.src) {
		return Token{Kind: EOF, Line: line, Col: col}, nil
	}

	switch c := l.src[l.pos]; {
	case c == '\\':
		l.skipLine()
		return l.next()
	case c == '(' && l.boundary(l.pos+1):
		text, err := l.parenComment()
		if err != nil {
			return Token{}, err
		}

		if !strings.Contains(text, "--") {
			return l.next()
		}

		return Token{Kind: Effect, Text: text, Line: line, Col: col}, nil
	case c == '"':
		text, err := l.stringLit()
		if err != nil {
			return Token{}, err
		}

		return Token{Kind: Str, Text: text, Line: line, Col: col}, nil
	}

	w := l.word()

	switch {
	case w == ":":
		return Token{Kind: Colon, Text: w, Line: line, Col: col}, nil
	case w == ";":
		return Token{Kind: Semi, Text: w, Line: line, Col: col}, nil
	}

	if v, ok := parseInt(w); ok {
		return Token{Kind: Int, Int: v, Text: w, Line: line, Col: col}, nil
	}

	if v, err := strconv.ParseFloat(w, 64); err == nil && looksFloat(w) {
		return Token{Kind: Float, Float: v, Text: w, Line: line, Col: col}, nil
	}

	return Token{Kind: Word, Text: w, Line: line, Col: col}, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.advance()
	}
}

func (l *lexer) skipLine() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.advance()
	}
}

func (l *lexer) word() string {
	start := l.pos

	for l.pos < len(l.src) && !isSpace(l.src[l.pos]) {
		l.advance()
	}

	return l.src[start:l.pos]
}

// boundary reports whether position i ends a word. A lone `(` opens a
// comment, `(x` is an ordinary word character sequence.
func (l *lexer) boundary(i int) bool {
	return i == len(l.src) || isSpace(l.src[i])
}

func (l *lexer) parenComment() (string, error) {
	line, col := l.line, l.col

	l.advance() // (

	start := l.pos
	depth := 1

	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case '(':
			depth++
		case ')':
			depth--

			if depth == 0 {
				text := l.src[start:l.pos]
				l.advance()

				return strings.TrimSpace(text), nil
			}
		}

		l.advance()
	}

	return "", diag.New(diag.Lex, line, col, "unterminated comment")
}

func (l *lexer) stringLit() (string, error) {
	line, col := l.line, l.col

	l.advance() // "

	var b strings.Builder

	for l.pos < len(l.src) {
		c := l.src[l.pos]

		switch c {
		case '"':
			l.advance()
			return b.String(), nil
		case '\\':
			l.advance()

			if l.pos == len(l.src) {
				break
			}

			switch l.src[l.pos] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(l.src[l.pos])
			}

			l.advance()
		default:
			b.WriteByte(c)
			l.advance()
		}
	}

	return "", diag.New(diag.Lex, line, col, "unterminated string")
}

func (l *lexer) advance() {
	if l.src[l.pos] == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}

	l.pos++
}

func parseInt(w string) (int64, bool) {
	s := w

	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		if len(s) == 1 {
			return 0, false
		}
	}

	if strings.ContainsAny(s, ".eE") && looksFloat(s) {
		return 0, false
	}

	v, err := strconv.ParseInt(s, 0, 64)

	return v, err == nil
}

func looksFloat(w string) bool {
	dot := strings.Contains(w, ".")
	if !dot {
		return false
	}

	_, err := strconv.ParseFloat(w, 64)

	return err == nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func (k Kind) String() string {
	switch k {
	case Colon:
		return "colon"
	case Semi:
		return "semi"
	case Int:
		return "int"
	case Float:
		return "float"
	case Str:
		return "string"
	case Word:
		return "word"
	case Effect:
		return "effect"
	case EOF:
		return "eof"
	}

	return strconv.Itoa(int(k))
}
