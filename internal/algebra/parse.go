package algebra

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

var (
	ErrSyntax        = errors.New("syntax error")
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Parse reads an expression, accepting any identifier as a variable.
//
// The grammar is the usual one for + - * / and right associative integer
// powers ^. Identifiers may carry a bracketed index list and a trailing
// suffix, so integral symbols such as I[2,1,0] or I[2,1,0]_1 are single
// variables.
func Parse(text string) (Expr, error) {
	return parse(text, nil)
}

func parse(text string, known func(string) bool) (Expr, error) {
	p := &parser{src: text, known: known}
	p.next()
	e, err := p.expr()
	if err != nil {
		return Expr{}, err
	}
	if p.tok.kind != tokEOF {
		return Expr{}, p.errorf("unexpected %q", p.tok.text)
	}
	return e, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type parser struct {
	src   string
	pos   int
	tok   token
	known func(string) bool
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d in %q: %s", ErrSyntax, p.tok.pos, p.src, fmt.Sprintf(format, args...))
}

func (p *parser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	c := p.src[p.pos]
	switch {
	case c >= '0' && c <= '9' || c == '.':
		for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
			p.pos++
		}
		p.tok = token{kind: tokNum, text: p.src[start:p.pos], pos: start}
	case isIdentStart(c):
		p.pos++
		p.scanIdentTail()
		if p.pos < len(p.src) && p.src[p.pos] == '[' {
			end := strings.IndexByte(p.src[p.pos:], ']')
			if end < 0 {
				p.tok = token{kind: tokOp, text: "[", pos: p.pos}
				return
			}
			p.pos += end + 1
			p.scanIdentTail()
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.pos], pos: start}
	default:
		p.pos++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	}
}

func (p *parser) scanIdentTail() {
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func (p *parser) expr() (Expr, error) {
	left, err := p.term()
	if err != nil {
		return Expr{}, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.term()
		if err != nil {
			return Expr{}, err
		}
		if op == "+" {
			left = left.Add(right)
		} else {
			left = left.Sub(right)
		}
	}
	return left, nil
}

func (p *parser) term() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return Expr{}, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		p.next()
		right, err := p.unary()
		if err != nil {
			return Expr{}, err
		}
		if op == "*" {
			left = left.Mul(right)
			continue
		}
		if left, err = left.Div(right); err != nil {
			return Expr{}, fmt.Errorf("%w in %q", err, p.src)
		}
	}
	return left, nil
}

func (p *parser) unary() (Expr, error) {
	if p.tok.kind == tokOp && (p.tok.text == "-" || p.tok.text == "+") {
		neg := p.tok.text == "-"
		p.next()
		e, err := p.unary()
		if err != nil {
			return Expr{}, err
		}
		if neg {
			return e.Neg(), nil
		}
		return e, nil
	}
	return p.power()
}

func (p *parser) power() (Expr, error) {
	base, err := p.primary()
	if err != nil {
		return Expr{}, err
	}
	if p.tok.kind != tokOp || p.tok.text != "^" {
		return base, nil
	}
	p.next()
	exp, err := p.unary()
	if err != nil {
		return Expr{}, err
	}
	r, err := exp.Rat()
	if err != nil || !r.IsInt() || !r.Num().IsInt64() {
		return Expr{}, p.errorf("exponent %s is not an integer", exp)
	}
	out, err := base.Pow(int(r.Num().Int64()))
	if err != nil {
		return Expr{}, fmt.Errorf("%w in %q", err, p.src)
	}
	return out, nil
}

func (p *parser) primary() (Expr, error) {
	switch p.tok.kind {
	case tokNum:
		r, ok := new(big.Rat).SetString(p.tok.text)
		if !ok {
			return Expr{}, p.errorf("bad number %q", p.tok.text)
		}
		p.next()
		return Rat(r), nil
	case tokIdent:
		name := p.tok.text
		if p.known != nil && !p.known(name) {
			return Expr{}, fmt.Errorf("%w %q in %q", ErrUnknownSymbol, name, p.src)
		}
		p.next()
		return Var(name), nil
	case tokOp:
		if p.tok.text == "(" {
			p.next()
			e, err := p.expr()
			if err != nil {
				return Expr{}, err
			}
			if p.tok.kind != tokOp || p.tok.text != ")" {
				return Expr{}, p.errorf("expected )")
			}
			p.next()
			return e, nil
		}
	case tokEOF:
		return Expr{}, p.errorf("unexpected end of input")
	}
	return Expr{}, p.errorf("unexpected %q", p.tok.text)
}
