package tools

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode"
)

// ErrInvalidExpression is returned by Evaluate for anything outside the
// arithmetic grammar.
var ErrInvalidExpression = errors.New("invalid expression")

const maxExprDepth = 64

// Evaluate computes an arithmetic expression. The grammar is numbers,
// binary + - * / % ^ (right-associative power), unary minus and
// parentheses. No identifiers or function calls are accepted.
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/" | "%") unary }
//	unary  = "-" unary | "+" unary | power
//	power  = atom [ "^" unary ]
//	atom   = number | "(" expr ")"
func Evaluate(expr string) (float64, error) {
	p := &exprParser{src: expr}
	p.skip()
	if p.pos >= len(p.src) {
		return 0, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	v, err := p.expr(0)
	if err != nil {
		return 0, err
	}
	p.skip()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidExpression, p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: result is not finite", ErrInvalidExpression)
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skip() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skip()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) expr(depth int) (float64, error) {
	if depth > maxExprDepth {
		return 0, fmt.Errorf("%w: nesting too deep", ErrInvalidExpression)
	}
	v, err := p.term(depth)
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *exprParser) term(depth int) (float64, error) {
	v, err := p.unary(depth)
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return v, nil
		}
		p.pos++
		r, err := p.unary(depth)
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			v *= r
		case '/':
			if r == 0 {
				return 0, errors.New("division by zero")
			}
			v /= r
		case '%':
			if r == 0 {
				return 0, errors.New("modulo by zero")
			}
			v = math.Mod(v, r)
		}
	}
}

func (p *exprParser) unary(depth int) (float64, error) {
	if depth > maxExprDepth {
		return 0, fmt.Errorf("%w: nesting too deep", ErrInvalidExpression)
	}
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary(depth + 1)
		return -v, err
	case '+':
		p.pos++
		return p.unary(depth + 1)
	}
	return p.power(depth)
}

func (p *exprParser) power(depth int) (float64, error) {
	base, err := p.atom(depth)
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.unary(depth + 1)
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) atom(depth int) (float64, error) {
	c := p.peek()
	if c == '(' {
		p.pos++
		v, err := p.expr(depth + 1)
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("%w: missing ')'", ErrInvalidExpression)
		}
		p.pos++
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		if c == 0 {
			return 0, fmt.Errorf("%w: unexpected end", ErrInvalidExpression)
		}
		return 0, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidExpression, c, start)
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrInvalidExpression, p.src[start:p.pos])
	}
	return v, nil
}
