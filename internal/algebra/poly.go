// Package algebra is the exact symbolic engine behind the reduction stages.
//
// Expressions are rational functions whose numerator and denominator are
// multivariate polynomials with arbitrary precision rational coefficients.
// Every value is immutable and kept in a canonical form, so the text
// produced by String is stable across runs and is what the caches persist.
package algebra

import (
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Factor is a single variable raised to a positive power.
type Factor struct {
	Var string
	Exp int
}

// Monomial is a product of factors sorted by variable name.
type Monomial []Factor

// Exp returns the exponent of v in m.
func (m Monomial) Exp(v string) int {
	for _, f := range m {
		if f.Var == v {
			return f.Exp
		}
	}
	return 0
}

func (m Monomial) key() string {
	if len(m) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, f := range m {
		if i > 0 {
			sb.WriteByte('*')
		}
		sb.WriteString(f.Var)
		if f.Exp != 1 {
			sb.WriteByte('^')
			sb.WriteString(strconv.Itoa(f.Exp))
		}
	}
	return sb.String()
}

func (m Monomial) mul(o Monomial) Monomial {
	out := make(Monomial, 0, len(m)+len(o))
	i, j := 0, 0
	for i < len(m) && j < len(o) {
		switch {
		case m[i].Var == o[j].Var:
			out = append(out, Factor{Var: m[i].Var, Exp: m[i].Exp + o[j].Exp})
			i++
			j++
		case m[i].Var < o[j].Var:
			out = append(out, m[i])
			i++
		default:
			out = append(out, o[j])
			j++
		}
	}
	out = append(out, m[i:]...)
	return append(out, o[j:]...)
}

// divides reports whether m divides o.
func (m Monomial) divides(o Monomial) bool {
	for _, f := range m {
		if o.Exp(f.Var) < f.Exp {
			return false
		}
	}
	return true
}

// quo returns o/m; m must divide o.
func (m Monomial) quo(o Monomial) Monomial {
	out := make(Monomial, 0, len(o))
	for _, f := range o {
		if e := f.Exp - m.Exp(f.Var); e > 0 {
			out = append(out, Factor{Var: f.Var, Exp: e})
		}
	}
	return out
}

func (m Monomial) without(v string) Monomial {
	out := make(Monomial, 0, len(m))
	for _, f := range m {
		if f.Var != v {
			out = append(out, f)
		}
	}
	return out
}

func (m Monomial) with(v string, exp int) Monomial {
	out := m.without(v)
	if exp == 0 {
		return out
	}
	out = append(out, Factor{Var: v, Exp: exp})
	sort.Slice(out, func(i, j int) bool { return out[i].Var < out[j].Var })
	return out
}

// NewMonomial multiplies factors into a monomial in canonical order.
// Factors with a non-positive exponent are dropped.
func NewMonomial(factors ...Factor) Monomial {
	m := Monomial{}
	for _, f := range factors {
		if f.Exp > 0 {
			m = m.with(f.Var, m.Exp(f.Var)+f.Exp)
		}
	}
	return m
}

// Term is a rational coefficient times a monomial.
type Term struct {
	Coef *big.Rat
	Mono Monomial
	key  string
}

// Poly is a polynomial in canonical form: terms sorted by monomial key,
// no zero coefficients, no repeated monomials.
type Poly struct {
	terms []Term
}

func newPoly(acc map[string]Term) Poly {
	terms := make([]Term, 0, len(acc))
	for _, t := range acc {
		if t.Coef.Sign() != 0 {
			terms = append(terms, t)
		}
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].key < terms[j].key })
	return Poly{terms: terms}
}

func accumulate(acc map[string]Term, coef *big.Rat, mono Monomial) {
	k := mono.key()
	if t, ok := acc[k]; ok {
		t.Coef = new(big.Rat).Add(t.Coef, coef)
		acc[k] = t
		return
	}
	acc[k] = Term{Coef: new(big.Rat).Set(coef), Mono: mono, key: k}
}

// ConstPoly returns the constant polynomial c.
func ConstPoly(c *big.Rat) Poly {
	if c.Sign() == 0 {
		return Poly{}
	}
	return Poly{terms: []Term{{Coef: new(big.Rat).Set(c)}}}
}

// VarPoly returns the polynomial consisting of the single variable v.
func VarPoly(v string) Poly {
	m := Monomial{{Var: v, Exp: 1}}
	return Poly{terms: []Term{{Coef: big.NewRat(1, 1), Mono: m, key: m.key()}}}
}

// TermPoly returns the single term polynomial c·m. m must be canonical,
// as built by NewMonomial or taken from Terms.
func TermPoly(c *big.Rat, m Monomial) Poly {
	if c.Sign() == 0 {
		return Poly{}
	}
	m = append(Monomial{}, m...)
	return Poly{terms: []Term{{Coef: new(big.Rat).Set(c), Mono: m, key: m.key()}}}
}

// Terms returns the terms of p in canonical order.
func (p Poly) Terms() []Term {
	return p.terms
}

func (p Poly) IsZero() bool {
	return len(p.terms) == 0
}

// Const returns the value of p if it is a constant.
func (p Poly) Const() (*big.Rat, bool) {
	switch {
	case len(p.terms) == 0:
		return new(big.Rat), true
	case len(p.terms) == 1 && len(p.terms[0].Mono) == 0:
		return new(big.Rat).Set(p.terms[0].Coef), true
	}
	return nil, false
}

func (p Poly) Equal(o Poly) bool {
	if len(p.terms) != len(o.terms) {
		return false
	}
	for i := range p.terms {
		if p.terms[i].key != o.terms[i].key || p.terms[i].Coef.Cmp(o.terms[i].Coef) != 0 {
			return false
		}
	}
	return true
}

func (p Poly) Add(o Poly) Poly {
	acc := make(map[string]Term, len(p.terms)+len(o.terms))
	for _, t := range p.terms {
		accumulate(acc, t.Coef, t.Mono)
	}
	for _, t := range o.terms {
		accumulate(acc, t.Coef, t.Mono)
	}
	return newPoly(acc)
}

func (p Poly) Neg() Poly {
	return p.Scale(big.NewRat(-1, 1))
}

func (p Poly) Sub(o Poly) Poly {
	return p.Add(o.Neg())
}

// Scale multiplies every coefficient by c.
func (p Poly) Scale(c *big.Rat) Poly {
	if c.Sign() == 0 {
		return Poly{}
	}
	out := make([]Term, len(p.terms))
	for i, t := range p.terms {
		out[i] = Term{Coef: new(big.Rat).Mul(t.Coef, c), Mono: t.Mono, key: t.key}
	}
	return Poly{terms: out}
}

func (p Poly) Mul(o Poly) Poly {
	acc := make(map[string]Term, len(p.terms)*len(o.terms))
	for _, a := range p.terms {
		for _, b := range o.terms {
			accumulate(acc, new(big.Rat).Mul(a.Coef, b.Coef), a.Mono.mul(b.Mono))
		}
	}
	return newPoly(acc)
}

func (p Poly) Pow(n int) Poly {
	out := ConstPoly(big.NewRat(1, 1))
	base := p
	for n > 0 {
		if n&1 == 1 {
			out = out.Mul(base)
		}
		base = base.Mul(base)
		n >>= 1
	}
	return out
}

// Degree returns the highest power of v in p, or -1 for the zero polynomial.
func (p Poly) Degree(v string) int {
	if p.IsZero() {
		return -1
	}
	d := 0
	for _, t := range p.terms {
		if e := t.Mono.Exp(v); e > d {
			d = e
		}
	}
	return d
}

// LowDegree returns the lowest power of v in p, or -1 for the zero polynomial.
func (p Poly) LowDegree(v string) int {
	if p.IsZero() {
		return -1
	}
	d := -1
	for _, t := range p.terms {
		if e := t.Mono.Exp(v); d < 0 || e < d {
			d = e
		}
	}
	return d
}

// Coeff returns the coefficient polynomial of v^n in p.
func (p Poly) Coeff(v string, n int) Poly {
	acc := map[string]Term{}
	for _, t := range p.terms {
		if t.Mono.Exp(v) == n {
			accumulate(acc, t.Coef, t.Mono.without(v))
		}
	}
	return newPoly(acc)
}

// shift multiplies p by v^n; n may be negative when every term allows it.
func (p Poly) shift(v string, n int) Poly {
	acc := make(map[string]Term, len(p.terms))
	for _, t := range p.terms {
		accumulate(acc, t.Coef, t.Mono.with(v, t.Mono.Exp(v)+n))
	}
	return newPoly(acc)
}

func (p Poly) Diff(v string) Poly {
	acc := map[string]Term{}
	for _, t := range p.terms {
		e := t.Mono.Exp(v)
		if e == 0 {
			continue
		}
		accumulate(acc, new(big.Rat).Mul(t.Coef, big.NewRat(int64(e), 1)), t.Mono.with(v, e-1))
	}
	return newPoly(acc)
}

// ReplaceMonomial rewrites every occurrence of m in p by r, repeatedly,
// until no term of the result is divisible by m.
func (p Poly) ReplaceMonomial(m Monomial, r Poly) Poly {
	if len(m) == 0 {
		return p
	}
	out := Poly{}
	work := p
	for !work.IsZero() {
		next := Poly{}
		acc := map[string]Term{}
		for _, t := range work.terms {
			if !m.divides(t.Mono) {
				accumulate(acc, t.Coef, t.Mono)
				continue
			}
			rest := Poly{terms: []Term{{Coef: t.Coef, Mono: m.quo(t.Mono), key: m.quo(t.Mono).key()}}}
			next = next.Add(rest.Mul(r))
		}
		out = out.Add(newPoly(acc))
		work = next
	}
	return out
}

// Vars returns the sorted set of variables occurring in p.
func (p Poly) Vars() []string {
	seen := map[string]struct{}{}
	for _, t := range p.terms {
		for _, f := range t.Mono {
			seen[f.Var] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// commonMonomial is the largest monomial dividing every term of p.
func (p Poly) commonMonomial() Monomial {
	if p.IsZero() {
		return nil
	}
	common := append(Monomial(nil), p.terms[0].Mono...)
	for _, t := range p.terms[1:] {
		kept := common[:0]
		for _, f := range common {
			if e := min(f.Exp, t.Mono.Exp(f.Var)); e > 0 {
				kept = append(kept, Factor{Var: f.Var, Exp: e})
			}
		}
		common = kept
	}
	return common
}

func (p Poly) divMonomial(m Monomial) Poly {
	if len(m) == 0 {
		return p
	}
	out := make([]Term, len(p.terms))
	for i, t := range p.terms {
		q := m.quo(t.Mono)
		out[i] = Term{Coef: t.Coef, Mono: q, key: q.key()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return Poly{terms: out}
}

func (p Poly) String() string {
	if p.IsZero() {
		return "0"
	}
	var sb strings.Builder
	for i, t := range p.terms {
		c := t.Coef
		if i > 0 {
			if c.Sign() < 0 {
				sb.WriteString(" - ")
				c = new(big.Rat).Neg(c)
			} else {
				sb.WriteString(" + ")
			}
		}
		switch {
		case len(t.Mono) == 0:
			sb.WriteString(c.RatString())
		case c.Cmp(big.NewRat(1, 1)) == 0:
			sb.WriteString(t.key)
		case c.Cmp(big.NewRat(-1, 1)) == 0:
			sb.WriteString("-" + t.key)
		default:
			sb.WriteString(c.RatString() + "*" + t.key)
		}
	}
	return sb.String()
}
