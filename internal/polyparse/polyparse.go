// Package polyparse rewrites polynomials in the Feynman parameters and
// the log symbol as linear combinations of master integral coefficients
// read from the expanded reduction table.
package polyparse

import (
	"fmt"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/symanzik"
)

// Parser maps each monomial x_0^e_0···x_n^e_n·L^p to
// Γ(p+1)·table[p][e_0+1,…,e_n+1]. Slots outside the sector keep index 0
// and their parameters stay in the coefficient.
type Parser struct {
	params    []string
	effective []int
	table     *reduction.Expanded
}

func New(poly *symanzik.Polynomials, table *reduction.Expanded) *Parser {
	return &Parser{
		params:    poly.Params,
		effective: poly.Effective,
		table:     table,
	}
}

// Parse rewrites p. A monomial without a table entry aborts the parse
// with a *reduction.MissingEntryError.
func (p *Parser) Parse(e algebra.Expr) (algebra.Expr, error) {
	poly, ok := e.Poly()
	if !ok {
		return algebra.Expr{}, fmt.Errorf("%s is not a polynomial", e)
	}

	out := algebra.Int(0)
	for _, term := range poly.Terms() {
		idx := make(keys.Index, len(p.params))
		rest := make([]algebra.Factor, 0, len(term.Mono))
		consumed := make(map[string]struct{}, len(p.effective)+1)
		for _, slot := range p.effective {
			idx[slot] = term.Mono.Exp(p.params[slot]) + 1
			consumed[p.params[slot]] = struct{}{}
		}
		order := term.Mono.Exp(symanzik.LogSymbol)
		consumed[symanzik.LogSymbol] = struct{}{}
		for _, f := range term.Mono {
			if _, ok := consumed[f.Var]; !ok {
				rest = append(rest, f)
			}
		}

		entry, err := p.table.Lookup(order, idx)
		if err != nil {
			return algebra.Expr{}, err
		}
		coeff := algebra.FromPoly(algebra.TermPoly(term.Coef, algebra.NewMonomial(rest...)))
		out = out.Add(coeff.Mul(algebra.Gamma(order + 1)).Mul(entry))
	}
	return out, nil
}

// ParseMatrix parses every element of m and stops at the first failure.
func (p *Parser) ParseMatrix(m algebra.Matrix) (algebra.Matrix, error) {
	return m.Map(p.Parse)
}
