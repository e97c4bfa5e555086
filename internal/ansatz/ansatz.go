// Package ansatz generates the quadratic forms whose positivity is
// imposed on the masters: prefactor·(Σ c_k·t_k)² written as the matrix
// prefactor·t_i·t_j.
package ansatz

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/symanzik"
)

var ErrInvalidAnsatz = errors.New("invalid ansatz")

const tempSymbol = "__t"

// Spec is one configured ansatz. Either Terms is set, or the monomial
// range MinX, MaxX, MaxLog is used.
type Spec struct {
	Prefactor string   `mapstructure:"prefactor" json:"prefactor"`
	Terms     []string `mapstructure:"terms" json:"terms,omitempty"`
	MinX      int      `mapstructure:"minX" json:"minX,omitempty"`
	MaxX      int      `mapstructure:"maxX" json:"maxX,omitempty"`
	MaxLog    int      `mapstructure:"maxLog" json:"maxLog,omitempty"`
}

// Generator parses ansatz text over the effective Feynman parameters and
// the log symbol only.
type Generator struct {
	params  []string
	symbols *algebra.SymbolTable
}

func NewGenerator(params []string) *Generator {
	return &Generator{
		params:  params,
		symbols: algebra.NewSymbolTable(append([]string{symanzik.LogSymbol}, params...)...),
	}
}

// Quadratic returns the matrix prefactor·terms[i]·terms[j].
func Quadratic(prefactor algebra.Expr, terms []algebra.Expr) algebra.Matrix {
	out := algebra.NewMatrix(len(terms), len(terms))
	for i, a := range terms {
		for j, b := range terms {
			out.Set(i, j, prefactor.Mul(a).Mul(b))
		}
	}
	return out
}

// Generate squares the given terms.
func (g *Generator) Generate(prefactor string, terms []string) (algebra.Matrix, error) {
	p, err := g.symbols.Parse(prefactor)
	if err != nil {
		return algebra.Matrix{}, fmt.Errorf("%w: prefactor: %w", ErrInvalidAnsatz, err)
	}
	parsed := make([]algebra.Expr, len(terms))
	for i, term := range terms {
		if parsed[i], err = g.symbols.Parse(term); err != nil {
			return algebra.Matrix{}, fmt.Errorf("%w: term %d: %w", ErrInvalidAnsatz, i, err)
		}
	}
	return Quadratic(p, parsed), nil
}

// GenerateRange squares every monomial of total degree minX..maxX in the
// parameters and degree up to maxLog in the log symbol.
func (g *Generator) GenerateRange(prefactor string, minX, maxX, maxLog int) (algebra.Matrix, error) {
	p, err := g.symbols.Parse(prefactor)
	if err != nil {
		return algebra.Matrix{}, fmt.Errorf("%w: prefactor: %w", ErrInvalidAnsatz, err)
	}
	if minX < 0 || maxX < minX || maxLog < 0 {
		return algebra.Matrix{}, fmt.Errorf("%w: degrees x %d..%d, log up to %d", ErrInvalidAnsatz, minX, maxX, maxLog)
	}

	temp := algebra.Var(tempSymbol)
	x := algebra.Int(1)
	for _, name := range g.params {
		x = x.Add(algebra.Var(name).Mul(temp))
	}
	gen, err := x.Pow(maxX)
	if err != nil {
		return algebra.Matrix{}, err
	}
	log, err := algebra.Int(1).Add(algebra.Var(symanzik.LogSymbol)).Pow(maxLog)
	if err != nil {
		return algebra.Matrix{}, err
	}
	gen = gen.Mul(log)
	for i := 0; i < minX; i++ {
		gen = gen.Diff(tempSymbol)
	}
	if gen, err = gen.Subs(map[string]algebra.Expr{tempSymbol: algebra.Int(1)}); err != nil {
		return algebra.Matrix{}, err
	}

	poly, _ := gen.Poly()
	terms := make([]algebra.Expr, 0, len(poly.Terms()))
	for _, t := range poly.Terms() {
		terms = append(terms, algebra.FromPoly(algebra.TermPoly(big.NewRat(1, 1), t.Mono)))
	}
	return Quadratic(p, terms), nil
}

// FromSpecs generates one matrix per spec.
func (g *Generator) FromSpecs(specs []Spec) ([]algebra.Matrix, error) {
	out := make([]algebra.Matrix, 0, len(specs))
	for i, s := range specs {
		var (
			m   algebra.Matrix
			err error
		)
		if len(s.Terms) > 0 {
			m, err = g.Generate(s.Prefactor, s.Terms)
		} else {
			m, err = g.GenerateRange(s.Prefactor, s.MinX, s.MaxX, s.MaxLog)
		}
		if err != nil {
			return nil, fmt.Errorf("ansatz %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}
