// Package dimshift assembles the matrices relating masters in d and d-2
// dimensions and the differential equations of the masters in a
// kinematic invariant, by reducing the integrals that a Symanzik
// polynomial generates from each master.
package dimshift

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/symanzik"
	"github.com/feynbound/feynbound/pkg/logger"
)

var tracer = otel.Tracer("feynbound/internal/dimshift")

// ErrIncomplete is returned with an empty matrix when an integral needed
// for the assembly has no relation.
var ErrIncomplete = errors.New("reduction is incomplete")

// Opener returns a fresh relation stream.
type Opener func() (io.ReadCloser, error)

// Weighted is an integral with the coefficient it carries in a row.
type Weighted struct {
	Integral    keys.Index
	Coefficient algebra.Expr
}

// Terms applies poly to master: every monomial c·Π x_i^e_i raises index
// a_i by e_i with weight c·Π (a_i)_(e_i), the rising factorial.
func Terms(master keys.Index, poly algebra.Expr, params []string, effective []int) ([]Weighted, error) {
	p, ok := poly.Poly()
	if !ok {
		return nil, fmt.Errorf("%s is not a polynomial", poly)
	}

	out := make([]Weighted, 0, len(p.Terms()))
	for _, t := range p.Terms() {
		idx := append(keys.Index(nil), master...)
		weight := algebra.Int(1)
		consumed := make(map[string]struct{}, len(effective))
		for _, slot := range effective {
			name := params[slot]
			consumed[name] = struct{}{}
			e := t.Mono.Exp(name)
			for k := 0; k < e; k++ {
				weight = weight.Mul(algebra.Int(int64(idx[slot] + k)))
			}
			idx[slot] += e
		}
		rest := make([]algebra.Factor, 0, len(t.Mono))
		for _, f := range t.Mono {
			if _, ok := consumed[f.Var]; !ok {
				rest = append(rest, f)
			}
		}
		coeff := algebra.FromPoly(algebra.TermPoly(t.Coef, algebra.NewMonomial(rest...))).Mul(weight)
		if coeff.IsZero() {
			continue
		}
		out = append(out, Weighted{Integral: idx, Coefficient: coeff})
	}
	return out, nil
}

type Option func(a *Assembler)

func WithLogger(l logger.Logger) Option {
	return func(a *Assembler) {
		a.logger = l
	}
}

// Assembler builds master to master matrices over the relations returned
// by open.
type Assembler struct {
	builder *reduction.Builder
	open    Opener
	family  *reduction.Family
	poly    *symanzik.Polynomials
	logger  logger.Logger
}

func New(builder *reduction.Builder, open Opener, family *reduction.Family, poly *symanzik.Polynomials, opts ...Option) *Assembler {
	a := &Assembler{
		builder: builder,
		open:    open,
		family:  family,
		poly:    poly,
		logger:  logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ShiftToUpper maps masters in d-2 dimensions to masters in d dimensions.
func (a *Assembler) ShiftToUpper(ctx context.Context) (algebra.Matrix, error) {
	ctx, span := tracer.Start(ctx, "dimshift.ShiftToUpper")
	defer span.End()
	return a.assemble(ctx, a.poly.U)
}

// ShiftToLower is the inverse of ShiftToUpper.
func (a *Assembler) ShiftToLower(ctx context.Context) (algebra.Matrix, error) {
	upper, err := a.ShiftToUpper(ctx)
	if err != nil {
		return upper, err
	}
	lower, err := upper.Inverse()
	if err != nil {
		return algebra.NewMatrix(0, 0), fmt.Errorf("%w: %w", ErrIncomplete, err)
	}
	return lower, nil
}

// DifferentialEquation returns the matrix expressing the derivative of
// the masters in symbol through the masters themselves, both in d
// dimensions.
func (a *Assembler) DifferentialEquation(ctx context.Context, symbol string) (algebra.Matrix, error) {
	ctx, span := tracer.Start(ctx, "dimshift.DifferentialEquation")
	defer span.End()

	f, err := a.poly.F.Subs(a.family.Kinematics.Map())
	if err != nil {
		return algebra.NewMatrix(0, 0), err
	}
	upper, err := a.assemble(ctx, f.Diff(symbol).Neg())
	if err != nil {
		return upper, err
	}
	lower, err := a.ShiftToLower(ctx)
	if err != nil {
		return lower, err
	}
	product, err := upper.Mul(lower)
	if err != nil {
		return algebra.NewMatrix(0, 0), err
	}

	d := algebra.Var(reduction.DimensionSymbol)
	return product.Subs(map[string]algebra.Expr{reduction.DimensionSymbol: d.Add(algebra.Int(2))})
}

func (a *Assembler) assemble(ctx context.Context, poly algebra.Expr) (algebra.Matrix, error) {
	masters := a.family.Masters
	column := make(map[string]int, len(masters))
	for i, m := range masters {
		column[m.String()] = i
	}

	rows := make([][]Weighted, len(masters))
	var wanted []keys.Index
	seen := map[string]struct{}{}
	for i, m := range masters {
		terms, err := Terms(m, poly, a.poly.Params, a.poly.Effective)
		if err != nil {
			return algebra.NewMatrix(0, 0), err
		}
		rows[i] = terms
		for _, w := range terms {
			if _, ok := seen[w.Integral.String()]; !ok {
				seen[w.Integral.String()] = struct{}{}
				wanted = append(wanted, w.Integral)
			}
		}
	}

	rc, err := a.open()
	if err != nil {
		return algebra.NewMatrix(0, 0), err
	}
	defer rc.Close()
	reduced, err := a.builder.BuildSelected(ctx, reduction.NewRelationReader(rc, a.family.Name), wanted)
	if err != nil {
		return algebra.NewMatrix(0, 0), err
	}

	out := algebra.NewMatrix(len(masters), len(masters))
	for r, terms := range rows {
		for _, w := range terms {
			red, ok := reduced[w.Integral.String()]
			if !ok {
				a.logger.ErrorWithContext(ctx, "integral is absent from the reduction",
					zap.String("integral", keys.IntegralSymbol(w.Integral)))
				return algebra.NewMatrix(0, 0), fmt.Errorf("%w: %s", ErrIncomplete, keys.IntegralSymbol(w.Integral))
			}
			for master, coeff := range red {
				c, ok := column[master]
				if !ok {
					return algebra.NewMatrix(0, 0), fmt.Errorf("%w: %s reduces to %s, which is not a master",
						ErrIncomplete, keys.IntegralSymbol(w.Integral), keys.IntegralSymbol(keys.MustParse(master)))
				}
				out.Set(r, c, out.At(r, c).Add(coeff.Mul(w.Coefficient)))
			}
		}
	}
	return out, nil
}
