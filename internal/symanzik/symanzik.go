// Package symanzik derives the Symanzik U and F polynomials of an integral
// family from its propagators and checks that F is positive on the
// Feynman parameter simplex.
package symanzik

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/rand"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/pkg/logger"
)

var tracer = otel.Tracer("feynbound/internal/symanzik")

const (
	// LogSymbol stands for log(U^(L+1)/F^L) in ansatz polynomials.
	LogSymbol = "L"

	DefaultTrials = 65536
)

var (
	ErrNotEuclidean = errors.New("F polynomial is not positive on the simplex")

	// ErrIncompleteNumerics is returned when F keeps a symbol after the
	// kinematic numerics are substituted.
	ErrIncompleteNumerics = errors.New("incomplete numerics for kinematics")
)

// ScalarRule replaces the product A·B of two momenta by Value.
type ScalarRule struct {
	A, B  string
	Value algebra.Expr
}

// Apply rewrites every occurrence of the rules' products in e.
func Apply(e algebra.Expr, rules []ScalarRule) (algebra.Expr, error) {
	for _, r := range rules {
		value, ok := r.Value.Poly()
		if !ok {
			return algebra.Expr{}, fmt.Errorf("scalar product %s*%s has non-polynomial value %s", r.A, r.B, r.Value)
		}
		var err error
		e, err = e.ReplaceMonomial(algebra.NewMonomial(algebra.Factor{Var: r.A, Exp: 1}, algebra.Factor{Var: r.B, Exp: 1}), value)
		if err != nil {
			return algebra.Expr{}, err
		}
	}
	return e, nil
}

// Param is the name of the Feynman parameter of propagator slot i.
func Param(i int) string {
	return fmt.Sprintf("x%d", i)
}

// Polynomials are the Symanzik polynomials of a family.
type Polynomials struct {
	U, F algebra.Expr
	// Params names the Feynman parameter of every propagator slot.
	Params []string
	// Effective lists the slots inside the sector.
	Effective []int
	Loops     int
}

// Compute builds U = det M and F = Vᵀ·adj(M)·V + J·U from the quadratic
// form Σ x_i·P_i = kᵀMk - 2Vᵀk - J of the propagators P_i in the loop
// momenta internals.
func Compute(internals []string, propagators []algebra.Expr, rules []ScalarRule, sector keys.Sector) (*Polynomials, error) {
	n := len(propagators)
	out := &Polynomials{Params: make([]string, n), Loops: len(internals)}

	d := algebra.Int(0)
	for i, p := range propagators {
		out.Params[i] = Param(i)
		if !sector.Includes(i) {
			continue
		}
		d = d.Add(algebra.Var(out.Params[i]).Mul(p))
		out.Effective = append(out.Effective, i)
	}

	zero := make(map[string]algebra.Expr, len(internals))
	for _, k := range internals {
		zero[k] = algebra.Int(0)
	}
	half := algebra.Rat(big.NewRat(1, 2))

	j, err := d.Subs(zero)
	if err != nil {
		return nil, err
	}
	j = j.Neg()

	l := len(internals)
	v := algebra.NewMatrix(l, 1)
	m := algebra.NewMatrix(l, l)
	for a, ka := range internals {
		deriv := d.Diff(ka)
		at, err := deriv.Subs(zero)
		if err != nil {
			return nil, err
		}
		v.Set(a, 0, at.Neg().Mul(half))
		for b, kb := range internals {
			m.Set(a, b, deriv.Diff(kb).Mul(half))
		}
	}

	if out.U, err = m.Determinant(); err != nil {
		return nil, fmt.Errorf("symanzik U: %w", err)
	}
	adj, err := m.Adjugate()
	if err != nil {
		return nil, fmt.Errorf("symanzik F: %w", err)
	}
	quad, err := v.Transpose().Mul(adj)
	if err != nil {
		return nil, err
	}
	if quad, err = quad.Mul(v); err != nil {
		return nil, err
	}
	if out.F, err = Apply(quad.At(0, 0).Add(j.Mul(out.U)), rules); err != nil {
		return nil, err
	}
	return out, nil
}

// EffectiveParams returns the names of the parameters inside the sector.
func (p *Polynomials) EffectiveParams() []string {
	out := make([]string, len(p.Effective))
	for i, slot := range p.Effective {
		out[i] = p.Params[slot]
	}
	return out
}

// Range is the observed range of U^(L+1)/F^L over the sampled points.
type Range struct {
	Min, Max           float64
	MinPoint, MaxPoint []float64
}

// CheckEuclidean samples trials points uniformly on the simplex of the
// effective Feynman parameters and fails with ErrNotEuclidean at the
// first point where F, with kinematics substituted, is not positive.
func (p *Polynomials) CheckEuclidean(ctx context.Context, kinematics algebra.Rules, seed int64, trials int, log logger.Logger) (*Range, error) {
	_, span := tracer.Start(ctx, "symanzik.CheckEuclidean")
	defer span.End()

	f, err := p.F.Subs(kinematics.Map())
	if err != nil {
		return nil, err
	}

	params := p.EffectiveParams()
	alpha := make([]float64, len(params))
	for i := range alpha {
		alpha[i] = 1
	}
	dirichlet := distmv.NewDirichlet(alpha, rand.New(rand.NewSource(seed)))

	r := &Range{Min: math.Inf(1), Max: math.Inf(-1)}
	point := make([]float64, len(params))
	at := make(map[string]float64, len(params))
	for trial := 0; trial < trials; trial++ {
		dirichlet.Rand(point)
		for i, name := range params {
			at[name] = point[i]
		}

		fv, err := f.Eval(at)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIncompleteNumerics, err)
		}
		if fv <= 0 {
			log.WarnWithContext(ctx, "euclidean check failed",
				zap.Float64s("point", point),
				zap.Float64("F", fv))
			return nil, fmt.Errorf("%w: F = %g at %v", ErrNotEuclidean, fv, point)
		}
		uv, err := p.U.Eval(at)
		if err != nil {
			return nil, err
		}

		value := math.Pow(uv, float64(p.Loops+1)) / math.Pow(fv, float64(p.Loops))
		if value > r.Max {
			r.Max, r.MaxPoint = value, append([]float64(nil), point...)
		}
		if value < r.Min {
			r.Min, r.MinPoint = value, append([]float64(nil), point...)
		}
	}

	log.InfoWithContext(ctx, "euclidean check succeeded",
		zap.Int("trials", trials),
		zap.Float64("min", r.Min),
		zap.Float64s("min_point", r.MinPoint),
		zap.Float64("max", r.Max),
		zap.Float64s("max_point", r.MaxPoint))
	return r, nil
}
