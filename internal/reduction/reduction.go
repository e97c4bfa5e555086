// Package reduction builds the table of integrals reduced to master
// integrals (read stage) and expands that table order by order in the
// dimensional regulator (expand stage). Both stages schedule their units
// of work on a scheduler.Pool and fold results back from a cache.Store.
package reduction

import (
	"errors"
	"fmt"
	"math/big"

	"go.opentelemetry.io/otel"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/pkg/logger"
)

var tracer = otel.Tracer("feynbound/internal/reduction")

const (
	KindRead   = "read"
	KindExpand = "expand"

	// DimensionSymbol is the spacetime dimension in coefficients.
	DimensionSymbol = "d"
	// EpsSymbol is the regulator, d = d0 - 2·eps.
	EpsSymbol = "eps"

	progressInterval = 1000
)

var (
	// ErrMalformedRelation is returned for a relation stream that cannot be tokenized.
	ErrMalformedRelation = errors.New("malformed relation")

	// ErrMissingEntry matches every *MissingEntryError.
	ErrMissingEntry = errors.New("missing reduction entry")
)

// MissingEntryError reports a key that a consumer needed but the expanded
// table does not hold, either because its expansion hit a pole or because
// its reduction never completed.
type MissingEntryError struct {
	Order int
	Key   keys.Index
}

func (e *MissingEntryError) Error() string {
	return fmt.Sprintf("no reduction entry for %s at order %d", keys.IntegralSymbol(e.Key), e.Order)
}

func (e *MissingEntryError) Unwrap() error {
	return ErrMissingEntry
}

// Family is what both stages need to know about the integral family.
type Family struct {
	Name    string
	Symbols *algebra.SymbolTable
	// Loops is the number of loop momenta, L in the prefactor.
	Loops int
	// T is the minimal total index of a valid relation head.
	T      int
	D0     int
	Sector keys.Sector
	// Masters is the full master basis, including masters with values.
	Masters []keys.Index
	// MasterValues binds integral symbols I[..] of known masters.
	MasterValues algebra.Rules
	Kinematics   algebra.Rules
}

// EffectiveMasters returns the masters that stay symbolic.
func (f *Family) EffectiveMasters() []keys.Index {
	known := f.MasterValues.Map()
	out := make([]keys.Index, 0, len(f.Masters))
	for _, m := range f.Masters {
		if _, ok := known[keys.IntegralSymbol(m)]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// Prefactor is Prefactor for the family's threshold, loops and sector.
func (f *Family) Prefactor(idx keys.Index) (algebra.Expr, bool) {
	return Prefactor(idx, f.T, f.Loops, f.Sector)
}

// integralValue is I[idx] with known master values and then kinematics substituted.
func (f *Family) integralValue(idx keys.Index) (algebra.Expr, error) {
	v, err := algebra.Var(keys.IntegralSymbol(idx)).Subs(f.MasterValues.Map())
	if err != nil {
		return algebra.Expr{}, err
	}
	return v.Subs(f.Kinematics.Map())
}

// Prefactor computes Γ(a_1)···Γ(a_n) over the slots of idx inside sector,
// divided by (i - d·loops/2) for every i from t up to the total index.
// It reports false when an included index is not positive or the total
// index is below t; such a relation is excluded from the table.
func Prefactor(idx keys.Index, t, loops int, sector keys.Sector) (algebra.Expr, bool) {
	p := algebra.Int(1)
	total := 0
	for i, a := range idx {
		if !sector.Includes(i) {
			continue
		}
		if a <= 0 {
			return algebra.Expr{}, false
		}
		p = p.Mul(algebra.Gamma(a))
		total += a
	}
	if total < t {
		return algebra.Expr{}, false
	}

	halfD := algebra.Var(DimensionSymbol).Mul(algebra.Rat(big.NewRat(int64(loops), 2)))
	for i := t; i < total; i++ {
		p = p.MustDiv(algebra.Int(int64(i)).Sub(halfD))
	}
	return p, true
}

type options struct {
	logger logger.Logger
}

// Option configures a Builder or an Expander.
type Option func(o *options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(opts []Option) options {
	o := options{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
