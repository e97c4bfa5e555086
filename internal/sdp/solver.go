package sdp

import (
	"context"
	"fmt"
)

//go:generate mockgen -source solver.go -destination ../mocks/mock_solver.go -package mocks Solver

// Solver minimizes Lambda subject to bias + Lambda·1 + Σ x_i·A_i ⪰ 0.
type Solver interface {
	Solve(ctx context.Context, problem *NumericProblem) (*Result, error)
}

// PhaseOptimal is the phase an SDPA run reports when both primal and dual
// reached their optimum.
const PhaseOptimal = "pdOPT"

// Result is the raw outcome of a solver run. X holds one value per
// unknown followed by Lambda.
type Result struct {
	Phase           string
	Iterations      int
	PrimalObjective float64
	DualObjective   float64
	X               []float64
}

// Value is a solved unknown.
type Value struct {
	Unknown string  `json:"unknown"`
	Value   float64 `json:"value"`
}

// Bounds is a feasible solution of the positivity constraints.
type Bounds struct {
	// MinEigenvalue is the maximized minimum eigenvalue, -Lambda.
	MinEigenvalue float64 `json:"minEigenvalue"`
	Values        []Value `json:"values"`
}

// Bounds checks r and pairs the solution with unknowns. A non-optimal
// phase or a Lambda above threshold is an error.
func (r *Result) Bounds(unknowns []string, threshold float64) (*Bounds, error) {
	if r.Phase != PhaseOptimal {
		return nil, fmt.Errorf("%w: phase %s", ErrNotOptimal, r.Phase)
	}
	if len(r.X) != len(unknowns)+1 {
		return nil, fmt.Errorf("%w: %d values for %d unknowns", ErrNotOptimal, len(r.X), len(unknowns))
	}
	lambda := r.X[len(r.X)-1]
	if lambda > threshold {
		return nil, fmt.Errorf("%w: maximized minimum eigenvalue is %g", ErrInfeasible, -lambda)
	}

	b := &Bounds{MinEigenvalue: -lambda, Values: make([]Value, len(unknowns))}
	for i, u := range unknowns {
		b.Values[i] = Value{Unknown: u, Value: r.X[i]}
	}
	return b, nil
}
