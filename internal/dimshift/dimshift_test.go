package dimshift

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/internal/symanzik"
)

func parse(t *testing.T, s string) algebra.Expr {
	t.Helper()
	e, err := algebra.Parse(s)
	require.NoError(t, err)
	return e
}

func bubble(t *testing.T) *symanzik.Polynomials {
	return &symanzik.Polynomials{
		U:         parse(t, "x0 + x1"),
		F:         parse(t, "s*x0*x1"),
		Params:    []string{"x0", "x1"},
		Effective: []int{0, 1},
		Loops:     1,
	}
}

func newAssembler(t *testing.T, relations string) *Assembler {
	t.Helper()
	family := &reduction.Family{
		Name:    "F",
		Symbols: algebra.NewSymbolTable(reduction.DimensionSymbol, "s"),
		Loops:   1,
		T:       2,
		Masters: []keys.Index{{1, 1}},
	}
	store, err := cache.NewFSStore(t.TempDir())
	require.NoError(t, err)
	pool, err := scheduler.NewPool(&scheduler.GoroutineRunner{}, 2)
	require.NoError(t, err)

	open := func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(relations)), nil
	}
	return New(reduction.NewBuilder(family, pool, store), open, family, bubble(t))
}

func TestTerms(t *testing.T) {
	terms, err := Terms(keys.Index{2, 1}, parse(t, "3*x0^2 + s*x1"), []string{"x0", "x1"}, []int{0, 1})
	require.NoError(t, err)
	require.Len(t, terms, 2)

	got := map[string]algebra.Expr{}
	for _, w := range terms {
		got[w.Integral.String()] = w.Coefficient
	}
	// (2)_2 = 2·3
	require.True(t, parse(t, "18").Equal(got["4,1"]), "got %s", got["4,1"])
	require.True(t, parse(t, "s").Equal(got["2,2"]), "got %s", got["2,2"])

	t.Run("zero_index_vanishes", func(t *testing.T) {
		terms, err := Terms(keys.Index{1, 0}, parse(t, "x1"), []string{"x0", "x1"}, []int{0, 1})
		require.NoError(t, err)
		require.Empty(t, terms)
	})
}

const relations = `
F[2,1] F[1,1]*(d-3)
F[1,2] F[1,1]*(d-3)
F[2,2] F[1,1]*(d-4)
`

func TestShift(t *testing.T) {
	ctx := context.Background()
	a := newAssembler(t, relations)

	upper, err := a.ShiftToUpper(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, upper.Rows())
	require.True(t, parse(t, "6 - 2*d").Equal(upper.At(0, 0)), "got %s", upper.At(0, 0))

	lower, err := a.ShiftToLower(ctx)
	require.NoError(t, err)
	require.True(t, parse(t, "1/(6 - 2*d)").Equal(lower.At(0, 0)), "got %s", lower.At(0, 0))
}

func TestDifferentialEquation(t *testing.T) {
	ctx := context.Background()
	a := newAssembler(t, relations)

	m, err := a.DifferentialEquation(ctx, "s")
	require.NoError(t, err)
	require.True(t, parse(t, "(d-2)/(2*d-2)").Equal(m.At(0, 0)), "got %s", m.At(0, 0))
}

func TestIncompleteReduction(t *testing.T) {
	ctx := context.Background()
	a := newAssembler(t, "F[2,1] F[1,1]*(d-3)\n")

	m, err := a.ShiftToUpper(ctx)
	require.ErrorIs(t, err, ErrIncomplete)
	require.True(t, m.Empty())

	m, err = a.DifferentialEquation(ctx, "s")
	require.ErrorIs(t, err, ErrIncomplete)
	require.True(t, m.Empty())
}
