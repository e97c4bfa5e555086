package symanzik

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/pkg/logger"
)

func parse(t *testing.T, s string) algebra.Expr {
	t.Helper()
	e, err := algebra.Parse(s)
	require.NoError(t, err)
	return e
}

func bubble(t *testing.T, sector keys.Sector) *Polynomials {
	t.Helper()
	props := []algebra.Expr{parse(t, "k^2"), parse(t, "(k+p)^2")}
	rules := []ScalarRule{{A: "p", B: "p", Value: parse(t, "-s")}}
	poly, err := Compute([]string{"k"}, props, rules, sector)
	require.NoError(t, err)
	return poly
}

func TestComputeBubble(t *testing.T) {
	poly := bubble(t, keys.Sector{})
	require.True(t, parse(t, "x0 + x1").Equal(poly.U), "U = %s", poly.U)
	require.True(t, parse(t, "s*x0*x1").Equal(poly.F), "F = %s", poly.F)
	require.Equal(t, []string{"x0", "x1"}, poly.Params)
	require.Equal(t, []int{0, 1}, poly.Effective)
	require.Equal(t, 1, poly.Loops)
}

func TestComputeRespectsSector(t *testing.T) {
	poly := bubble(t, keys.TopSector(0b01))
	require.True(t, parse(t, "x0").Equal(poly.U), "U = %s", poly.U)
	require.True(t, poly.F.IsZero(), "F = %s", poly.F)
	require.Equal(t, []string{"x0"}, poly.EffectiveParams())
}

func TestApply(t *testing.T) {
	e, err := Apply(parse(t, "p1*p2*k + p1^2"), []ScalarRule{
		{A: "p1", B: "p2", Value: parse(t, "s/2")},
		{A: "p1", B: "p1", Value: parse(t, "0")},
	})
	require.NoError(t, err)
	require.True(t, parse(t, "s*k/2").Equal(e), "got %s", e)
}

func TestCheckEuclidean(t *testing.T) {
	ctx := context.Background()
	poly := bubble(t, keys.Sector{})
	log := logger.NewNoopLogger()

	t.Run("positive", func(t *testing.T) {
		r, err := poly.CheckEuclidean(ctx, algebra.Rules{{Var: "s", Value: algebra.Int(1)}}, 0, 200, log)
		require.NoError(t, err)
		// U^2/F = 1/(x0·x1) >= 4 on the simplex
		require.GreaterOrEqual(t, r.Min, 4.0)
		require.GreaterOrEqual(t, r.Max, r.Min)
		require.Len(t, r.MinPoint, 2)
		require.InDelta(t, 1.0, r.MinPoint[0]+r.MinPoint[1], 1e-9)
	})

	t.Run("negative", func(t *testing.T) {
		_, err := poly.CheckEuclidean(ctx, algebra.Rules{{Var: "s", Value: algebra.Int(-1)}}, 0, 200, log)
		require.ErrorIs(t, err, ErrNotEuclidean)
	})

	t.Run("incomplete_numerics", func(t *testing.T) {
		_, err := poly.CheckEuclidean(ctx, nil, 0, 10, log)
		require.ErrorIs(t, err, ErrIncompleteNumerics)
	})

	t.Run("deterministic_seed", func(t *testing.T) {
		kin := algebra.Rules{{Var: "s", Value: algebra.Int(1)}}
		a, err := poly.CheckEuclidean(ctx, kin, 7, 50, log)
		require.NoError(t, err)
		b, err := poly.CheckEuclidean(ctx, kin, 7, 50, log)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})
}
