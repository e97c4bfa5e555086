package ansatz

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feynbound/feynbound/internal/algebra"
)

func parse(t *testing.T, s string) algebra.Expr {
	t.Helper()
	e, err := algebra.Parse(s)
	require.NoError(t, err)
	return e
}

func requireMatrix(t *testing.T, want [][]string, got algebra.Matrix) {
	t.Helper()
	require.Equal(t, len(want), got.Rows())
	for i, row := range want {
		require.Equal(t, len(row), got.Cols())
		for j, text := range row {
			require.True(t, parse(t, text).Equal(got.At(i, j)), "(%d,%d): want %s, got %s", i, j, text, got.At(i, j))
		}
	}
}

func TestGenerate(t *testing.T) {
	g := NewGenerator([]string{"x0", "x1"})

	m, err := g.Generate("x0", []string{"1", "L"})
	require.NoError(t, err)
	requireMatrix(t, [][]string{
		{"x0", "x0*L"},
		{"x0*L", "x0*L^2"},
	}, m)

	_, err = g.Generate("x0", []string{"x2"})
	require.ErrorIs(t, err, ErrInvalidAnsatz)
	require.ErrorIs(t, err, algebra.ErrUnknownSymbol)
}

func TestGenerateRange(t *testing.T) {
	g := NewGenerator([]string{"x0", "x1"})

	m, err := g.GenerateRange("1", 0, 1, 0)
	require.NoError(t, err)
	requireMatrix(t, [][]string{
		{"1", "x0", "x1"},
		{"x0", "x0^2", "x0*x1"},
		{"x1", "x0*x1", "x1^2"},
	}, m)

	t.Run("minimum_degree", func(t *testing.T) {
		m, err := g.GenerateRange("2", 1, 2, 0)
		require.NoError(t, err)
		require.Equal(t, 5, m.Rows())
		for i := 0; i < m.Rows(); i++ {
			poly, ok := m.At(i, i).Poly()
			require.True(t, ok)
			require.Len(t, poly.Terms(), 1)
			require.Equal(t, "2", poly.Terms()[0].Coef.RatString())
		}
	})

	t.Run("log_degree", func(t *testing.T) {
		m, err := g.GenerateRange("1", 0, 0, 1)
		require.NoError(t, err)
		requireMatrix(t, [][]string{
			{"1", "L"},
			{"L", "L^2"},
		}, m)
	})

	t.Run("bad_degrees", func(t *testing.T) {
		_, err := g.GenerateRange("1", 2, 1, 0)
		require.ErrorIs(t, err, ErrInvalidAnsatz)
	})
}

func TestFromSpecs(t *testing.T) {
	g := NewGenerator([]string{"x0"})
	ms, err := g.FromSpecs([]Spec{
		{Prefactor: "1", Terms: []string{"1", "x0"}},
		{Prefactor: "x0", MaxX: 1},
	})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	requireMatrix(t, [][]string{{"1", "x0"}, {"x0", "x0^2"}}, ms[0])
	requireMatrix(t, [][]string{{"x0", "x0^2"}, {"x0^2", "x0^3"}}, ms[1])

	_, err = g.FromSpecs([]Spec{{Prefactor: "y"}})
	require.ErrorIs(t, err, ErrInvalidAnsatz)
}
