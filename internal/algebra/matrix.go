package algebra

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrSingular is returned when inverting a matrix with vanishing determinant.
var ErrSingular = errors.New("singular matrix")

// Matrix is a dense row-major matrix of expressions.
type Matrix struct {
	rows, cols int
	data       []Expr
}

// NewMatrix returns a rows x cols zero matrix.
func NewMatrix(rows, cols int) Matrix {
	m := Matrix{rows: rows, cols: cols, data: make([]Expr, rows*cols)}
	for i := range m.data {
		m.data[i] = Expr{den: one}
	}
	return m
}

// Identity returns the n x n identity matrix.
func Identity(n int) Matrix {
	m := NewMatrix(n, n)
	for i := 0; i < n; i++ {
		m.Set(i, i, Int(1))
	}
	return m
}

func (m Matrix) Rows() int { return m.rows }
func (m Matrix) Cols() int { return m.cols }

// Empty reports whether m has no elements; dimension-shift assembly uses
// the empty matrix to mean "could not assemble".
func (m Matrix) Empty() bool { return m.rows == 0 || m.cols == 0 }

func (m Matrix) At(i, j int) Expr { return m.data[i*m.cols+j] }

func (m Matrix) Set(i, j int, e Expr) { m.data[i*m.cols+j] = e }

func (m Matrix) clone() Matrix {
	return Matrix{rows: m.rows, cols: m.cols, data: append([]Expr(nil), m.data...)}
}

// Map applies fn to every element and returns the result as a new matrix.
func (m Matrix) Map(fn func(Expr) (Expr, error)) (Matrix, error) {
	out := m.clone()
	for i, e := range m.data {
		v, err := fn(e)
		if err != nil {
			return Matrix{}, err
		}
		out.data[i] = v
	}
	return out, nil
}

func (m Matrix) Diff(v string) Matrix {
	out, _ := m.Map(func(e Expr) (Expr, error) { return e.Diff(v), nil })
	return out
}

func (m Matrix) Subs(rules map[string]Expr) (Matrix, error) {
	return m.Map(func(e Expr) (Expr, error) { return e.Subs(rules) })
}

func (m Matrix) IsZero() bool {
	for _, e := range m.data {
		if !e.IsZero() {
			return false
		}
	}
	return true
}

func (m Matrix) Equal(o Matrix) bool {
	if m.rows != o.rows || m.cols != o.cols {
		return false
	}
	for i := range m.data {
		if !m.data[i].Equal(o.data[i]) {
			return false
		}
	}
	return true
}

func (m Matrix) Transpose() Matrix {
	out := NewMatrix(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}

func (m Matrix) Mul(o Matrix) (Matrix, error) {
	if m.cols != o.rows {
		return Matrix{}, fmt.Errorf("algebra: cannot multiply %dx%d by %dx%d", m.rows, m.cols, o.rows, o.cols)
	}
	out := NewMatrix(m.rows, o.cols)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < o.cols; j++ {
			acc := Expr{den: one}
			for k := 0; k < m.cols; k++ {
				acc = acc.Add(m.At(i, k).Mul(o.At(k, j)))
			}
			out.Set(i, j, acc)
		}
	}
	return out, nil
}

// Determinant computes det(m) by cofactor expansion along the first row
// for small matrices and by Gaussian elimination otherwise.
func (m Matrix) Determinant() (Expr, error) {
	if m.rows != m.cols {
		return Expr{}, fmt.Errorf("algebra: determinant of non-square %dx%d matrix", m.rows, m.cols)
	}
	switch m.rows {
	case 0:
		return Int(1), nil
	case 1:
		return m.At(0, 0), nil
	case 2:
		return m.At(0, 0).Mul(m.At(1, 1)).Sub(m.At(0, 1).Mul(m.At(1, 0))), nil
	case 3:
		det := Expr{den: one}
		for j := 0; j < 3; j++ {
			minor, _ := m.minor(0, j).Determinant()
			term := m.At(0, j).Mul(minor)
			if j%2 == 1 {
				term = term.Neg()
			}
			det = det.Add(term)
		}
		return det, nil
	}
	a := m.clone()
	det := Int(1)
	for c := 0; c < a.cols; c++ {
		p := -1
		for r := c; r < a.rows; r++ {
			if !a.At(r, c).IsZero() {
				p = r
				break
			}
		}
		if p < 0 {
			return Expr{den: one}, nil
		}
		if p != c {
			a.swapRows(p, c)
			det = det.Neg()
		}
		pivot := a.At(c, c)
		det = det.Mul(pivot)
		for r := c + 1; r < a.rows; r++ {
			if a.At(r, c).IsZero() {
				continue
			}
			f := a.At(r, c).MustDiv(pivot)
			for k := c; k < a.cols; k++ {
				a.Set(r, k, a.At(r, k).Sub(f.Mul(a.At(c, k))))
			}
		}
	}
	return det, nil
}

func (m Matrix) minor(row, col int) Matrix {
	out := NewMatrix(m.rows-1, m.cols-1)
	for i, oi := 0, 0; i < m.rows; i++ {
		if i == row {
			continue
		}
		for j, oj := 0, 0; j < m.cols; j++ {
			if j == col {
				continue
			}
			out.Set(oi, oj, m.At(i, j))
			oj++
		}
		oi++
	}
	return out
}

// Adjugate returns the transpose of the cofactor matrix.
func (m Matrix) Adjugate() (Matrix, error) {
	if m.rows != m.cols {
		return Matrix{}, fmt.Errorf("algebra: adjugate of non-square %dx%d matrix", m.rows, m.cols)
	}
	n := m.rows
	adj := NewMatrix(n, n)
	if n == 1 {
		adj.Set(0, 0, Int(1))
		return adj, nil
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			c, err := m.minor(j, i).Determinant()
			if err != nil {
				return Matrix{}, err
			}
			if (i+j)%2 == 1 {
				c = c.Neg()
			}
			adj.Set(i, j, c)
		}
	}
	return adj, nil
}

func (m Matrix) swapRows(a, b int) {
	for k := 0; k < m.cols; k++ {
		x, y := m.At(a, k), m.At(b, k)
		m.Set(a, k, y)
		m.Set(b, k, x)
	}
}

// Inverse computes m^-1 by Gauss-Jordan elimination.
func (m Matrix) Inverse() (Matrix, error) {
	if m.rows != m.cols {
		return Matrix{}, fmt.Errorf("algebra: inverse of non-square %dx%d matrix", m.rows, m.cols)
	}
	n := m.rows
	a, inv := m.clone(), Identity(n)
	for c := 0; c < n; c++ {
		p := -1
		for r := c; r < n; r++ {
			if !a.At(r, c).IsZero() {
				p = r
				break
			}
		}
		if p < 0 {
			return Matrix{}, ErrSingular
		}
		a.swapRows(p, c)
		inv.swapRows(p, c)
		pivot := a.At(c, c)
		for k := 0; k < n; k++ {
			a.Set(c, k, a.At(c, k).MustDiv(pivot))
			inv.Set(c, k, inv.At(c, k).MustDiv(pivot))
		}
		for r := 0; r < n; r++ {
			if r == c || a.At(r, c).IsZero() {
				continue
			}
			f := a.At(r, c)
			for k := 0; k < n; k++ {
				a.Set(r, k, a.At(r, k).Sub(f.Mul(a.At(c, k))))
				inv.Set(r, k, inv.At(r, k).Sub(f.Mul(inv.At(c, k))))
			}
		}
	}
	return inv, nil
}

func (m Matrix) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i := 0; i < m.rows; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("{")
		for j := 0; j < m.cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(m.At(i, j).String())
		}
		sb.WriteString("}")
	}
	sb.WriteString("}")
	return sb.String()
}

// MarshalJSON encodes m as a list of rows of canonical expression strings.
func (m Matrix) MarshalJSON() ([]byte, error) {
	rows := make([][]string, m.rows)
	for i := range rows {
		rows[i] = make([]string, m.cols)
		for j := range rows[i] {
			rows[i][j] = m.At(i, j).String()
		}
	}
	return json.Marshal(rows)
}

func (m *Matrix) UnmarshalJSON(b []byte) error {
	var rows [][]string
	if err := json.Unmarshal(b, &rows); err != nil {
		return err
	}
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	out := NewMatrix(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("algebra: ragged matrix row %d has %d columns, want %d", i, len(row), cols)
		}
		for j, text := range row {
			e, err := Parse(text)
			if err != nil {
				return err
			}
			out.Set(i, j, e)
		}
	}
	*m = out
	return nil
}
