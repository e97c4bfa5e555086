// Package sdp assembles the semidefinite program bias + Σ x_i·A_i ⪰ 0 from
// the parsed ansatz matrices (generate stage), checks that it is numeric
// and solves it with an external SDPA binary.
package sdp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"gonum.org/v1/gonum/mat"
	"sigs.k8s.io/yaml"

	"github.com/feynbound/feynbound/internal/algebra"
)

var tracer = otel.Tracer("feynbound/internal/sdp")

const (
	KindGenerate = "generate"

	// PositivityThreshold bounds the optimal Lambda of a feasible problem.
	PositivityThreshold = 1e-5
)

var (
	ErrIncomplete    = errors.New("problem is incomplete")
	ErrNotOptimal    = errors.New("solver did not reach an optimal solution")
	ErrInfeasible    = errors.New("positivity constraints are infeasible")
	ErrNonNumeric    = errors.New("problem is not numeric")
	ErrNoConstraints = errors.New("no positivity constraints")
)

// NonNumericError locates an element that is still symbolic after every
// unknown was set to zero. Unknown is -1 for the bias.
type NonNumericError struct {
	Unknown  int
	Block    int
	Row, Col int
	Element  string
}

func (e *NonNumericError) Error() string {
	owner := "bias"
	if e.Unknown >= 0 {
		owner = fmt.Sprintf("A%d", e.Unknown)
	}
	return fmt.Sprintf("%s block %d element (%d,%d) = %s is not numeric", owner, e.Block, e.Row, e.Col, e.Element)
}

func (e *NonNumericError) Unwrap() error {
	return ErrNonNumeric
}

// Problem is bias + Σ_i x_i·Coefficients[i] ⪰ 0, blockwise.
type Problem struct {
	Unknowns []string
	// Coefficients is indexed by unknown and then by block.
	Coefficients [][]algebra.Matrix
	Bias         []algebra.Matrix
}

// Underdetermined returns the unknowns whose coefficient matrices vanish
// in every block.
func (p *Problem) Underdetermined() []string {
	var out []string
	for i, blocks := range p.Coefficients {
		zero := true
		for _, m := range blocks {
			if !m.IsZero() {
				zero = false
				break
			}
		}
		if zero {
			out = append(out, p.Unknowns[i])
		}
	}
	return out
}

// NumericProblem is a Problem evaluated to floating point.
type NumericProblem struct {
	Unknowns     []string
	Coefficients [][]*mat.SymDense
	Bias         []*mat.SymDense
}

// Blocks returns the size of every block.
func (p *NumericProblem) Blocks() []int {
	out := make([]int, len(p.Bias))
	for j, b := range p.Bias {
		out[j] = b.SymmetricDim()
	}
	return out
}

// Numeric evaluates the upper triangle of every matrix. All non-numeric
// elements are reported, each as a *NonNumericError.
func (p *Problem) Numeric() (*NumericProblem, error) {
	if len(p.Bias) == 0 {
		return nil, ErrNoConstraints
	}
	var errs []error
	toSym := func(unknown, block int, m algebra.Matrix) *mat.SymDense {
		n := m.Rows()
		out := mat.NewSymDense(n, nil)
		for k := 0; k < n; k++ {
			for l := k; l < n; l++ {
				v, err := m.At(k, l).Float64()
				if err != nil {
					errs = append(errs, &NonNumericError{Unknown: unknown, Block: block, Row: k, Col: l, Element: m.At(k, l).String()})
					continue
				}
				out.SetSym(k, l, v)
			}
		}
		return out
	}

	np := &NumericProblem{
		Unknowns:     p.Unknowns,
		Coefficients: make([][]*mat.SymDense, len(p.Coefficients)),
		Bias:         make([]*mat.SymDense, len(p.Bias)),
	}
	for j, b := range p.Bias {
		np.Bias[j] = toSym(-1, j, b)
	}
	for i, blocks := range p.Coefficients {
		np.Coefficients[i] = make([]*mat.SymDense, len(blocks))
		for j, m := range blocks {
			np.Coefficients[i][j] = toSym(i, j, m)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return np, nil
}

func writeBlocks(w *bufio.Writer, blocks []algebra.Matrix) {
	for _, m := range blocks {
		w.WriteString("    {{")
		for k := 0; k < m.Rows(); k++ {
			for l := 0; l < m.Cols(); l++ {
				w.WriteString(m.At(k, l).String())
				if l != m.Cols()-1 {
					w.WriteString(", ")
				}
			}
			if k != m.Rows()-1 {
				w.WriteString("},\n     {")
			} else {
				w.WriteString("}},\n")
			}
		}
		w.WriteString("\n")
	}
}

// DumpSymbolic writes the problem in the readable form
// "b + Lambda + x0 A0 + ... >= 0" followed by every matrix.
func (p *Problem) DumpSymbolic(w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("b + Lambda")
	for i := range p.Coefficients {
		fmt.Fprintf(bw, " + x%d A%d", i, i)
	}
	bw.WriteString(" >= 0\n\n")

	bw.WriteString("b = {\n")
	writeBlocks(bw, p.Bias)
	bw.WriteString("}\n\n")

	for i, blocks := range p.Coefficients {
		fmt.Fprintf(bw, "A%d = {\n", i)
		writeBlocks(bw, blocks)
		bw.WriteString("}\n\n")
	}
	return bw.Flush()
}

type problemDocument struct {
	Unknowns     []string           `json:"unknowns"`
	Bias         []algebra.Matrix   `json:"bias"`
	Coefficients [][]algebra.Matrix `json:"coefficients"`
}

// DumpYAML writes the problem as a YAML document with one list of rows
// per matrix.
func (p *Problem) DumpYAML(w io.Writer) error {
	out, err := yaml.Marshal(problemDocument{Unknowns: p.Unknowns, Bias: p.Bias, Coefficients: p.Coefficients})
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// String lists the unknowns, mainly for logs.
func (p *Problem) String() string {
	return fmt.Sprintf("%d blocks over {%s}", len(p.Bias), strings.Join(p.Unknowns, ", "))
}
