package sdp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/feynbound/feynbound/pkg/logger"
	"github.com/feynbound/feynbound/pkg/telemetry"
)

const (
	ProblemFile = "problem.in"
	ParamFile   = "param.sdpa"
	ResultFile  = "result.out"
)

var ErrMalformedResult = errors.New("malformed SDPA result")

// Params are the SDPA run parameters, written to param.sdpa.
type Params struct {
	MaxIteration int     `mapstructure:"maxIteration"`
	EpsilonStar  float64 `mapstructure:"epsilonStar"`
	LambdaStar   float64 `mapstructure:"lambdaStar"`
	OmegaStar    float64 `mapstructure:"omegaStar"`
	LowerBound   float64 `mapstructure:"lowerBound"`
	UpperBound   float64 `mapstructure:"upperBound"`
	BetaStar     float64 `mapstructure:"betaStar"`
	BetaBar      float64 `mapstructure:"betaBar"`
	GammaStar    float64 `mapstructure:"gammaStar"`
	EpsilonDash  float64 `mapstructure:"epsilonDash"`
	XPrint       string  `mapstructure:"xPrint"`
	BigXPrint    string  `mapstructure:"matrixPrint"` // XPrint in param.sdpa
	YPrint       string  `mapstructure:"YPrint"`
	InfPrint     string  `mapstructure:"infPrint"`
}

func DefaultParams() Params {
	return Params{
		MaxIteration: 100,
		EpsilonStar:  1.0e-7,
		LambdaStar:   1.0e2,
		OmegaStar:    2.0,
		LowerBound:   -1.0e5,
		UpperBound:   1.0e5,
		BetaStar:     0.1,
		BetaBar:      0.2,
		GammaStar:    0.9,
		EpsilonDash:  1.0e-7,
		XPrint:       "%+8.3e",
		BigXPrint:    "%+8.3e",
		YPrint:       "%+8.3e",
		InfPrint:     "%+10.16e",
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteParams writes p in the param.sdpa layout, one "value\tdescription"
// line per parameter.
func WriteParams(w io.Writer, p Params) error {
	lines := [][2]string{
		{strconv.Itoa(p.MaxIteration), "unsigned int maxIteration;"},
		{formatFloat(p.EpsilonStar), "double 0.0 < epsilonStar;"},
		{formatFloat(p.LambdaStar), "double 0.0 < lambdaStar;"},
		{formatFloat(p.OmegaStar), "double 1.0 < omegaStar;"},
		{formatFloat(p.LowerBound), "double lowerBound;"},
		{formatFloat(p.UpperBound), "double upperBound;"},
		{formatFloat(p.BetaStar), "double 0.0 <= betaStar <  1.0;"},
		{formatFloat(p.BetaBar), "double 0.0 <= betaBar  <  1.0, betaStar <= betaBar;"},
		{formatFloat(p.GammaStar), "double 0.0 < gammaStar  <  1.0;"},
		{formatFloat(p.EpsilonDash), "double 0.0 < epsilonDash;"},
		{p.XPrint, "char* xPrint\t(default %+8.3e,   NOPRINT skips printout)"},
		{p.BigXPrint, "char* XPrint\t(default %+8.3e,   NOPRINT skips printout)"},
		{p.YPrint, "char* YPrint\t(default %+8.3e,   NOPRINT skips printout)"},
		{p.InfPrint, "char* infPrint\t(default %+10.16e, NOPRINT skips printout)"},
	}
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		fmt.Fprintf(bw, "%s\t%s\n", l[0], l[1])
	}
	return bw.Flush()
}

func writeSym(w *bufio.Writer, n int, at func(k, l int) float64) {
	w.WriteString("{ ")
	for k := 0; k < n; k++ {
		if k == 0 {
			w.WriteString("{")
		} else {
			w.WriteString("},\n  {")
		}
		for l := 0; l < n; l++ {
			v := at(k, l)
			if v == 0 {
				v = 0
			}
			w.WriteString(formatFloat(v))
			if l != n-1 {
				w.WriteString(", ")
			}
		}
	}
	w.WriteString("} }\n")
}

// WriteProblem writes p in SDPA dense input format. The constraint
// matrices are F0 = -bias, F_i = A_i and a final identity for Lambda, and
// the objective selects Lambda.
func WriteProblem(w io.Writer, p *NumericProblem) error {
	bw := bufio.NewWriter(w)
	blocks := p.Blocks()

	fmt.Fprintf(bw, "    %d = mDIM\n", len(p.Unknowns)+1)
	fmt.Fprintf(bw, "    %d = nBLOCK\n", len(blocks))
	bw.WriteString("    ")
	for _, n := range blocks {
		fmt.Fprintf(bw, "%d    ", n)
	}
	bw.WriteString(" = bLOCKsTRUCT\n")

	bw.WriteString("{")
	for range p.Unknowns {
		bw.WriteString("0, ")
	}
	bw.WriteString("1}\n")

	writeMatrices := func(ms []*mat.SymDense, scale float64) {
		bw.WriteString("{\n")
		for _, m := range ms {
			writeSym(bw, m.SymmetricDim(), func(k, l int) float64 { return scale * m.At(k, l) })
		}
		bw.WriteString("}\n")
	}
	writeMatrices(p.Bias, -1)
	for _, blocks := range p.Coefficients {
		writeMatrices(blocks, 1)
	}

	bw.WriteString("{\n")
	for _, n := range blocks {
		writeSym(bw, n, func(k, l int) float64 {
			if k == l {
				return 1
			}
			return 0
		})
	}
	bw.WriteString("}\n")
	return bw.Flush()
}

// ParseResult reads the phase, objectives, iteration count and xVec from
// an SDPA output file.
func ParseResult(r io.Reader) (*Result, error) {
	res := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	seenX := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		name, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)

		var err error
		switch name {
		case "phase.value":
			res.Phase = value
		case "Iteration":
			res.Iterations, err = strconv.Atoi(value)
		case "objValPrimal":
			res.PrimalObjective, err = strconv.ParseFloat(value, 64)
		case "objValDual":
			res.DualObjective, err = strconv.ParseFloat(value, 64)
		case "xVec":
			if value == "" {
				if !scanner.Scan() {
					return nil, fmt.Errorf("%w: xVec has no values", ErrMalformedResult)
				}
				value = strings.TrimSpace(scanner.Text())
			}
			res.X, err = parseVector(value)
			seenX = true
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformedResult, name, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if res.Phase == "" || !seenX {
		return nil, fmt.Errorf("%w: missing phase.value or xVec", ErrMalformedResult)
	}
	return res, nil
}

func parseVector(s string) ([]float64, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "{"), "}")
	var out []float64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SDPASolver runs an SDPA binary on files written to WorkDir.
type SDPASolver struct {
	Binary  string
	WorkDir string
	Params  Params
	Logger  logger.Logger
}

var _ Solver = (*SDPASolver)(nil)

func (s *SDPASolver) Solve(ctx context.Context, p *NumericProblem) (*Result, error) {
	ctx, span := tracer.Start(ctx, "sdp.SDPASolver.Solve")
	defer span.End()

	log := s.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}
	if err := os.MkdirAll(s.WorkDir, 0o755); err != nil {
		return nil, err
	}

	problemPath := filepath.Join(s.WorkDir, ProblemFile)
	paramPath := filepath.Join(s.WorkDir, ParamFile)
	resultPath := filepath.Join(s.WorkDir, ResultFile)
	if err := writeFile(problemPath, func(w io.Writer) error { return WriteProblem(w, p) }); err != nil {
		return nil, err
	}
	if err := writeFile(paramPath, func(w io.Writer) error { return WriteParams(w, s.Params) }); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Binary, "-dd", problemPath, "-o", resultPath, "-p", paramPath)
	cmd.Stdout = &out
	cmd.Stderr = &out
	log.InfoWithContext(ctx, "running sdpa", zap.String("binary", s.Binary), zap.String("work_dir", s.WorkDir))
	if err := cmd.Run(); err != nil {
		log.ErrorWithContext(ctx, "sdpa failed", zap.String("output", out.String()), zap.Error(err))
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("run %s: %w", s.Binary, err)
	}
	log.DebugWithContext(ctx, "sdpa finished", zap.String("output", out.String()))

	f, err := os.Open(resultPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseResult(f)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
