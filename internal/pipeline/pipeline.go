// Package pipeline runs the whole bound computation: Symanzik polynomials,
// the optional Euclidean check, the read and expand stages, the ansatz
// matrices, the generate stage and finally the SDP solve.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/ansatz"
	"github.com/feynbound/feynbound/internal/build"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/config"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/polyparse"
	"github.com/feynbound/feynbound/internal/reduction"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/internal/sdp"
	"github.com/feynbound/feynbound/internal/symanzik"
	"github.com/feynbound/feynbound/pkg/logger"
	"github.com/feynbound/feynbound/pkg/telemetry"
)

var tracer = otel.Tracer("feynbound/internal/pipeline")

const (
	RawDumpFile         = "raw_ibps"
	ExpandedDumpFile    = "expanded_ibps"
	SymbolicSDPDumpFile = "sdp_problem"
	YAMLSDPDumpFile     = "sdp_problem.yaml"
)

// Report is what a run produced. Bounds is nil when no solver is
// configured and the problem files were only written.
type Report struct {
	RunID       string
	Polynomials *symanzik.Polynomials
	Euclidean   *symanzik.Range
	Table       *reduction.Table
	Expanded    *reduction.Expanded
	Problem     *sdp.Problem
	Bounds      *sdp.Bounds
}

type Option func(p *Pipeline)

func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithSolver replaces the SDPA binary configured in sdpa.binary.
func WithSolver(s sdp.Solver) Option {
	return func(p *Pipeline) {
		p.solver = s
	}
}

// WithClock sets the source of the run timestamp that keys the generate
// stage.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

type Pipeline struct {
	cfg    *config.Config
	setup  *config.Setup
	store  cache.Store
	pool   *scheduler.Pool
	solver sdp.Solver
	logger logger.Logger
	now    func() time.Time
}

func New(cfg *config.Config, setup *config.Setup, store cache.Store, pool *scheduler.Pool, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		setup:  setup,
		store:  store,
		pool:   pool,
		logger: logger.NewNoopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.solver == nil && cfg.SDPA.Binary != "" {
		p.solver = &sdp.SDPASolver{
			Binary:  cfg.SDPA.Binary,
			WorkDir: cfg.SDPA.WorkDir,
			Params:  cfg.SDPA.Params,
			Logger:  p.logger,
		}
	}
	return p
}

// Unknowns lists the expansion coefficients of the effective masters,
// order by order.
func Unknowns(family *reduction.Family, order int) []string {
	masters := family.EffectiveMasters()
	out := make([]string, 0, (order+1)*len(masters))
	for i := 0; i <= order; i++ {
		for _, m := range masters {
			out = append(out, keys.OrderSymbol(m, i))
		}
	}
	return out
}

func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: ulid.Make().String()}
	ctx = logger.ContextWithRunID(ctx, report.RunID)
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID), attribute.String("family", p.setup.Family.Name))

	if err := p.run(ctx, report); err != nil {
		telemetry.TraceError(span, err)
		return report, err
	}
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, report *Report) error {
	family := p.setup.Family
	p.logger.InfoWithContext(ctx, "starting run",
		zap.String("family", family.Name),
		zap.String("version", build.Version),
		zap.Int("masters", len(family.Masters)),
		zap.Int("effective_masters", len(family.EffectiveMasters())),
		zap.Int("eps_order", p.cfg.EpsOrder))

	poly, err := symanzik.Compute(p.setup.Internals, p.setup.Propagators, p.setup.ScalarRules, family.Sector)
	if err != nil {
		return fmt.Errorf("symanzik polynomials: %w", err)
	}
	report.Polynomials = poly
	p.logger.InfoWithContext(ctx, "symanzik polynomials",
		zap.Stringer("U", poly.U),
		zap.Stringer("F", poly.F))

	if p.cfg.CheckEuclidean.Enabled {
		rng, err := poly.CheckEuclidean(ctx, family.Kinematics, p.cfg.CheckEuclidean.Seed, p.cfg.CheckEuclidean.Trials, p.logger)
		if err != nil {
			return err
		}
		report.Euclidean = rng
	}

	if err := p.checkManifest(ctx); err != nil {
		return err
	}

	table, err := p.read(ctx)
	if err != nil {
		return err
	}
	report.Table = table

	expanded, err := reduction.NewExpander(family, p.pool, p.store, reduction.WithLogger(p.logger)).Expand(ctx, table, p.cfg.EpsOrder)
	if err != nil {
		return err
	}
	report.Expanded = expanded

	if p.cfg.Dump.Raw {
		if err := p.dump(ctx, RawDumpFile, table.Dump); err != nil {
			return err
		}
	}
	if p.cfg.Dump.Expanded {
		if err := p.dump(ctx, ExpandedDumpFile, expanded.Dump); err != nil {
			return err
		}
	}

	matrices, err := p.constraints(ctx, poly, expanded)
	if err != nil {
		return err
	}

	unknowns := Unknowns(family, p.cfg.EpsOrder)
	problem, err := sdp.NewGenerator(p.pool, p.store, sdp.WithLogger(p.logger)).Generate(ctx, matrices, unknowns, p.now().UnixNano())
	if err != nil {
		return err
	}
	report.Problem = problem

	if p.cfg.Dump.SymbolicSDP {
		if err := p.dump(ctx, SymbolicSDPDumpFile, problem.DumpSymbolic); err != nil {
			return err
		}
		if err := p.dump(ctx, YAMLSDPDumpFile, problem.DumpYAML); err != nil {
			return err
		}
	}

	numeric, err := problem.Numeric()
	if err != nil {
		var nn *sdp.NonNumericError
		if errors.As(err, &nn) {
			p.logger.ErrorWithContext(ctx, "sdp problem is not numeric, check kinematics numerics and master values", zap.Error(err))
		}
		return err
	}

	if p.solver == nil {
		return p.writeProblem(ctx, numeric)
	}

	result, err := p.solver.Solve(ctx, numeric)
	if err != nil {
		return fmt.Errorf("solve: %w", err)
	}
	p.logger.InfoWithContext(ctx, "sdp solved",
		zap.String("phase", result.Phase),
		zap.Int("iterations", result.Iterations),
		zap.Float64("primal_objective", result.PrimalObjective),
		zap.Float64("dual_objective", result.DualObjective))

	bounds, err := result.Bounds(unknowns, sdp.PositivityThreshold)
	if err != nil {
		return err
	}
	report.Bounds = bounds
	for _, v := range bounds.Values {
		p.logger.InfoWithContext(ctx, "computed master value", zap.String("unknown", v.Unknown), zap.Float64("value", v.Value))
	}
	p.logger.InfoWithContext(ctx, "positivity constraints are satisfiable", zap.Float64("min_eigenvalue", bounds.MinEigenvalue))
	return nil
}

func (p *Pipeline) checkManifest(ctx context.Context) error {
	fp, err := p.setup.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint relations: %w", err)
	}
	_, err = cache.CheckManifest(ctx, p.store, cache.Manifest{
		Fingerprint: fp,
		Family:      p.setup.Family.Name,
		CreatedBy:   build.ProjectName + " " + build.Version,
	}, p.logger)
	return err
}

func (p *Pipeline) read(ctx context.Context) (*reduction.Table, error) {
	f, err := os.Open(p.setup.RelationsPath)
	if err != nil {
		return nil, fmt.Errorf("open relations: %w", err)
	}
	defer f.Close()

	rr := reduction.NewRelationReader(f, p.setup.Family.Name)
	return reduction.NewBuilder(p.setup.Family, p.pool, p.store, reduction.WithLogger(p.logger)).Build(ctx, rr)
}

// constraints builds the configured ansatz matrices and rewrites them over
// the expanded table. A matrix that needs a missing entry is skipped.
func (p *Pipeline) constraints(ctx context.Context, poly *symanzik.Polynomials, expanded *reduction.Expanded) ([]algebra.Matrix, error) {
	templates, err := ansatz.NewGenerator(poly.EffectiveParams()).FromSpecs(p.cfg.Ansatze)
	if err != nil {
		return nil, err
	}

	parser := polyparse.New(poly, expanded)
	matrices := make([]algebra.Matrix, 0, len(templates))
	for i, t := range templates {
		m, err := parser.ParseMatrix(t)
		if err != nil {
			if errors.Is(err, reduction.ErrMissingEntry) {
				p.logger.WarnWithContext(ctx, "ansatz needs an entry outside the reduction table, skipped",
					zap.Int("ansatz", i),
					zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("ansatz %d: %w", i, err)
		}
		matrices = append(matrices, m)
	}
	if len(matrices) == 0 {
		return nil, sdp.ErrNoConstraints
	}
	p.logger.InfoWithContext(ctx, "positivity constraints parsed",
		zap.Int("ansatze", len(templates)),
		zap.Int("constraints", len(matrices)))
	return matrices, nil
}

func (p *Pipeline) writeProblem(ctx context.Context, numeric *sdp.NumericProblem) error {
	dir := p.cfg.SDPA.WorkDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeTo(filepath.Join(dir, sdp.ProblemFile), func(w io.Writer) error { return sdp.WriteProblem(w, numeric) }); err != nil {
		return err
	}
	if err := writeTo(filepath.Join(dir, sdp.ParamFile), func(w io.Writer) error { return sdp.WriteParams(w, p.cfg.SDPA.Params) }); err != nil {
		return err
	}
	p.logger.InfoWithContext(ctx, "no sdpa binary configured, problem written",
		zap.String("problem", filepath.Join(dir, sdp.ProblemFile)),
		zap.String("params", filepath.Join(dir, sdp.ParamFile)))
	return nil
}

func (p *Pipeline) dump(ctx context.Context, name string, write func(io.Writer) error) error {
	if err := os.MkdirAll(p.cfg.Dump.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(p.cfg.Dump.Dir, name)
	p.logger.InfoWithContext(ctx, "dumping", zap.String("path", path))
	return writeTo(path, write)
}

func writeTo(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
