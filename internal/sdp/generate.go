package sdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/pkg/logger"
	"github.com/feynbound/feynbound/pkg/telemetry"
)

const biasKey = "bias"

// GenerateJob derives one matrix of the problem from a block template:
// ∂template/∂Variable with every unknown set to zero, or the template
// itself at zero when Variable is empty (the bias).
type GenerateJob struct {
	Unknown   int            `json:"unknown"`
	Block     int            `json:"block"`
	Variable  string         `json:"variable,omitempty"`
	Template  algebra.Matrix `json:"template"`
	Unknowns  []string       `json:"unknowns"`
	Timestamp int64          `json:"timestamp"`

	store cache.Store
}

var _ scheduler.Job = (*GenerateJob)(nil)

func generateKey(unknown, block int, timestamp int64) cache.Key {
	primary := biasKey
	if unknown >= 0 {
		primary = strconv.Itoa(unknown)
	}
	return cache.Key{
		Stage:     cache.StageGenerate,
		Primary:   primary,
		Secondary: strconv.Itoa(block),
		Timestamp: strconv.FormatInt(timestamp, 10),
	}
}

func (j *GenerateJob) cacheKey() cache.Key {
	return generateKey(j.Unknown, j.Block, j.Timestamp)
}

func (j *GenerateJob) Kind() string { return KindGenerate }

func (j *GenerateJob) Key() string { return j.cacheKey().Name() }

func (j *GenerateJob) Payload() ([]byte, error) {
	return json.Marshal(j)
}

func (j *GenerateJob) Run(ctx context.Context) error {
	m := j.Template
	if j.Variable != "" {
		m = m.Diff(j.Variable)
	}
	zero := make(map[string]algebra.Expr, len(j.Unknowns))
	for _, u := range j.Unknowns {
		zero[u] = algebra.Int(0)
	}
	m, err := m.Subs(zero)
	if err != nil {
		return fmt.Errorf("block %d: %w", j.Block, err)
	}
	return cache.Put(ctx, j.store, j.cacheKey(), m)
}

// GenerateDecoder rebuilds generate jobs in a worker process.
func GenerateDecoder(store cache.Store) scheduler.Decoder {
	return func(payload []byte) (scheduler.Job, error) {
		j := &GenerateJob{store: store}
		if err := json.Unmarshal(payload, j); err != nil {
			return nil, err
		}
		return j, nil
	}
}

func RegisterJobs(reg *scheduler.Registry, store cache.Store) {
	reg.Register(KindGenerate, GenerateDecoder(store))
}

type GeneratorOption func(g *Generator)

func WithLogger(l logger.Logger) GeneratorOption {
	return func(g *Generator) {
		g.logger = l
	}
}

// Generator runs the generate stage.
type Generator struct {
	pool   *scheduler.Pool
	store  cache.Store
	logger logger.Logger
}

func NewGenerator(pool *scheduler.Pool, store cache.Store, opts ...GeneratorOption) *Generator {
	g := &Generator{pool: pool, store: store, logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds the coefficient matrix of every (unknown, block) pair
// and the bias of every block. Entries are cached under timestamp, so a
// new timestamp never reuses matrices of an earlier run.
func (g *Generator) Generate(ctx context.Context, templates []algebra.Matrix, unknowns []string, timestamp int64) (*Problem, error) {
	ctx, span := tracer.Start(ctx, "sdp.Generate")
	defer span.End()

	p := &Problem{
		Unknowns:     unknowns,
		Coefficients: make([][]algebra.Matrix, len(unknowns)),
		Bias:         make([]algebra.Matrix, len(templates)),
	}
	for i := range p.Coefficients {
		p.Coefficients[i] = make([]algebra.Matrix, len(templates))
	}

	var missing []string
	total := (len(unknowns) + 1) * len(templates)
	completed := 0
	place := func(unknown, block int, m algebra.Matrix) {
		if unknown < 0 {
			p.Bias[block] = m
		} else {
			p.Coefficients[unknown][block] = m
		}
		completed++
		if completed%100 == 0 || completed == total {
			g.logger.InfoWithContext(ctx, "generate stage progress",
				zap.Int("completed", completed),
				zap.Int("total", total))
		}
	}
	fold := func(ctx context.Context, job scheduler.Job) error {
		j := job.(*GenerateJob)
		var m algebra.Matrix
		if err := cache.Get(ctx, g.store, j.cacheKey(), &m); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				missing = append(missing, j.cacheKey().Name())
				return nil
			}
			return err
		}
		place(j.Unknown, j.Block, m)
		return nil
	}
	fail := func(err error) (*Problem, error) {
		err = errors.Join(err, g.pool.Drain(ctx, fold))
		telemetry.TraceError(span, err)
		return nil, err
	}

	submitted := 0
	for unknown := -1; unknown < len(unknowns); unknown++ {
		for block, template := range templates {
			key := generateKey(unknown, block, timestamp)
			ok, err := g.store.Exists(ctx, key)
			if err != nil {
				return fail(err)
			}
			if ok {
				var m algebra.Matrix
				if err := cache.MustGet(ctx, g.store, key, &m); err != nil {
					return fail(err)
				}
				place(unknown, block, m)
				continue
			}

			job := &GenerateJob{
				Unknown:   unknown,
				Block:     block,
				Template:  template,
				Unknowns:  unknowns,
				Timestamp: timestamp,
				store:     g.store,
			}
			if unknown >= 0 {
				job.Variable = unknowns[unknown]
			}
			if err := g.pool.SubmitWait(ctx, job, fold); err != nil {
				return fail(err)
			}
			submitted++
		}
	}
	if err := g.pool.Drain(ctx, fold); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if len(missing) > 0 {
		err := fmt.Errorf("%w: %d matrices were never generated, first %s", ErrIncomplete, len(missing), missing[0])
		telemetry.TraceError(span, err)
		return nil, err
	}

	for _, u := range p.Underdetermined() {
		g.logger.WarnWithContext(ctx, "unknown cannot be determined", zap.String("unknown", u))
	}
	span.SetAttributes(attribute.Int("blocks", len(templates)), attribute.Int("unknowns", len(unknowns)), attribute.Int("submitted", submitted))
	g.logger.InfoWithContext(ctx, "problem generated",
		zap.Int("blocks", len(templates)),
		zap.Int("unknowns", len(unknowns)),
		zap.Int("submitted", submitted))
	return p, nil
}
