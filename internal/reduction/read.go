package reduction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/pkg/logger"
	"github.com/feynbound/feynbound/pkg/telemetry"
)

// ReadJob evaluates one relation coefficient: it parses the raw text
// against the family's symbols, substitutes the kinematic numerics and
// stores the result signed by the parity of head against term.
type ReadJob struct {
	Head        keys.Index    `json:"head"`
	Term        keys.Index    `json:"term"`
	Coefficient string        `json:"coefficient"`
	Symbols     []string      `json:"symbols"`
	Kinematics  algebra.Rules `json:"kinematics"`

	store cache.Store
}

var _ scheduler.Job = (*ReadJob)(nil)

func readKey(head, term keys.Index) cache.Key {
	return cache.Key{Stage: cache.StageRead, Primary: head.String(), Secondary: term.String()}
}

func (j *ReadJob) Kind() string { return KindRead }

func (j *ReadJob) Key() string { return readKey(j.Head, j.Term).Name() }

func (j *ReadJob) Payload() ([]byte, error) {
	return json.Marshal(j)
}

func (j *ReadJob) Run(ctx context.Context) error {
	coeff, err := algebra.NewSymbolTable(j.Symbols...).Parse(j.Coefficient)
	if err != nil {
		return fmt.Errorf("coefficient of %s in %s: %w", keys.IntegralSymbol(j.Term), keys.IntegralSymbol(j.Head), err)
	}
	coeff, err = coeff.Subs(j.Kinematics.Map())
	if err != nil {
		return err
	}
	if keys.Parity(j.Head, j.Term) < 0 {
		coeff = coeff.Neg()
	}
	return cache.Put(ctx, j.store, readKey(j.Head, j.Term), coeff)
}

// ReadDecoder rebuilds read jobs in a worker process.
func ReadDecoder(store cache.Store) scheduler.Decoder {
	return func(payload []byte) (scheduler.Job, error) {
		j := &ReadJob{store: store}
		if err := json.Unmarshal(payload, j); err != nil {
			return nil, err
		}
		return j, nil
	}
}

// RegisterJobs makes both stages' jobs decodable by a worker.
func RegisterJobs(reg *scheduler.Registry, store cache.Store) {
	reg.Register(KindRead, ReadDecoder(store))
	reg.Register(KindExpand, ExpandDecoder(store))
}

// Builder runs the read stage.
type Builder struct {
	family *Family
	pool   *scheduler.Pool
	store  cache.Store
	logger logger.Logger
}

func NewBuilder(family *Family, pool *scheduler.Pool, store cache.Store, opts ...Option) *Builder {
	o := newOptions(opts)
	return &Builder{
		family: family,
		pool:   pool,
		store:  store,
		logger: o.logger,
	}
}

// termFold merges one signed coefficient of term into head.
type termFold func(head, term keys.Index, coeff algebra.Expr) error

type readStats struct {
	relations int
	excluded  int
	cached    int
	submitted int
	folded    int
}

// Build reduces every valid relation of rr into a Table:
// table[head] += I[term] · coefficient · prefactor(head), then sets every
// master with a valid prefactor to I[master] · prefactor(master).
func (b *Builder) Build(ctx context.Context, rr *RelationReader) (*Table, error) {
	ctx, span := tracer.Start(ctx, "reduction.Build")
	defer span.End()

	table := NewTable()
	prefactors := map[string]algebra.Expr{}
	values := map[string]algebra.Expr{}

	accept := func(head keys.Index) bool {
		p, ok := b.family.Prefactor(head)
		if !ok {
			return false
		}
		prefactors[head.String()] = p
		table.touch(head)
		return true
	}
	fold := func(head, term keys.Index, coeff algebra.Expr) error {
		v, ok := values[term.String()]
		if !ok {
			var err error
			if v, err = b.family.integralValue(term); err != nil {
				return err
			}
			values[term.String()] = v
		}
		table.add(head, v.Mul(coeff).Mul(prefactors[head.String()]))
		return nil
	}
	missing := func(head, term keys.Index) {
		b.logger.ErrorWithContext(ctx, "relation term never produced a coefficient",
			zap.String("head", head.String()),
			zap.String("term", term.String()))
		table.markMissing(head)
	}

	stats, err := b.reduce(ctx, rr, accept, fold, missing)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	for _, m := range b.family.Masters {
		p, ok := b.family.Prefactor(m)
		if !ok {
			continue
		}
		v, err := b.family.integralValue(m)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		table.Set(m, v.Mul(p))
	}

	span.SetAttributes(
		attribute.Int("relations", stats.relations),
		attribute.Int("entries", table.Len()),
		attribute.Int("missing", len(table.Missing())),
	)
	b.logger.InfoWithContext(ctx, "reduction table built",
		zap.Int("relations", stats.relations),
		zap.Int("excluded", stats.excluded),
		zap.Int("cached", stats.cached),
		zap.Int("submitted", stats.submitted),
		zap.Int("entries", table.Len()),
		zap.Int("missing", len(table.Missing())))
	return table, nil
}

// Reduction is one integral written over masters: master key to signed
// coefficient.
type Reduction map[string]algebra.Expr

// BuildSelected reduces only the heads in wanted, without prefactors or
// integral values. Wanted masters reduce to themselves with coefficient 1.
// A wanted key absent from the result had no complete relation in rr.
func (b *Builder) BuildSelected(ctx context.Context, rr *RelationReader, wanted []keys.Index) (map[string]Reduction, error) {
	ctx, span := tracer.Start(ctx, "reduction.BuildSelected")
	defer span.End()

	want := make(map[string]struct{}, len(wanted))
	for _, w := range wanted {
		want[w.String()] = struct{}{}
	}
	out := make(map[string]Reduction, len(wanted))
	dropped := map[string]struct{}{}

	accept := func(head keys.Index) bool {
		_, ok := want[head.String()]
		if ok {
			if _, seen := out[head.String()]; !seen {
				out[head.String()] = Reduction{}
			}
		}
		return ok
	}
	fold := func(head, term keys.Index, coeff algebra.Expr) error {
		if _, gone := dropped[head.String()]; gone {
			return nil
		}
		r := out[head.String()]
		if cur, ok := r[term.String()]; ok {
			coeff = cur.Add(coeff)
		}
		r[term.String()] = coeff
		return nil
	}
	missing := func(head, term keys.Index) {
		b.logger.ErrorWithContext(ctx, "relation term never produced a coefficient",
			zap.String("head", head.String()),
			zap.String("term", term.String()))
		dropped[head.String()] = struct{}{}
		delete(out, head.String())
	}

	if _, err := b.reduce(ctx, rr, accept, fold, missing); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	for _, m := range b.family.Masters {
		if _, ok := want[m.String()]; ok {
			out[m.String()] = Reduction{m.String(): algebra.Int(1)}
		}
	}
	return out, nil
}

func (b *Builder) newJob(head keys.Index, term Term) *ReadJob {
	return &ReadJob{
		Head:        head,
		Term:        term.Integral,
		Coefficient: term.Coefficient,
		Symbols:     b.family.Symbols.Names(),
		Kinematics:  b.family.Kinematics,
		store:       b.store,
	}
}

// reduce walks the relations of rr. Terms of accepted heads are folded
// from the cache when present and scheduled otherwise; the pool is
// drained before returning.
func (b *Builder) reduce(ctx context.Context, rr *RelationReader, accept func(keys.Index) bool, fold termFold, missing func(head, term keys.Index)) (readStats, error) {
	var stats readStats

	foldJob := func(ctx context.Context, job scheduler.Job) error {
		j := job.(*ReadJob)
		var coeff algebra.Expr
		if err := cache.Get(ctx, b.store, readKey(j.Head, j.Term), &coeff); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				missing(j.Head, j.Term)
				return nil
			}
			return err
		}
		stats.folded++
		if stats.folded%progressInterval == 0 {
			b.logger.InfoWithContext(ctx, "read stage progress",
				zap.Int("completed", stats.folded),
				zap.Int("submitted", stats.submitted))
		}
		return fold(j.Head, j.Term, coeff)
	}

	abort := func(err error) (readStats, error) {
		return stats, errors.Join(err, b.pool.Drain(ctx, foldJob))
	}

	for {
		rel, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return abort(err)
		}
		stats.relations++
		if !accept(rel.Head) {
			stats.excluded++
			continue
		}

		for _, term := range rel.Terms {
			key := readKey(rel.Head, term.Integral)
			ok, err := b.store.Exists(ctx, key)
			if err != nil {
				return abort(err)
			}
			if ok {
				var coeff algebra.Expr
				if err := cache.MustGet(ctx, b.store, key, &coeff); err != nil {
					return abort(err)
				}
				stats.cached++
				if err := fold(rel.Head, term.Integral, coeff); err != nil {
					return abort(err)
				}
				continue
			}

			if err := b.pool.SubmitWait(ctx, b.newJob(rel.Head, term), foldJob); err != nil {
				return abort(err)
			}
			stats.submitted++
		}
	}

	if err := b.pool.Drain(ctx, foldJob); err != nil {
		return stats, err
	}
	return stats, nil
}
