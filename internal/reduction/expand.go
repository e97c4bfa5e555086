package reduction

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/emirpasic/gods/sets/treeset"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/feynbound/feynbound/internal/algebra"
	"github.com/feynbound/feynbound/internal/cache"
	"github.com/feynbound/feynbound/internal/keys"
	"github.com/feynbound/feynbound/internal/scheduler"
	"github.com/feynbound/feynbound/pkg/logger"
	"github.com/feynbound/feynbound/pkg/telemetry"
)

// ExpandJob expands one table entry around eps = 0. It stores the
// derivatives of orders 0..Order at eps = 0, or an empty list when any of
// them is a pole.
type ExpandJob struct {
	Entry keys.Index   `json:"entry"`
	Value algebra.Expr `json:"value"`
	D0    int          `json:"d0"`
	Order int          `json:"order"`

	store cache.Store
}

var _ scheduler.Job = (*ExpandJob)(nil)

// expandKey records the order next to the entry: an expansion to a lower
// order never satisfies a request for a higher one.
func expandKey(entry keys.Index, order int) cache.Key {
	return cache.Key{Stage: cache.StageExpand, Primary: entry.String(), Secondary: strconv.Itoa(order)}
}

func (j *ExpandJob) Kind() string { return KindExpand }

func (j *ExpandJob) Key() string { return expandKey(j.Entry, j.Order).Name() }

func (j *ExpandJob) Payload() ([]byte, error) {
	return json.Marshal(j)
}

func (j *ExpandJob) Run(ctx context.Context) error {
	derivatives, err := Derivatives(j.Value, j.D0, j.Order)
	if errors.Is(err, algebra.ErrPole) {
		return cache.Put(ctx, j.store, expandKey(j.Entry, j.Order), []algebra.Expr{})
	}
	if err != nil {
		return err
	}
	return cache.Put(ctx, j.store, expandKey(j.Entry, j.Order), derivatives)
}

// ExpandDecoder rebuilds expand jobs in a worker process.
func ExpandDecoder(store cache.Store) scheduler.Decoder {
	return func(payload []byte) (scheduler.Job, error) {
		j := &ExpandJob{store: store}
		if err := json.Unmarshal(payload, j); err != nil {
			return nil, err
		}
		return j, nil
	}
}

// Derivatives substitutes d = d0 - 2·eps and I[k] = Σ_i I[k]_i·eps^i into
// value and returns the first order+1 derivatives in eps at eps = 0. The
// first pole stops the expansion with algebra.ErrPole.
func Derivatives(value algebra.Expr, d0, order int) ([]algebra.Expr, error) {
	eps := algebra.Var(EpsSymbol)
	rules := map[string]algebra.Expr{
		DimensionSymbol: algebra.Int(int64(d0)).Sub(eps.Mul(algebra.Int(2))),
	}
	for _, v := range value.Vars() {
		if !strings.HasPrefix(v, "I[") {
			continue
		}
		series := algebra.Int(0)
		power := algebra.Int(1)
		for i := 0; i <= order; i++ {
			series = series.Add(algebra.Var(fmt.Sprintf("%s_%d", v, i)).Mul(power))
			power = power.Mul(eps)
		}
		rules[v] = series
	}

	v, err := value.Subs(rules)
	if err != nil {
		return nil, err
	}
	out := make([]algebra.Expr, 0, order+1)
	for i := 0; i <= order; i++ {
		at, err := v.AtZero(EpsSymbol)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		out = append(out, at)
		if i < order {
			v = v.Diff(EpsSymbol)
		}
	}
	return out, nil
}

// Expanded holds the expansion coefficients of a Table, indexed by order
// and then by entry. An entry whose expansion hit a pole is absent from
// every order.
type Expanded struct {
	orders []map[string]algebra.Expr
	poles  *treeset.Set
}

// NewExpanded returns an empty table for orders 0..order.
func NewExpanded(order int) *Expanded {
	x := &Expanded{
		orders: make([]map[string]algebra.Expr, order+1),
		poles:  treeset.NewWith(compareIndex),
	}
	for i := range x.orders {
		x.orders[i] = map[string]algebra.Expr{}
	}
	return x
}

// Order is the highest expansion order held.
func (x *Expanded) Order() int {
	return len(x.orders) - 1
}

// Len is the number of entries at order.
func (x *Expanded) Len(order int) int {
	if order < 0 || order >= len(x.orders) {
		return 0
	}
	return len(x.orders[order])
}

// Lookup returns the order-th coefficient of key or a *MissingEntryError.
func (x *Expanded) Lookup(order int, key keys.Index) (algebra.Expr, error) {
	if order >= 0 && order < len(x.orders) {
		if v, ok := x.orders[order][key.String()]; ok {
			return v, nil
		}
	}
	return algebra.Expr{}, &MissingEntryError{Order: order, Key: key}
}

// Set stores the order-th coefficient of key.
func (x *Expanded) Set(order int, key keys.Index, v algebra.Expr) {
	x.orders[order][key.String()] = v
}

// Poles returns the entries dropped because their expansion hit a pole.
func (x *Expanded) Poles() []keys.Index {
	out := make([]keys.Index, 0, x.poles.Size())
	for _, k := range x.poles.Values() {
		out = append(out, k.(keys.Index))
	}
	return out
}

// Dump writes one "I[key]_order = value" line per coefficient.
func (x *Expanded) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for order, entries := range x.orders {
		names := make([]keys.Index, 0, len(entries))
		for k := range entries {
			names = append(names, keys.MustParse(k))
		}
		sort.Slice(names, func(i, j int) bool { return names[i].Compare(names[j]) < 0 })
		for _, k := range names {
			if _, err := fmt.Fprintf(bw, "%s = %s\n", keys.OrderSymbol(k, order), entries[k.String()]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Expander runs the expand stage.
type Expander struct {
	family *Family
	pool   *scheduler.Pool
	store  cache.Store
	logger logger.Logger
}

func NewExpander(family *Family, pool *scheduler.Pool, store cache.Store, opts ...Option) *Expander {
	o := newOptions(opts)
	return &Expander{
		family: family,
		pool:   pool,
		store:  store,
		logger: o.logger,
	}
}

// Expand expands every entry of table up to order. Entries with a pole are
// dropped from all orders and logged; they are not an error.
func (e *Expander) Expand(ctx context.Context, table *Table, order int) (*Expanded, error) {
	ctx, span := tracer.Start(ctx, "reduction.Expand")
	defer span.End()

	if order < 0 {
		return nil, fmt.Errorf("expansion order %d is negative", order)
	}

	x := NewExpanded(order)
	total := table.Len()
	completed := 0

	fold := func(ctx context.Context, entry keys.Index, derivatives []algebra.Expr) {
		completed++
		if completed%progressInterval == 0 || completed == total {
			e.logger.InfoWithContext(ctx, "expand stage progress",
				zap.Int("completed", completed),
				zap.Int("total", total))
		}
		switch {
		case len(derivatives) == 0:
			e.logger.WarnWithContext(ctx, "pole in expansion, entry dropped", zap.String("entry", entry.String()))
			x.poles.Add(entry)
			return
		case len(derivatives) < order+1:
			e.logger.ErrorWithContext(ctx, "expansion is shorter than the requested order, entry dropped",
				zap.String("entry", entry.String()),
				zap.Int("have", len(derivatives)-1),
				zap.Int("order", order))
			return
		}
		for i := 0; i <= order; i++ {
			x.Set(i, entry, derivatives[i].MustDiv(algebra.Gamma(i+1)))
		}
	}

	foldJob := func(ctx context.Context, job scheduler.Job) error {
		j := job.(*ExpandJob)
		var derivatives []algebra.Expr
		if err := cache.Get(ctx, e.store, expandKey(j.Entry, order), &derivatives); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				e.logger.ErrorWithContext(ctx, "expansion never produced a result", zap.String("entry", j.Entry.String()))
				completed++
				return nil
			}
			return err
		}
		fold(ctx, j.Entry, derivatives)
		return nil
	}

	fail := func(err error) (*Expanded, error) {
		err = errors.Join(err, e.pool.Drain(ctx, foldJob))
		telemetry.TraceError(span, err)
		return nil, err
	}

	submitted := 0
	for _, entry := range table.Keys() {
		ok, err := e.store.Exists(ctx, expandKey(entry, order))
		if err != nil {
			return fail(err)
		}
		if ok {
			var derivatives []algebra.Expr
			if err := cache.MustGet(ctx, e.store, expandKey(entry, order), &derivatives); err != nil {
				return fail(err)
			}
			if len(derivatives) == 0 || len(derivatives) > order {
				fold(ctx, entry, derivatives)
				continue
			}
			// A short non-pole entry counts as not computed.
			e.logger.WarnWithContext(ctx, "cached expansion is shorter than the requested order, recomputing",
				zap.String("entry", entry.String()),
				zap.Int("cached", len(derivatives)-1),
				zap.Int("order", order))
			if err := e.store.Delete(ctx, expandKey(entry, order)); err != nil {
				return fail(err)
			}
		}

		value, _ := table.Get(entry)
		job := &ExpandJob{Entry: entry, Value: value, D0: e.family.D0, Order: order, store: e.store}
		if err := e.pool.SubmitWait(ctx, job, foldJob); err != nil {
			return fail(err)
		}
		submitted++
	}
	if err := e.pool.Drain(ctx, foldJob); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("entries", total),
		attribute.Int("submitted", submitted),
		attribute.Int("poles", x.poles.Size()),
	)
	e.logger.InfoWithContext(ctx, "reduction table expanded",
		zap.Int("entries", total),
		zap.Int("submitted", submitted),
		zap.Int("expanded", x.Len(0)),
		zap.Int("poles", x.poles.Size()),
		zap.Int("order", order))
	return x, nil
}
