package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/feynbound/feynbound/pkg/logger"
)

// FoldFunc merges the result of a reaped job into the caller's
// accumulator, typically by loading the job's cache entry.
type FoldFunc func(ctx context.Context, job Job) error

type entry struct {
	job      Job
	attempts int
}

// Pool bounds the number of live units of work. It never queues: Submit
// fails with ErrPoolFull at capacity and the caller must Yield first.
//
// Submit, Yield and Drain belong to a single orchestrating goroutine;
// Working and Full may be called from anywhere.
type Pool struct {
	runner      Runner
	capacity    int
	maxAttempts int
	logger      logger.Logger

	mu       sync.Mutex
	next     Handle
	inflight map[Handle]*entry
	done     chan Completion
}

type PoolOption func(p *Pool)

func WithLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithMaxAttempts lets a job that terminated with an error run again, up to
// n runs in total, reusing the slot it just freed. The default of 1 never
// retries; the key then stays missing and the fold observes its absence.
func WithMaxAttempts(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func NewPool(runner Runner, capacity int, opts ...PoolOption) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}
	p := &Pool{
		runner:      runner,
		capacity:    capacity,
		maxAttempts: 1,
		logger:      logger.NewNoopLogger(),
		inflight:    make(map[Handle]*entry, capacity),
		// every live unit sends exactly one completion, so runners never
		// block on this channel
		done: make(chan Completion, capacity),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) Capacity() int {
	return p.capacity
}

// Working is the number of live units of work.
func (p *Pool) Working() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) Full() bool {
	return p.Working() >= p.capacity
}

// Submit starts job if a slot is free.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.Full() {
		return ErrPoolFull
	}
	return p.start(ctx, &entry{job: job})
}

func (p *Pool) start(ctx context.Context, e *entry) error {
	p.mu.Lock()
	h := p.next
	p.next++
	e.attempts++
	p.inflight[h] = e
	p.mu.Unlock()

	if err := p.runner.Start(ctx, h, e.job, p.done); err != nil {
		p.mu.Lock()
		delete(p.inflight, h)
		p.mu.Unlock()
		return err
	}

	submissions.WithLabelValues(e.job.Kind()).Inc()
	liveWorkers.Inc()
	return nil
}

// Yield reaps finished units. With block set it waits for at least one
// unit unless none is live. Every reaped unit is removed from the pool
// before its fold runs; fold errors do not stop reaping and are returned
// joined.
func (p *Pool) Yield(ctx context.Context, block bool, fold FoldFunc) error {
	var errs []error

	if block && p.Working() > 0 {
		select {
		case c := <-p.done:
			errs = append(errs, p.reap(ctx, c, fold))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case c := <-p.done:
			errs = append(errs, p.reap(ctx, c, fold))
		default:
			return errors.Join(errs...)
		}
	}
}

// Drain reaps until no unit is live.
func (p *Pool) Drain(ctx context.Context, fold FoldFunc) error {
	var errs []error
	for p.Working() > 0 {
		if err := p.Yield(ctx, true, fold); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Join(append(errs, ctxErr)...)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubmitWait submits job, reaping finished units first while the pool is
// full. This is the loop every stage runs over its keys.
func (p *Pool) SubmitWait(ctx context.Context, job Job, fold FoldFunc) error {
	var errs []error
	for p.Full() {
		if err := p.Yield(ctx, true, fold); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			errs = append(errs, err)
		}
	}
	if err := p.Submit(ctx, job); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pool) reap(ctx context.Context, c Completion, fold FoldFunc) error {
	p.mu.Lock()
	e, ok := p.inflight[c.Handle]
	delete(p.inflight, c.Handle)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("reaped unknown handle %d", c.Handle)
	}
	liveWorkers.Dec()

	if c.Err != nil {
		p.logger.WarnWithContext(ctx, "unit of work failed",
			zap.String("kind", e.job.Kind()),
			zap.String("key", e.job.Key()),
			zap.Int("attempt", e.attempts),
			zap.Error(c.Err))

		if e.attempts < p.maxAttempts {
			err := p.start(ctx, e)
			if err == nil {
				reaps.WithLabelValues(e.job.Kind(), "retried").Inc()
				return nil
			}
			p.logger.WarnWithContext(ctx, "resubmission failed", zap.String("key", e.job.Key()), zap.Error(err))
		}
		reaps.WithLabelValues(e.job.Kind(), "failed").Inc()
	} else {
		reaps.WithLabelValues(e.job.Kind(), "ok").Inc()
	}

	return fold(ctx, e.job)
}
