package telemetry

import (
	"context"
	"errors"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider is owned by the command driving a run. Close flushes
// the spans of that run and may be called more than once.
type TracerProvider interface {
	trace.TracerProvider

	Close(context.Context) error
	RegisterSpanProcessor(sdktrace.SpanProcessor)
}

type sdkProvider struct {
	embedded.TracerProvider

	mu     sync.Mutex
	tp     *sdktrace.TracerProvider
	closed noop.TracerProvider
}

var _ TracerProvider = (*sdkProvider)(nil)

// Tracer falls back to a no-op tracer once the provider is closed, so a
// stage finishing after shutdown does not export a partial run.
func (p *sdkProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tp == nil {
		return p.closed.Tracer(name, options...)
	}
	return p.tp.Tracer(name, options...)
}

func (p *sdkProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	tp := p.tp
	p.tp = nil
	p.mu.Unlock()

	if tp == nil {
		return nil
	}
	return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
}

func (p *sdkProvider) RegisterSpanProcessor(sp sdktrace.SpanProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tp != nil {
		p.tp.RegisterSpanProcessor(sp)
	}
}

// disabledProvider is used when tracing is switched off: every span is
// non-recording and there is nothing to flush.
type disabledProvider struct {
	noop.TracerProvider
}

func (disabledProvider) Close(context.Context) error { return nil }

func (disabledProvider) RegisterSpanProcessor(sdktrace.SpanProcessor) {}

// Disabled returns the provider a run uses when tracing is off.
func Disabled() TracerProvider {
	return disabledProvider{noop.NewTracerProvider()}
}
