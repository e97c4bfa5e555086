// Package telemetry sets up the OpenTelemetry tracer provider used by the
// pipeline stages and the cache stores.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/feynbound/feynbound/internal/build"
)

type TracerOption func(d *customTracer)

// WithOTLPEndpoint exports spans over OTLP/gRPC. Without an endpoint spans are
// only delivered to processors registered on the provider.
func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(d *customTracer) {
		d.endpoint = endpoint
	}
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(d *customTracer) {
		d.samplingRatio = samplingRatio
	}
}

func WithAttributes(attrs ...attribute.KeyValue) TracerOption {
	return func(d *customTracer) {
		d.attributes = append(d.attributes, attrs...)
	}
}

type customTracer struct {
	endpoint      string
	samplingRatio float64
	attributes    []attribute.KeyValue
}

// NewTracerProvider builds the provider and installs it as the global one.
func NewTracerProvider(opts ...TracerOption) (TracerProvider, error) {
	tracer := &customTracer{
		attributes: []attribute.KeyValue{
			semconv.ServiceNameKey.String(build.ProjectName),
			semconv.ServiceVersionKey.String(build.Version),
		},
	}

	for _, opt := range opts {
		opt(tracer)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(tracer.attributes...))
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tracer.samplingRatio))),
		sdktrace.WithResource(res),
	}

	if tracer.endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(tracer.endpoint),
			otlptracegrpc.WithDialOption(grpcInsecure()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to establish a connection with the otlp exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return &sdkProvider{tp: tp}, nil
}

func MustNewTracerProvider(opts ...TracerOption) TracerProvider {
	tp, err := NewTracerProvider(opts...)
	if err != nil {
		panic(err)
	}
	return tp
}

// TraceError records err on span and marks the span failed.
func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
