// Package telemetry holds the OpenTelemetry tracer and meter instruments
// used by the engine. Instruments come from the global providers, which
// are no-ops until the host installs an SDK.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/rendis/cadence"

// Instruments bundles the tracer and counters.
type Instruments struct {
	Tracer trace.Tracer

	RunsEnrolled     metric.Int64Counter
	StepsExecuted    metric.Int64Counter
	StepsFailed      metric.Int64Counter
	ClaimsConflicted metric.Int64Counter
}

// New builds instruments from the global otel providers.
func New() (*Instruments, error) {
	return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	in, _ := NewWithProviders(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	return in
}

// NewWithProviders builds instruments from explicit providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	in := &Instruments{Tracer: tp.Tracer(instrumentationName)}

	var err error
	if in.RunsEnrolled, err = meter.Int64Counter("cadence.runs.enrolled",
		metric.WithDescription("Runs created by trigger detection or manual start")); err != nil {
		return nil, err
	}
	if in.StepsExecuted, err = meter.Int64Counter("cadence.steps.executed",
		metric.WithDescription("Steps dispatched and recorded")); err != nil {
		return nil, err
	}
	if in.StepsFailed, err = meter.Int64Counter("cadence.steps.failed",
		metric.WithDescription("Steps recorded with an error outcome")); err != nil {
		return nil, err
	}
	if in.ClaimsConflicted, err = meter.Int64Counter("cadence.claims.conflicted",
		metric.WithDescription("Claims or advances lost to another poller")); err != nil {
		return nil, err
	}
	return in, nil
}

// Start opens a span named name with the given attributes.
func (in *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return in.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Inc adds one to counter with attrs.
func Inc(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
