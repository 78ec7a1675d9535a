// Package observer provides OTEL-based observability for the substrate.
//
// It wires trace and metric providers with OTLP HTTP exporters and
// exposes a reploid.Tracer implementation plus instruments for loop
// iterations, tool executions, verification runs, and arena
// competitions. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/clocksmith/reploid/observer"

// Instruments holds the OTEL instruments used across the substrate.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	TokenUsage      metric.Int64Counter
	LLMRequests     metric.Int64Counter
	ToolExecutions  metric.Int64Counter
	Verifications   metric.Int64Counter
	ArenaRuns       metric.Int64Counter
	WorkerSpawns    metric.Int64Counter
	LoopIterations  metric.Int64Counter
	MemoryEvictions metric.Int64Counter

	// Histograms
	LLMDuration    metric.Float64Histogram
	ToolDuration   metric.Float64Histogram
	VerifyDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("reploid")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	inst := &Instruments{Tracer: tracer, Meter: meter}

	var err error
	if inst.TokenUsage, err = meter.Int64Counter("reploid.tokens",
		metric.WithDescription("Token usage by direction")); err != nil {
		return nil, err
	}
	if inst.LLMRequests, err = meter.Int64Counter("reploid.llm.requests",
		metric.WithDescription("LLM requests issued")); err != nil {
		return nil, err
	}
	if inst.ToolExecutions, err = meter.Int64Counter("reploid.tool.executions",
		metric.WithDescription("Tool executions by outcome")); err != nil {
		return nil, err
	}
	if inst.Verifications, err = meter.Int64Counter("reploid.verifications",
		metric.WithDescription("Verification runs by outcome")); err != nil {
		return nil, err
	}
	if inst.ArenaRuns, err = meter.Int64Counter("reploid.arena.runs",
		metric.WithDescription("Arena competitions")); err != nil {
		return nil, err
	}
	if inst.WorkerSpawns, err = meter.Int64Counter("reploid.worker.spawns",
		metric.WithDescription("Worker subagents spawned")); err != nil {
		return nil, err
	}
	if inst.LoopIterations, err = meter.Int64Counter("reploid.loop.iterations",
		metric.WithDescription("Agent loop iterations")); err != nil {
		return nil, err
	}
	if inst.MemoryEvictions, err = meter.Int64Counter("reploid.memory.evictions",
		metric.WithDescription("Working-memory eviction passes")); err != nil {
		return nil, err
	}
	if inst.LLMDuration, err = meter.Float64Histogram("reploid.llm.duration",
		metric.WithDescription("LLM request duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if inst.ToolDuration, err = meter.Float64Histogram("reploid.tool.duration",
		metric.WithDescription("Tool execution duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if inst.VerifyDuration, err = meter.Float64Histogram("reploid.verify.duration",
		metric.WithDescription("Verification run duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return inst, nil
}
