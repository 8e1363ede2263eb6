// Package observer provides OTEL-based observability for the orchestration
// engine. It implements ensemble.Metrics and ensemble.Tracer, emitting
// traces, metrics, and logs via OpenTelemetry. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/nevindra/ensemble/observer"

// Instruments holds all OTEL instruments used by the engine sink.
// It implements ensemble.Metrics; see sink.go for the recorders.
type Instruments struct {
	meter  metric.Meter
	logger otellog.Logger

	// Detailed controls payload logging for LLM and tool call traces: full
	// prompts and responses when true, lengths and hashes otherwise.
	Detailed bool

	// Counters
	TasksStarted  metric.Int64Counter
	TasksFinished metric.Int64Counter
	AgentCalls    metric.Int64Counter
	ToolCalls     metric.Int64Counter
	ClassifierFallbacks metric.Int64Counter
	TraceDrops    metric.Int64Counter

	// Histograms
	TaskDuration     metric.Float64Histogram
	StepDuration     metric.Float64Histogram
	ToolDuration     metric.Float64Histogram
	ComplianceScores metric.Float64Histogram
	RevisionRounds   metric.Int64Histogram
	ReferenceCounts  metric.Int64Histogram
	ManuscriptSize   metric.Int64Histogram

	// Gauges (up/down counters)
	ActiveTasks   metric.Int64UpDownCounter
	ActiveStreams metric.Int64UpDownCounter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). detailed enables full payload logging
// on call traces. Returns a shutdown function that must be called on
// application exit.
func Init(ctx context.Context, detailed bool) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("ensemble")),
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

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := NewInstruments(detailed)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

// NewInstruments builds instruments against the global providers. Useful in
// tests, where the global providers are no-ops unless configured.
func NewInstruments(detailed bool) (*Instruments, error) {
	meter := otel.Meter(scopeName)
	inst := &Instruments{
		meter:    meter,
		logger:   global.GetLoggerProvider().Logger(scopeName),
		Detailed: detailed,
	}

	var err error
	if inst.TasksStarted, err = meter.Int64Counter("engine.tasks.started",
		metric.WithDescription("Tasks submitted, by workflow kind")); err != nil {
		return nil, err
	}
	if inst.TasksFinished, err = meter.Int64Counter("engine.tasks.finished",
		metric.WithDescription("Tasks reaching terminal status, by kind and status")); err != nil {
		return nil, err
	}
	if inst.AgentCalls, err = meter.Int64Counter("engine.agent.calls",
		metric.WithDescription("Agent node invocations, by agent and status")); err != nil {
		return nil, err
	}
	if inst.ToolCalls, err = meter.Int64Counter("engine.tool.calls",
		metric.WithDescription("Tool invocations, by agent, tool, and status")); err != nil {
		return nil, err
	}
	if inst.ClassifierFallbacks, err = meter.Int64Counter("engine.router.classifier_fallbacks",
		metric.WithDescription("Router classifications that fell back to the default label")); err != nil {
		return nil, err
	}
	if inst.TraceDrops, err = meter.Int64Counter("engine.observer.dropped",
		metric.WithDescription("Trace records dropped due to recording failures")); err != nil {
		return nil, err
	}
	if inst.TaskDuration, err = meter.Float64Histogram("engine.task.duration",
		metric.WithDescription("End-to-end task duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.StepDuration, err = meter.Float64Histogram("engine.step.duration",
		metric.WithDescription("Node step duration, by node and status"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.ToolDuration, err = meter.Float64Histogram("engine.tool.duration",
		metric.WithDescription("Tool call duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.ComplianceScores, err = meter.Float64Histogram("paper.compliance.score",
		metric.WithDescription("Compliance checker scores")); err != nil {
		return nil, err
	}
	if inst.RevisionRounds, err = meter.Int64Histogram("paper.revision.rounds",
		metric.WithDescription("Revision rounds reached per loopback")); err != nil {
		return nil, err
	}
	if inst.ReferenceCounts, err = meter.Int64Histogram("paper.references.count",
		metric.WithDescription("References found per literature pass")); err != nil {
		return nil, err
	}
	if inst.ManuscriptSize, err = meter.Int64Histogram("paper.manuscript.words",
		metric.WithDescription("Manuscript word count per writer pass")); err != nil {
		return nil, err
	}
	if inst.ActiveTasks, err = meter.Int64UpDownCounter("engine.tasks.active",
		metric.WithDescription("Concurrently running tasks")); err != nil {
		return nil, err
	}
	if inst.ActiveStreams, err = meter.Int64UpDownCounter("engine.streams.active",
		metric.WithDescription("Concurrently open task streams")); err != nil {
		return nil, err
	}
	return inst, nil
}
