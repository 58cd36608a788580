// Package telemetry provides OpenTelemetry-based observability for colony's
// coordinator, worker runtime, and autoscaler.
//
// It wraps colony.Provider with an instrumented decorator that emits traces,
// metrics, and logs, and exposes counters/histograms for enqueue-to-start
// wait, dead-letters, and scale decisions; the autoscaler strategies do not
// read them back. Export target is any OTLP-compatible backend, located via
// the standard OTEL env vars; config.TelemetryConfig supplies the service
// name and the insecure flag.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	colonylog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/colony/telemetry"

// Instruments holds every OTEL instrument colony's wrappers record into.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger colonylog.Logger

	LLMRequests metric.Int64Counter
	LLMDuration metric.Float64Histogram
	TokenUsage  metric.Int64Counter
	CostTotal   metric.Float64Counter

	SubtasksDispatched metric.Int64Counter
	SubtasksCompleted  metric.Int64Counter
	SubtasksFailed     metric.Int64Counter
	DeadLetters        metric.Int64Counter
	ScaleDecisions     metric.Int64Counter
	EnqueueWait        metric.Float64Histogram

	Cost *CostCalculator
}

// Init configures trace, metric, and log providers with OTLP HTTP exporters
// and returns the instrument set plus a shutdown function to call on exit.
// The exporters take their endpoint from the standard OTEL_EXPORTER_OTLP_*
// environment variables; Init has no endpoint parameter.
func Init(ctx context.Context, serviceName string, insecure bool, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var traceOpts []otlptracehttp.Option
	var metricOpts []otlpmetrichttp.Option
	var logOpts []otlploghttp.Option
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx, logOpts...)
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

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}

	return inst, shutdown, nil
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	llmRequests, err := meter.Int64Counter("llm.requests", metric.WithDescription("LLM request count"), metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	llmDuration, err := meter.Float64Histogram("llm.duration", metric.WithDescription("LLM call duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	tokenUsage, err := meter.Int64Counter("llm.token.usage", metric.WithDescription("Total tokens consumed"), metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	costTotal, err := meter.Float64Counter("llm.cost.total", metric.WithDescription("Cumulative LLM cost in USD"), metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	subtasksDispatched, err := meter.Int64Counter("subtasks.dispatched", metric.WithDescription("Subtasks dispatched to a worker"), metric.WithUnit("{subtask}"))
	if err != nil {
		return nil, err
	}
	subtasksCompleted, err := meter.Int64Counter("subtasks.completed", metric.WithDescription("Subtasks completed successfully"), metric.WithUnit("{subtask}"))
	if err != nil {
		return nil, err
	}
	subtasksFailed, err := meter.Int64Counter("subtasks.failed", metric.WithDescription("Subtasks that exhausted retries"), metric.WithUnit("{subtask}"))
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("bus.dead_letters", metric.WithDescription("Messages routed to the dead-letter sink"), metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	scaleDecisions, err := meter.Int64Counter("autoscaler.decisions", metric.WithDescription("Autoscaler scale-up/down/hold decisions"), metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}
	enqueueWait, err := meter.Float64Histogram("fleet.enqueue_wait", metric.WithDescription("Enqueue-to-start wait time"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:              tracer,
		Meter:               meter,
		Logger:              logger,
		LLMRequests:         llmRequests,
		LLMDuration:         llmDuration,
		TokenUsage:          tokenUsage,
		CostTotal:           costTotal,
		SubtasksDispatched:  subtasksDispatched,
		SubtasksCompleted:   subtasksCompleted,
		SubtasksFailed:      subtasksFailed,
		DeadLetters:         deadLetters,
		ScaleDecisions:      scaleDecisions,
		EnqueueWait:         enqueueWait,
		Cost:                NewCostCalculator(pricing),
	}, nil
}
