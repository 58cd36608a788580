package telemetry

import (
	"context"
	"time"

	"github.com/nevindra/colony"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	colonylog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a colony.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner colony.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented Provider that emits traces, metrics, and logs.
func WrapProvider(inner colony.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Models(ctx context.Context) ([]string, error) {
	return o.inner.Models(ctx)
}

func (o *ObservedProvider) Chat(ctx context.Context, req colony.ChatRequest) (colony.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, status string, durationMs float64, usage colony.Usage) {
	cost := o.inst.Cost.Calculate(o.model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model), attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model), attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model), attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	var rec colonylog.Record
	rec.SetSeverity(colonylog.SeverityInfo)
	rec.SetBody(colonylog.StringValue("llm call completed"))
	rec.AddAttributes(
		colonylog.String("llm.model", o.model),
		colonylog.String("llm.provider", o.inner.Name()),
		colonylog.Int("llm.tokens.input", usage.InputTokens),
		colonylog.Int("llm.tokens.output", usage.OutputTokens),
		colonylog.Float64("llm.cost_usd", cost),
		colonylog.Float64("llm.duration_ms", durationMs),
		colonylog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ colony.Provider = (*ObservedProvider)(nil)
