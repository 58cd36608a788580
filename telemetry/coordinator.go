package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SubtaskSpan wraps a subtask's dispatch in a span, from StartSubtask until
// Done, and records dispatch/completion/failure counters, mirroring the
// agent-execution lifecycle span the provider wrapper uses for LLM calls.
// The coordinator starts it on a subtask's first attempt and ends it at the
// final outcome, so retries share one span.
type SubtaskSpan struct {
	inst      *Instruments
	span      trace.Span
	start     time.Time
	sessionID string
	subtaskID string
}

// StartSubtask begins a span for dispatching subtaskID within sessionID.
func (in *Instruments) StartSubtask(ctx context.Context, sessionID, subtaskID string) (context.Context, *SubtaskSpan) {
	ctx, span := in.Tracer.Start(ctx, "coordinator.dispatch_subtask", trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrSubtaskID.String(subtaskID),
	))
	in.SubtasksDispatched.Add(ctx, 1)
	return ctx, &SubtaskSpan{inst: in, span: span, start: time.Now(), sessionID: sessionID, subtaskID: subtaskID}
}

// Observe adapts StartSubtask/Done to the colony.SubtaskObserver interface,
// so a *Instruments can be wired directly into a Coordinator without colony
// importing this package.
func (in *Instruments) Observe(ctx context.Context, sessionID, subtaskID string) (context.Context, func(error)) {
	ctx, span := in.StartSubtask(ctx, sessionID, subtaskID)
	return ctx, func(err error) { span.Done(ctx, err) }
}

// Done records a subtask's outcome and ends the span.
func (s *SubtaskSpan) Done(ctx context.Context, err error) {
	defer s.span.End()
	attrs := metric.WithAttributes(AttrSessionID.String(s.sessionID))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.inst.SubtasksFailed.Add(ctx, 1, attrs)
		return
	}
	s.inst.SubtasksCompleted.Add(ctx, 1, attrs)
}

// RecordEnqueueWait records the time a subtask spent ready-but-unassigned
// before a worker picked it up. The autoscaler strategies do not read this
// histogram; they use colony.FleetSnapshot.WaitTimes.
func (in *Instruments) RecordEnqueueWait(ctx context.Context, d time.Duration) {
	in.EnqueueWait.Record(ctx, float64(d.Milliseconds()))
}

// RecordDeadLetter increments the dead-letter counter for a message that
// could not be delivered to its receiver.
func (in *Instruments) RecordDeadLetter(ctx context.Context) {
	in.DeadLetters.Add(ctx, 1)
}

// RecordScaleDecision increments the scale-decision counter with the
// strategy that produced it and the decision taken ("scale-up",
// "scale-down", "hold").
func (in *Instruments) RecordScaleDecision(ctx context.Context, strategy, decision string) {
	in.ScaleDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrStrategy.String(strategy),
		AttrDecision.String(decision),
	))
}
