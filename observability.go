package colony

import "context"

// SubtaskObserver lets an external instrumentation layer observe the
// dispatch-to-completion lifecycle of every subtask without this package
// depending on a specific telemetry backend. telemetry.Instruments
// implements this via its Observe method.
type SubtaskObserver interface {
	Observe(ctx context.Context, sessionID, subtaskID string) (context.Context, func(error))
}

// DeadLetterObserver is notified whenever the dispatch bus cannot deliver a
// message to its receiver. telemetry.Instruments implements this directly.
type DeadLetterObserver interface {
	RecordDeadLetter(ctx context.Context)
}

// ScaleObserver is notified of every scale decision an autoscaler control
// loop applies. telemetry.Instruments implements this directly.
type ScaleObserver interface {
	RecordScaleDecision(ctx context.Context, strategy, decision string)
}
