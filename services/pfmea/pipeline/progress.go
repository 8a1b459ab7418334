package pipeline

import (
	"context"
	"log/slog"

	"github.com/stephenhungg/pfmea-agent/services/pfmea/datatypes"
)

// ProgressSink receives phase-transition events from the pipeline.
//
// Delivery contract: the pipeline sends intermediate events
// fire-and-forget on their own goroutine. They are best-effort and
// unordered relative to each other; callers must not rely on any of
// them arriving. Only the terminal result event
// (Step == datatypes.StepResult) is awaited: it is delivered before
// the corresponding PFMEAResult is returned to the caller.
//
// Implementations must tolerate concurrent Send calls. A slow sink
// delays only the terminal event, never an intermediate one.
type ProgressSink interface {
	Send(ctx context.Context, event datatypes.ProgressEvent) error
}

// SinkFunc adapts a function to the ProgressSink interface.
type SinkFunc func(ctx context.Context, event datatypes.ProgressEvent) error

// Send implements ProgressSink.
func (f SinkFunc) Send(ctx context.Context, event datatypes.ProgressEvent) error {
	return f(ctx, event)
}

// emit delivers an intermediate event fire-and-forget. A nil sink is
// a no-op: the pipeline runs to completion without a side channel.
func emit(ctx context.Context, sink ProgressSink, event datatypes.ProgressEvent) {
	if sink == nil {
		return
	}
	// Detach from the caller's cancellation so an event in flight when
	// a candidate finishes is not torn down mid-send.
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if err := sink.Send(sendCtx, event); err != nil {
			slog.Debug("dropped progress event",
				"step", event.Step, "status", event.Status, "error", err)
		}
	}()
}

// emitAwaited delivers the terminal result event synchronously. Send
// failures are logged, not propagated: the result is still returned.
func emitAwaited(ctx context.Context, sink ProgressSink, event datatypes.ProgressEvent) {
	if sink == nil {
		return
	}
	if err := sink.Send(ctx, event); err != nil {
		slog.Warn("failed to deliver result event",
			"step", event.Step, "error", err)
	}
}
