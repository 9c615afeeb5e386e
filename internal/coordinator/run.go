package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/basket/go-council/internal/bus"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/shared"
)

// Run decomposes req, dispatches it and supervises it until every subtask
// is terminal, then aggregates. A cancelled run still aggregates whatever
// finished and returns the report alongside the context error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	task, err := o.Decompose(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, task)
}

// Execute supervises an already decomposed task. Wake-ups come from bus
// events for the task with a ticker as fallback.
func (o *Orchestrator) Execute(ctx context.Context, task *Task) (*Report, error) {
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "coordinator.run", otelPkg.AttrTaskID.String(task.ID))
	defer span.End()

	// Subscribe before dispatching so no report slips between the two.
	var events <-chan bus.Event
	if o.bus != nil {
		sub := o.bus.Subscribe("subtask.")
		defer o.bus.Unsubscribe(sub)
		events = sub.Ch()
	}

	o.Dispatch(ctx, task)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		status := o.Monitor(ctx, task)
		for _, ex := range status.Exceptions {
			if _, err := o.HandleException(ctx, ex.SubTaskID, ex.Failure); err != nil {
				o.logger.WarnContext(ctx, "handle exception failed", "subtask_id", ex.SubTaskID, "error", err)
			}
		}
		if status.Done {
			break
		}
		if len(status.Exceptions) > 0 {
			// Exceptions change state; look again before waiting.
			continue
		}
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if e, isStatus := ev.Payload.(bus.SubTaskStatusEvent); isStatus && e.TaskID != task.ID {
				continue
			}
		}
	}

	aggCtx := ctx
	if runErr != nil {
		aggCtx = context.WithoutCancel(ctx)
		o.abandon(aggCtx, task.ID)
	}
	report, err := o.Aggregate(aggCtx, task)
	if err != nil {
		otelPkg.RecordError(span, err)
	}
	return report, errors.Join(runErr, err)
}

// abandon fails every subtask still in flight so a cancelled run can be aggregated.
func (o *Orchestrator) abandon(ctx context.Context, taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return
	}
	for _, st := range t.SubTasks {
		if st.Terminal() {
			continue
		}
		st.Unhandled = false
		st.Failure = FailureCancelled
		st.LastError = "run cancelled"
		st.NotBefore = nil
		o.setStatusLocked(ctx, st, StatusFailed)
		o.logExceptionLocked(t, st, FailureCancelled, "abandoned", st.LastError)
	}
}
