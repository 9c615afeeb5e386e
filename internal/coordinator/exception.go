package coordinator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-council/internal/hitl"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/router"
	"github.com/basket/go-council/internal/shared"
)

// HandleException decides what happens to a failed subtask.
//
// Transient failures (timeout, transport, parse) are resent at one priority
// level higher until MaxRetries is used up. Backpressure waits out an
// exponential backoff at the original priority, up to MaxRequeues times.
// Everything else, including unknown categories and exhausted budgets, is
// handed to a human and the subtask fails for good.
func (o *Orchestrator) HandleException(ctx context.Context, subtaskID string, f Failure) (Action, error) {
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "coordinator.handle_exception",
		otelPkg.AttrSubTaskID.String(subtaskID),
		otelPkg.AttrCategory.String(string(f.Category)),
	)
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.subtasks[subtaskID]
	if !ok {
		err := fmt.Errorf("subtask %s: %w", subtaskID, ErrUnknownTask)
		otelPkg.RecordError(span, err)
		return Action{}, err
	}
	t := o.tasks[st.TaskID]
	ctx = shared.WithSubTaskID(shared.WithTaskID(ctx, st.TaskID), st.ID)
	log := o.logger.With(shared.LogAttrs(ctx)...)

	if st.Status == StatusCompleted {
		return Action{}, fmt.Errorf("subtask %s: %w", subtaskID, ErrSubTaskCompleted)
	}
	if st.HumanRequestID != "" {
		// Already with a human; do not file twice.
		return Action{Kind: ActionEscalateHuman, SubTaskID: st.ID, Priority: st.Priority,
			RetryCount: st.RetryCount, HumanRequestID: st.HumanRequestID}, nil
	}

	st.Unhandled = false
	st.Failure = f.Category
	if f.Err != nil {
		st.LastError = shared.Redact(f.Err.Error())
	}

	var action Action
	switch {
	case f.Category.Transient() && st.RetryCount < o.maxRetries:
		action = o.retryLocked(ctx, t, st)
	case f.Category == FailureBackpressure && st.RequeueCount < o.maxRequeues:
		action = o.requeueLocked(ctx, st)
	default:
		reason := fmt.Sprintf("%s after %d retries", f.Category, st.RetryCount)
		if f.Category == FailureBackpressure {
			reason = fmt.Sprintf("backpressure after %d requeues", st.RequeueCount)
		}
		action = o.escalateLocked(ctx, t, st, reason, f.message())
	}

	o.logExceptionLocked(t, st, f.Category, string(action.Kind), f.message())
	o.metrics.Exceptions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(f.Category)),
		attribute.String("action", string(action.Kind)),
	))
	span.SetAttributes(otelPkg.AttrAction.String(string(action.Kind)))
	log.Warn("subtask exception handled", "category", f.Category, "action", action.Kind,
		"retry_count", st.RetryCount, "requeue_count", st.RequeueCount, "priority", st.Priority.String())
	return action, nil
}

// retryLocked resends st at a raised priority under a new attempt number so
// a late answer to the previous attempt is ignored.
func (o *Orchestrator) retryLocked(ctx context.Context, t *Task, st *SubTask) Action {
	st.RetryCount++
	st.Attempt++
	st.Priority = st.Priority.Raise()
	st.NotBefore = nil
	o.setStatusLocked(ctx, st, StatusPending)
	o.assignLocked(ctx, t, st)
	o.record(ctx, st, ActionEscalateRetry, fmt.Sprintf("attempt %d at %s", st.Attempt, st.Priority))
	return Action{Kind: ActionEscalateRetry, SubTaskID: st.ID, Priority: st.Priority, RetryCount: st.RetryCount}
}

// requeueLocked parks st until its backoff deadline; Monitor resends it.
func (o *Orchestrator) requeueLocked(ctx context.Context, st *SubTask) Action {
	st.RequeueCount++
	nb := o.now().Add(o.backoff(st.RequeueCount)).UTC()
	st.NotBefore = &nb
	o.setStatusLocked(ctx, st, StatusPending)
	o.record(ctx, st, ActionRetryLater, "not before "+nb.Format(time.RFC3339Nano))
	return Action{Kind: ActionRetryLater, SubTaskID: st.ID, Priority: st.Priority, RetryCount: st.RetryCount, NotBefore: &nb}
}

func (o *Orchestrator) escalateLocked(ctx context.Context, t *Task, st *SubTask, reason, detail string) Action {
	st.NotBefore = nil
	o.setStatusLocked(ctx, st, StatusFailed)
	o.countOutcome(ctx, st, "failed")
	act := Action{Kind: ActionEscalateHuman, SubTaskID: st.ID, Priority: st.Priority, RetryCount: st.RetryCount}
	if o.human != nil {
		id, err := o.human.Request(ctx, hitl.Context{
			TaskID:    t.ID,
			SubTaskID: st.ID,
			Agent:     string(st.Agent),
			Reason:    reason,
			Detail:    detail,
		}, router.PriorityHigh.String())
		if err != nil {
			o.logger.ErrorContext(ctx, "human intervention request failed", "subtask_id", st.ID, "error", err)
		} else {
			st.HumanRequestID = id
			act.HumanRequestID = id
		}
	}
	o.record(ctx, st, ActionEscalateHuman, reason)
	return act
}

func (o *Orchestrator) record(ctx context.Context, st *SubTask, kind ActionKind, reason string) {
	if o.audit == nil {
		return
	}
	o.audit.Record(ctx, persistence.AuditEntry{
		Subject:   "subtask",
		Action:    string(kind),
		Reason:    reason,
		TaskID:    st.TaskID,
		SubTaskID: st.ID,
	})
}

// backoff returns base*2^(n-1) capped at max, with up to a quarter of jitter.
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.backoffBase
	for i := 1; i < n && d < o.backoffMax; i++ {
		d *= 2
	}
	if d > o.backoffMax {
		d = o.backoffMax
	}
	return d + time.Duration(rand.Int64N(int64(d/4)+1))
}
