package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/bus"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/shared"
)

// Monitor runs one supervision cycle over task:
//  1. dependents of a permanently failed dependency fail as dependency_failed;
//  2. dispatched subtasks whose dependencies all completed start running;
//  3. running subtasks with no change inside the timeout window time out;
//  4. every unhandled failure is reported as an exception;
//  5. pending subtasks whose retry_later deadline passed are re-sent.
func (o *Orchestrator) Monitor(ctx context.Context, task *Task) StatusReport {
	ctx = shared.WithTaskID(ctx, task.ID)
	rep := StatusReport{TaskID: task.ID}

	o.mu.Lock()
	defer o.mu.Unlock()
	t, err := o.lookupTaskLocked(task.ID)
	if err != nil {
		return rep
	}
	now := o.now()

	o.failDependentsLocked(ctx, t)

	for _, st := range t.SubTasks {
		if st.Status != StatusDispatched || st.Unhandled {
			continue
		}
		if !dependenciesCompleted(t, st) {
			rep.Blocked = append(rep.Blocked, st.ID)
			continue
		}
		if err := o.startLocked(ctx, t, st); err != nil {
			o.logger.WarnContext(ctx, "start signal not confirmed", "subtask_id", st.ID, "error", err)
		}
	}

	for _, st := range t.SubTasks {
		if st.Status != StatusRunning {
			continue
		}
		if now.Sub(st.StatusChangedAt) <= o.timeout {
			continue
		}
		terr := &TimeoutError{SubTaskID: st.ID, Agent: st.Agent, Window: o.timeout}
		st.Failure = FailureTimeout
		st.Unhandled = true
		st.LastError = terr.Error()
		o.setStatusLocked(ctx, st, StatusFailed)
		o.logger.WarnContext(ctx, "subtask timed out", "subtask_id", st.ID, "agent", st.Agent, "attempt", st.Attempt)
	}

	for _, st := range t.SubTasks {
		switch {
		case st.Unhandled:
			kind := "failed"
			var ferr error = errors.New(st.LastError)
			if st.Failure == FailureTimeout {
				kind = "timeout"
				ferr = &TimeoutError{SubTaskID: st.ID, Agent: st.Agent, Window: o.timeout}
			}
			rep.Exceptions = append(rep.Exceptions, Exception{
				SubTaskID: st.ID,
				Agent:     st.Agent,
				Kind:      kind,
				Failure:   Failure{Category: st.Failure, Err: ferr},
			})
		case st.Status == StatusPending && st.NotBefore != nil && !now.Before(*st.NotBefore):
			if _, f := o.assignLocked(ctx, t, st); f != nil {
				rep.Exceptions = append(rep.Exceptions, Exception{
					SubTaskID: st.ID,
					Agent:     st.Agent,
					Kind:      "failed",
					Failure:   Failure{Category: f.Category, Err: f.Err},
				})
			}
		case st.Status == StatusCompleted:
			rep.Completed++
		case st.Status == StatusFailed:
			rep.Failed++
		case st.Status == StatusRunning:
			rep.Healthy = append(rep.Healthy, st.ID)
		case st.Status == StatusDispatched && dependenciesCompleted(t, st):
			rep.Healthy = append(rep.Healthy, st.ID)
		}
	}

	rep.Done = true
	for _, st := range t.SubTasks {
		if !st.Terminal() {
			rep.Done = false
			break
		}
	}
	return rep
}

func dependenciesCompleted(t *Task, st *SubTask) bool {
	for _, dep := range st.DependsOn {
		d := subTaskFor(t, dep)
		if d == nil || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// failDependentsLocked fails every unfinished subtask that waits on a
// permanently failed one, repeating until no more change.
func (o *Orchestrator) failDependentsLocked(ctx context.Context, t *Task) {
	for changed := true; changed; {
		changed = false
		for _, st := range t.SubTasks {
			if st.Terminal() || st.Status == StatusRunning || st.Unhandled {
				continue
			}
			for _, dep := range st.DependsOn {
				d := subTaskFor(t, dep)
				if d == nil || d.Status != StatusFailed || d.Unhandled {
					continue
				}
				st.Failure = FailureDependencyFailed
				st.LastError = fmt.Sprintf("dependency %s failed", dep)
				st.NotBefore = nil
				o.setStatusLocked(ctx, st, StatusFailed)
				o.countOutcome(ctx, st, string(FailureDependencyFailed))
				o.logExceptionLocked(t, st, FailureDependencyFailed, "skipped", st.LastError)
				o.logger.WarnContext(ctx, "subtask skipped after dependency failure", "subtask_id", st.ID, "dependency", dep)
				changed = true
				break
			}
		}
	}
}

// Report applies an agent's answer. Only a report for the current attempt
// of a running subtask is applied; anything else is a late or duplicate
// result and is ignored.
func (o *Orchestrator) Report(ctx context.Context, rep agent.Report) error {
	ctx = shared.WithSubTaskID(shared.WithTaskID(ctx, rep.TaskID), rep.SubTaskID)
	_, span := otelPkg.StartSpan(ctx, o.tracer, "coordinator.report",
		otelPkg.AttrSubTaskID.String(rep.SubTaskID),
		otelPkg.AttrAgent.String(string(rep.Agent)),
	)
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.subtasks[rep.SubTaskID]
	if !ok {
		err := fmt.Errorf("subtask %s: %w", rep.SubTaskID, ErrUnknownTask)
		otelPkg.RecordError(span, err)
		return err
	}
	log := o.logger.With(shared.LogAttrs(ctx)...)
	if st.Status != StatusRunning || rep.Attempt != st.Attempt {
		log.Info("ignoring stale agent report", "status", st.Status, "attempt", rep.Attempt, "current_attempt", st.Attempt)
		return nil
	}

	status := "completed"
	if rep.Err == "" {
		st.Result = rep.Result
		st.LastError = ""
		st.Failure = ""
		o.setStatusLocked(ctx, st, StatusCompleted)
		o.countOutcome(ctx, st, "completed")
	} else {
		status = "failed"
		cat := FailureCategory(rep.Category)
		if cat == "" {
			cat = FailureAgent
		}
		st.Failure = cat
		st.Unhandled = true
		st.LastError = rep.Err
		o.setStatusLocked(ctx, st, StatusFailed)
	}
	if !st.startedAt.IsZero() {
		o.metrics.SubTaskDuration.Record(ctx, time.Since(st.startedAt).Seconds())
	}
	o.bus.Publish(bus.TopicAgentReport, bus.AgentReportEvent{
		TaskID:    rep.TaskID,
		SubTaskID: rep.SubTaskID,
		Agent:     string(rep.Agent),
		Attempt:   rep.Attempt,
		Status:    status,
	})
	log.Info("agent report applied", "status", status, "attempt", rep.Attempt)
	return nil
}

func (o *Orchestrator) logExceptionLocked(t *Task, st *SubTask, cat FailureCategory, action, detail string) {
	t.Exceptions = append(t.Exceptions, ExceptionEntry{
		At:        o.now().UTC(),
		SubTaskID: st.ID,
		Agent:     st.Agent,
		Category:  cat,
		Action:    action,
		Detail:    shared.Redact(detail),
	})
}
