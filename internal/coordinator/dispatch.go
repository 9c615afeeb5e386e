package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/basket/go-council/internal/agent"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/router"
	"github.com/basket/go-council/internal/shared"
)

// Dispatch sends an assignment for every pending subtask, highest priority
// first and declaration order within a priority. A confirmed receipt moves
// the subtask to dispatched. An unconfirmed one leaves it pending with an
// unhandled failure; the task carries on.
func (o *Orchestrator) Dispatch(ctx context.Context, task *Task) DispatchResult {
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "coordinator.dispatch", otelPkg.AttrTaskID.String(task.ID))
	defer span.End()

	res := DispatchResult{TaskID: task.ID}
	o.mu.Lock()
	defer o.mu.Unlock()
	t, err := o.lookupTaskLocked(task.ID)
	if err != nil {
		otelPkg.RecordError(span, err)
		return res
	}

	order := slices.Clone(t.SubTasks)
	slices.SortStableFunc(order, func(a, b *SubTask) int { return int(b.Priority) - int(a.Priority) })
	for _, st := range order {
		if st.Status != StatusPending || st.Unhandled {
			continue
		}
		rc, f := o.assignLocked(ctx, t, st)
		res.Receipts = append(res.Receipts, rc)
		if f != nil {
			res.Failures = append(res.Failures, *f)
			continue
		}
		res.Dispatched = append(res.Dispatched, st.ID)
	}
	if t.Status == StatusPending && len(res.Dispatched) > 0 {
		t.Status = StatusDispatched
		if err := o.persistTask(ctx, t, nil, ""); err != nil {
			o.logger.ErrorContext(ctx, "persist task failed", "task_id", t.ID, "error", err)
		}
	}
	o.logger.InfoContext(ctx, "task dispatched", "task_id", t.ID, "dispatched", len(res.Dispatched), "failures", len(res.Failures))
	return res
}

// assignLocked sends the assign envelope for st's current attempt.
func (o *Orchestrator) assignLocked(ctx context.Context, t *Task, st *SubTask) (router.Receipt, *DispatchFailure) {
	env := agent.Envelope{
		Kind:        agent.KindAssign,
		TaskID:      t.ID,
		SubTaskID:   st.ID,
		Agent:       st.Agent,
		Attempt:     st.Attempt,
		Instruction: st.Instruction,
		Query:       t.Query,
	}
	msg, rc, err := o.sendLocked(ctx, st, env)
	if err != nil {
		f := o.sendFailureLocked(ctx, st, err)
		return rc, f
	}
	st.MessageID = msg.ID
	st.NotBefore = nil
	o.setStatusLocked(ctx, st, StatusDispatched)
	return rc, nil
}

// startLocked moves st to running and sends it the upstream outputs. The
// status changes first so a fast agent's report finds the subtask running.
func (o *Orchestrator) startLocked(ctx context.Context, t *Task, st *SubTask) error {
	upstream := make(map[string]string, len(st.DependsOn))
	for _, dep := range st.DependsOn {
		if d := subTaskFor(t, dep); d != nil {
			upstream[string(dep)] = d.Result
		}
	}
	env := agent.Envelope{
		Kind:        agent.KindStart,
		TaskID:      t.ID,
		SubTaskID:   st.ID,
		Agent:       st.Agent,
		Attempt:     st.Attempt,
		Instruction: st.Instruction,
		Query:       t.Query,
		Material:    t.Material,
		Upstream:    upstream,
	}
	if st.RetryCount > 0 {
		env.PreviousError = st.LastError
	}
	st.startedAt = o.now()
	o.setStatusLocked(ctx, st, StatusRunning)
	if t.Status == StatusDispatched || t.Status == StatusPending {
		t.Status = StatusRunning
	}
	if _, _, err := o.sendLocked(ctx, st, env); err != nil {
		o.setStatusLocked(ctx, st, StatusDispatched)
		o.sendFailureLocked(ctx, st, err)
		return err
	}
	return nil
}

func (o *Orchestrator) sendLocked(ctx context.Context, st *SubTask, env agent.Envelope) (router.Message, router.Receipt, error) {
	content, err := env.Encode()
	if err != nil {
		return router.Message{}, router.Receipt{}, err
	}
	msg := o.router.Pack(orchestratorName, string(st.Agent), content, st.Priority)
	msg = o.router.Route(msg)
	res := o.router.Send(ctx, msg)
	rc := o.router.ConfirmReceipt(ctx, msg, res)
	if !rc.Confirmed {
		if res.Err == nil {
			res.Err = fmt.Errorf("send %s to %s: %s", env.Kind, st.Agent, res.Status)
		}
		return msg, rc, res.Err
	}
	return msg, rc, nil
}

// sendFailureLocked records an unconfirmed send as an unhandled failure.
func (o *Orchestrator) sendFailureLocked(ctx context.Context, st *SubTask, err error) *DispatchFailure {
	cat := FailureTransport
	if errors.Is(err, router.ErrQueueFull) {
		cat = FailureBackpressure
	}
	st.Failure = cat
	st.Unhandled = true
	st.LastError = shared.Redact(err.Error())
	o.saveSubTaskLocked(ctx, st)
	o.logger.WarnContext(ctx, "subtask send not confirmed", "subtask_id", st.ID, "agent", st.Agent, "category", cat, "error", err)
	return &DispatchFailure{SubTaskID: st.ID, Agent: st.Agent, Category: cat, Err: err}
}

func subTaskFor(t *Task, name agent.Name) *SubTask {
	for _, st := range t.SubTasks {
		if st.Agent == name {
			return st
		}
	}
	return nil
}
