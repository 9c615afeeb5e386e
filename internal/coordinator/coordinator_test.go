package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/completion"
	"github.com/basket/go-council/internal/hitl"
	"github.com/basket/go-council/internal/knowledge"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/router"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeHuman struct {
	mu   sync.Mutex
	reqs []hitl.Context
}

func (h *fakeHuman) Request(_ context.Context, hc hitl.Context, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, hc)
	return fmt.Sprintf("hitl_%d", len(h.reqs)), nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []persistence.AuditEntry
}

func (a *fakeAudit) Record(_ context.Context, e persistence.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

type captureDeliverer struct {
	mu   sync.Mutex
	msgs []router.Message
}

func (d *captureDeliverer) Deliver(_ context.Context, m router.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, m)
	return nil
}

func (d *captureDeliverer) envelopes(t *testing.T, to agent.Name, kind string) []agent.Envelope {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []agent.Envelope
	for _, m := range d.msgs {
		if m.To != string(to) {
			continue
		}
		env, err := agent.DecodeEnvelope(m.Content)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

type harness struct {
	o     *Orchestrator
	r     *router.Router
	store *persistence.Store
	deliv *captureDeliverer
	human *fakeHuman
	audit *fakeAudit
	clock *testClock
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "council.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHarness(t *testing.T, roster []agent.Name, mutate func(*Config, *router.Config)) *harness {
	t.Helper()
	h := &harness{
		store: openStore(t),
		deliv: &captureDeliverer{},
		human: &fakeHuman{},
		audit: &fakeAudit{},
		clock: &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	rc := router.Config{Deliverer: h.deliv, Store: h.store, Now: h.clock.Now}
	cfg := Config{
		Roster:         roster,
		MaxRetries:     2,
		MaxRequeues:    2,
		SubTaskTimeout: time.Minute,
		Store:          h.store,
		Human:          h.human,
		Audit:          h.audit,
		Now:            h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg, &rc)
	}
	h.r = router.New(rc)
	cfg.Router = h.r
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.o = o
	return h
}

func (h *harness) sub(t *testing.T, id string) *SubTask {
	t.Helper()
	st, ok := h.o.SubTask(id)
	if !ok {
		t.Fatalf("unknown subtask %s", id)
	}
	return st
}

func (h *harness) decompose(t *testing.T, q string) *Task {
	t.Helper()
	task, err := h.o.Decompose(context.Background(), Request{Query: q, RequestedAt: h.clock.Now()})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	return task
}

func TestDecompose_OneSubTaskPerRosterAgent(t *testing.T) {
	h := newHarness(t, nil, nil)
	task, err := h.o.Decompose(context.Background(), Request{
		Query:       "Review Q1 performance",
		RequestedAt: h.clock.Now(),
		Priority:    router.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(task.SubTasks) != len(agent.DefaultRoster) {
		t.Fatalf("expected %d subtasks, got %d", len(agent.DefaultRoster), len(task.SubTasks))
	}
	for i, st := range task.SubTasks {
		if st.Agent != agent.DefaultRoster[i] {
			t.Fatalf("subtask %d: expected %s, got %s", i, agent.DefaultRoster[i], st.Agent)
		}
		if st.Priority != router.PriorityHigh {
			t.Fatalf("subtask %s did not inherit task priority: %s", st.ID, st.Priority)
		}
		if st.Status != StatusPending || st.Attempt != 1 {
			t.Fatalf("unexpected initial state for %s: %+v", st.ID, st)
		}
	}
	if want := fmt.Sprintf("task_%d", h.clock.Now().UnixNano()); task.ID != want {
		t.Fatalf("expected id %s, got %s", want, task.ID)
	}

	again, err := h.o.Decompose(context.Background(), Request{Query: "another", RequestedAt: h.clock.Now()})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if again.ID == task.ID {
		t.Fatalf("two requests at the same instant share id %s", task.ID)
	}

	row, subs, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Priority != "high" || len(subs) != len(agent.DefaultRoster) {
		t.Fatalf("unexpected persisted task: %+v with %d subtasks", row, len(subs))
	}
}

func TestDecompose_RefinedPlanIsMerged(t *testing.T) {
	plan := "```json\n" + `{"subtasks":[
		{"agent":"explainer","instruction":"Explain the churn spike","priority":"high","depends_on":["data_collector","ghost","explainer"]},
		{"agent":"ghost","instruction":"ignored"}
	]}` + "\n```"
	h := newHarness(t, nil, func(c *Config, _ *router.Config) {
		c.RefinePlan = true
		c.Completer = completion.CompleterFunc(func(context.Context, completion.Request) (completion.Response, error) {
			return completion.Response{Text: plan}, nil
		})
	})
	task := h.decompose(t, "Why did churn rise?")
	var explainer *SubTask
	for _, st := range task.SubTasks {
		if st.Agent == agent.Explainer {
			explainer = st
		}
	}
	if explainer.Instruction != "Explain the churn spike" || explainer.Priority != router.PriorityHigh {
		t.Fatalf("plan not applied: %+v", explainer)
	}
	if len(explainer.DependsOn) != 1 || explainer.DependsOn[0] != agent.DataCollector {
		t.Fatalf("expected depends_on [data_collector], got %v", explainer.DependsOn)
	}
	if len(task.SubTasks) != len(agent.DefaultRoster) {
		t.Fatalf("unknown agent must not add a subtask, got %d", len(task.SubTasks))
	}
}

func TestDecompose_CyclicPlanFailsAfterAttempts(t *testing.T) {
	calls := 0
	h := newHarness(t, nil, func(c *Config, _ *router.Config) {
		c.RefinePlan = true
		c.DecomposeAttempts = 2
		c.Completer = completion.CompleterFunc(func(context.Context, completion.Request) (completion.Response, error) {
			calls++
			return completion.Response{Text: `{"subtasks":[{"agent":"data_collector","depends_on":["quality_reviewer"]}]}`}, nil
		})
	})
	_, err := h.o.Decompose(context.Background(), Request{Query: "loop", RequestedAt: h.clock.Now()})
	var de *DecompositionError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecompositionError, got %v", err)
	}
	var pe *completion.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a parse failure underneath, got %v", err)
	}
	if calls != 2 || de.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got calls=%d attempts=%d", calls, de.Attempts)
	}
	tasks, err := h.store.ListTasks(context.Background(), 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != string(StatusFailed) {
		t.Fatalf("expected the task persisted as failed, got %+v", tasks)
	}
}

func TestDecompose_TransportFailureIsDecompositionError(t *testing.T) {
	h := newHarness(t, nil, func(c *Config, _ *router.Config) {
		c.RefinePlan = true
		c.DecomposeAttempts = 3
		c.Completer = completion.CompleterFunc(func(context.Context, completion.Request) (completion.Response, error) {
			return completion.Response{}, &completion.TransportError{Op: "generate", StatusCode: 502, Err: errors.New("bad gateway")}
		})
	})
	_, err := h.o.Decompose(context.Background(), Request{Query: "q", RequestedAt: h.clock.Now()})
	var de *DecompositionError
	if !errors.As(err, &de) || de.Attempts != 3 {
		t.Fatalf("expected DecompositionError after 3 attempts, got %v", err)
	}
}

func TestDispatch_PriorityOrderAndReceipts(t *testing.T) {
	h := newHarness(t, nil, func(c *Config, _ *router.Config) {
		c.RefinePlan = true
		c.Completer = completion.CompleterFunc(func(context.Context, completion.Request) (completion.Response, error) {
			return completion.Response{Text: `{"subtasks":[{"agent":"quality_reviewer","priority":"high"}]}`}, nil
		})
	})
	task := h.decompose(t, "q")
	res := h.o.Dispatch(context.Background(), task)
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
	want := []string{task.ID + ".quality_reviewer"}
	for _, name := range agent.DefaultRoster[:len(agent.DefaultRoster)-1] {
		want = append(want, task.ID+"."+string(name))
	}
	if fmt.Sprint(res.Dispatched) != fmt.Sprint(want) {
		t.Fatalf("dispatch order\n got %v\nwant %v", res.Dispatched, want)
	}
	for _, rc := range res.Receipts {
		if !rc.Confirmed || rc.Type != router.ReceiptDelivery {
			t.Fatalf("expected confirmed receipt, got %+v", rc)
		}
		if n, _ := h.store.CountReceipts(context.Background(), rc.MessageID); n != 1 {
			t.Fatalf("expected exactly one receipt for %s, got %d", rc.MessageID, n)
		}
	}
	for _, id := range want {
		if st := h.sub(t, id); st.Status != StatusDispatched || st.MessageID == "" {
			t.Fatalf("expected %s dispatched, got %+v", id, st)
		}
	}
}

func TestMonitor_DependencyGating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []agent.Name{agent.DataCollector, agent.TrendAnalyst}, nil)
	task := h.decompose(t, "q")
	dc, ta := task.ID+".data_collector", task.ID+".trend_analyst"

	h.o.Dispatch(ctx, task)
	status := h.o.Monitor(ctx, task)
	if h.sub(t, dc).Status != StatusRunning {
		t.Fatalf("independent subtask should be running")
	}
	if h.sub(t, ta).Status != StatusDispatched {
		t.Fatalf("dependent subtask must wait, got %s", h.sub(t, ta).Status)
	}
	if len(status.Blocked) != 1 || status.Blocked[0] != ta {
		t.Fatalf("expected %s blocked, got %v", ta, status.Blocked)
	}

	// A report for a subtask that never started is ignored.
	if err := h.o.Report(ctx, agent.Report{TaskID: task.ID, SubTaskID: ta, Agent: agent.TrendAnalyst, Attempt: 1, Result: `{"summary":"early"}`}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if h.sub(t, ta).Status != StatusDispatched {
		t.Fatal("early report must not advance a blocked subtask")
	}
	status = h.o.Monitor(ctx, task)
	if h.sub(t, ta).Status != StatusDispatched || len(status.Blocked) != 1 {
		t.Fatal("dependent must stay blocked while its dependency runs")
	}

	result := `{"summary":"revenue up 12%"}`
	if err := h.o.Report(ctx, agent.Report{TaskID: task.ID, SubTaskID: dc, Agent: agent.DataCollector, Attempt: 1, Result: result}); err != nil {
		t.Fatalf("report: %v", err)
	}
	status = h.o.Monitor(ctx, task)
	if h.sub(t, ta).Status != StatusRunning || len(status.Blocked) != 0 {
		t.Fatalf("completing the dependency should unblock %s", ta)
	}

	h.r.Drain(ctx)
	starts := h.deliv.envelopes(t, agent.TrendAnalyst, agent.KindStart)
	if len(starts) != 1 || starts[0].Upstream["data_collector"] != result {
		t.Fatalf("expected one start carrying upstream output, got %+v", starts)
	}
}

func TestHandleException_RetriesThenEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []agent.Name{agent.DataCollector}, nil)
	task := h.decompose(t, "q")
	id := task.ID + ".data_collector"
	h.o.Dispatch(ctx, task)
	h.o.Monitor(ctx, task)

	for i := 1; i <= 2; i++ {
		act, err := h.o.HandleException(ctx, id, Failure{Category: FailureTimeout})
		if err != nil {
			t.Fatalf("handle exception %d: %v", i, err)
		}
		if act.Kind != ActionEscalateRetry || act.RetryCount != i {
			t.Fatalf("call %d: unexpected action %+v", i, act)
		}
	}
	st := h.sub(t, id)
	if st.RetryCount != 2 || st.Attempt != 3 || st.Priority != router.PriorityUrgent {
		t.Fatalf("unexpected subtask after retries: %+v", st)
	}
	if st.Status != StatusDispatched {
		t.Fatalf("retried subtask should be dispatched again, got %s", st.Status)
	}

	act, err := h.o.HandleException(ctx, id, Failure{Category: FailureTimeout})
	if err != nil {
		t.Fatalf("handle exception: %v", err)
	}
	if act.Kind != ActionEscalateHuman || act.HumanRequestID != "hitl_1" {
		t.Fatalf("expected escalate_human, got %+v", act)
	}
	st = h.sub(t, id)
	if st.Status != StatusFailed || !st.Terminal() {
		t.Fatalf("escalated subtask should be terminal failed, got %+v", st)
	}

	again, err := h.o.HandleException(ctx, id, Failure{Category: FailureTimeout})
	if err != nil || again.Kind != ActionEscalateHuman {
		t.Fatalf("repeat escalation: %+v %v", again, err)
	}
	if len(h.human.reqs) != 1 {
		t.Fatalf("expected a single human request, got %d", len(h.human.reqs))
	}
	if got := fmt.Sprint(h.audit.actions()); got != "[escalate_retry escalate_retry escalate_human]" {
		t.Fatalf("unexpected audit trail %s", got)
	}
}

func TestHandleException_UnknownCategoryGoesToHuman(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []agent.Name{agent.DataCollector}, nil)
	task := h.decompose(t, "q")
	act, err := h.o.HandleException(ctx, task.ID+".data_collector", Failure{Category: "mystery", Err: errors.New("??")})
	if err != nil {
		t.Fatalf("handle exception: %v", err)
	}
	if act.Kind != ActionEscalateHuman {
		t.Fatalf("expected escalate_human, got %s", act.Kind)
	}
	if _, err := h.o.HandleException(ctx, "nope", Failure{Category: FailureTimeout}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestMonitor_TimeoutAndLateResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []agent.Name{agent.DataCollector}, nil)
	task := h.decompose(t, "q")
	id := task.ID + ".data_collector"
	h.o.Dispatch(ctx, task)
	h.o.Monitor(ctx, task)

	h.clock.Advance(2 * time.Minute)
	status := h.o.Monitor(ctx, task)
	if len(status.Exceptions) != 1 || status.Exceptions[0].Kind != "timeout" {
		t.Fatalf("expected one timeout exception, got %+v", status.Exceptions)
	}
	var te *TimeoutError
	if !errors.As(status.Exceptions[0].Failure.Err, &te) || te.SubTaskID != id {
		t.Fatalf("expected TimeoutError for %s, got %v", id, status.Exceptions[0].Failure.Err)
	}
	if _, err := h.o.HandleException(ctx, id, status.Exceptions[0].Failure); err != nil {
		t.Fatalf("handle exception: %v", err)
	}

	late := agent.Report{TaskID: task.ID, SubTaskID: id, Agent: agent.DataCollector, Attempt: 1, Result: `{"summary":"late"}`}
	if err := h.o.Report(ctx, late); err != nil {
		t.Fatalf("report: %v", err)
	}
	h.o.Monitor(ctx, task)
	if err := h.o.Report(ctx, late); err != nil {
		t.Fatalf("report: %v", err)
	}
	if st := h.sub(t, id); st.Status != StatusRunning || st.Attempt != 2 {
		t.Fatalf("late result must not apply, got %+v", st)
	}

	current := agent.Report{TaskID: task.ID, SubTaskID: id, Agent: agent.DataCollector, Attempt: 2, Result: `{"summary":"fresh"}`}
	if err := h.o.Report(ctx, current); err != nil {
		t.Fatalf("report: %v", err)
	}
	current.Result = `{"summary":"duplicate"}`
	if err := h.o.Report(ctx, current); err != nil {
		t.Fatalf("report: %v", err)
	}
	if st := h.sub(t, id); st.Status != StatusCompleted || st.Result != `{"summary":"fresh"}` {
		t.Fatalf("expected first current-attempt result applied once, got %+v", st)
	}
	h.r.Drain(ctx)
	starts := h.deliv.envelopes(t, agent.DataCollector, agent.KindStart)
	if len(starts) != 2 {
		t.Fatalf("expected two start signals, got %d", len(starts))
	}
	for _, env := range starts {
		if (env.Attempt == 2) != (env.PreviousError != "") {
			t.Fatalf("only the retried start should carry the previous error, got %+v", env)
		}
	}
}

func TestDispatch_BackpressureRetriesLater(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []agent.Name{agent.DataCollector, agent.TrendAnalyst, agent.Explainer}, func(c *Config, rc *router.Config) {
		rc.MaxQueueDepth = 1
		c.MaxRequeues = 1
	})
	task := h.decompose(t, "q")
	res := h.o.Dispatch(ctx, task)
	if len(res.Dispatched) != 1 || len(res.Failures) != 2 {
		t.Fatalf("expected 1 dispatched and 2 failures, got %+v", res)
	}
	for _, f := range res.Failures {
		if f.Category != FailureBackpressure || !errors.Is(f.Err, router.ErrQueueFull) {
			t.Fatalf("expected backpressure failure, got %+v", f)
		}
	}
	if len(res.Receipts) != 3 || res.Receipts[1].Confirmed || res.Receipts[1].Type != router.ReceiptFailure {
		t.Fatalf("expected a failure receipt for every unconfirmed send, got %+v", res.Receipts)
	}
	h.r.Drain(ctx)

	status := h.o.Monitor(ctx, task)
	if len(status.Exceptions) != 2 {
		t.Fatalf("expected 2 exceptions, got %+v", status.Exceptions)
	}
	for _, ex := range status.Exceptions {
		act, err := h.o.HandleException(ctx, ex.SubTaskID, ex.Failure)
		if err != nil {
			t.Fatalf("handle exception: %v", err)
		}
		if act.Kind != ActionRetryLater || act.NotBefore == nil || !act.NotBefore.After(h.clock.Now()) {
			t.Fatalf("expected retry_later with a future deadline, got %+v", act)
		}
	}
	if st := h.sub(t, task.ID+".trend_analyst"); st.Status != StatusPending || st.Priority != router.PriorityNormal {
		t.Fatalf("requeued subtask should wait at its original priority, got %+v", st)
	}

	// Finish data_collector so the clock jump below does not time it out.
	dc := agent.Report{TaskID: task.ID, SubTaskID: task.ID + ".data_collector", Agent: agent.DataCollector, Attempt: 1, Result: `{"summary":"ok"}`}
	if err := h.o.Report(ctx, dc); err != nil {
		t.Fatalf("report: %v", err)
	}
	h.r.Drain(ctx)
	h.clock.Advance(time.Hour)
	status = h.o.Monitor(ctx, task)
	if st := h.sub(t, task.ID+".trend_analyst"); st.Status != StatusDispatched {
		t.Fatalf("expected trend_analyst re-sent after backoff, got %s", st.Status)
	}
	if len(status.Exceptions) != 1 || status.Exceptions[0].SubTaskID != task.ID+".explainer" {
		t.Fatalf("expected explainer to hit the full queue again, got %+v", status.Exceptions)
	}
	act, err := h.o.HandleException(ctx, status.Exceptions[0].SubTaskID, status.Exceptions[0].Failure)
	if err != nil {
		t.Fatalf("handle exception: %v", err)
	}
	if act.Kind != ActionEscalateHuman {
		t.Fatalf("requeue budget spent, expected escalate_human, got %s", act.Kind)
	}
}

func TestAggregate_PartialFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ks, err := knowledge.New(store, knowledge.Config{Dimension: 128})
	if err != nil {
		t.Fatalf("knowledge store: %v", err)
	}
	h := newHarness(t, []agent.Name{agent.DataCollector, agent.Explainer, agent.RiskAnalyst}, func(c *Config, _ *router.Config) {
		c.MaxRetries = 0
		c.Knowledge = ks
	})
	task := h.decompose(t, "Q1 review")
	dc, ex, ra := task.ID+".data_collector", task.ID+".explainer", task.ID+".risk_analyst"
	h.o.Dispatch(ctx, task)
	h.o.Monitor(ctx, task)

	if _, err := h.o.Aggregate(ctx, task); !errors.Is(err, ErrTaskNotTerminal) {
		t.Fatalf("expected ErrTaskNotTerminal, got %v", err)
	}

	reports := []agent.Report{
		{TaskID: task.ID, SubTaskID: dc, Agent: agent.DataCollector, Attempt: 1,
			Result: `{"summary":"Revenue grew","risk_level":"medium","facts":[{"title":"Q1 Revenue","description":"Revenue rose 12 percent in Q1"}]}`},
		{TaskID: task.ID, SubTaskID: ex, Agent: agent.Explainer, Attempt: 1,
			Result: `{"summary":"Pricing drove growth","explanations":[{"fact_title":"Q1 Revenue","explanation":"The new pricing tier lifted revenue"}]}`},
	}
	for _, r := range reports {
		if err := h.o.Report(ctx, r); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	h.o.Monitor(ctx, task)
	if err := h.o.Report(ctx, agent.Report{TaskID: task.ID, SubTaskID: ra, Agent: agent.RiskAnalyst, Attempt: 1, Err: "backend unavailable", Category: "transport"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	status := h.o.Monitor(ctx, task)
	for _, e := range status.Exceptions {
		if _, err := h.o.HandleException(ctx, e.SubTaskID, e.Failure); err != nil {
			t.Fatalf("handle exception: %v", err)
		}
	}
	if status = h.o.Monitor(ctx, task); !status.Done {
		t.Fatalf("expected task done, got %+v", status)
	}

	report, err := h.o.Aggregate(ctx, task)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if report.Status != StatusCompleted || !report.Partial {
		t.Fatalf("expected partial completed report, got status=%s partial=%v", report.Status, report.Partial)
	}
	if len(report.Sections) != 3 || !report.Sections[2].Empty || report.Sections[2].Error != "backend unavailable" {
		t.Fatalf("expected an explicit empty section for the failed agent, got %+v", report.Sections)
	}
	s := report.Summary
	if s.Completed != 2 || s.Failed != 1 || s.TopRiskLevel != "medium" || s.PrimaryConclusion != "Revenue grew" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if len(report.ExceptionLog) == 0 || report.ExceptionLog[0].Action != string(ActionEscalateHuman) {
		t.Fatalf("expected the escalation in the exception log, got %+v", report.ExceptionLog)
	}
	if len(report.Knowledge) != 2 {
		t.Fatalf("expected fact and explanation stored, got %v", report.Knowledge)
	}
	rels, err := ks.Relations(ctx, report.Knowledge[1])
	if err != nil {
		t.Fatalf("relations: %v", err)
	}
	if len(rels) != 1 || rels[0].Type != knowledge.RelationExplains || rels[0].TargetID != report.Knowledge[0] {
		t.Fatalf("expected explains edge to the fact, got %+v", rels)
	}

	again, err := h.o.Aggregate(ctx, task)
	if err != nil || again != report {
		t.Fatal("aggregating twice should return the same report")
	}
	row, _, err := h.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Status != string(StatusCompleted) || row.Report == "" || row.CompletedAt == nil {
		t.Fatalf("expected persisted report, got %+v", row)
	}
}

func TestMonitor_DependencyFailurePropagates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []agent.Name{agent.DataCollector, agent.TrendAnalyst, agent.Explainer}, func(c *Config, _ *router.Config) {
		c.MaxRetries = 0
	})
	task := h.decompose(t, "q")
	dc := task.ID + ".data_collector"
	h.o.Dispatch(ctx, task)
	h.o.Monitor(ctx, task)
	if err := h.o.Report(ctx, agent.Report{TaskID: task.ID, SubTaskID: dc, Agent: agent.DataCollector, Attempt: 1, Err: "no JSON", Category: "parse"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	status := h.o.Monitor(ctx, task)
	if len(status.Exceptions) != 1 || status.Exceptions[0].Failure.Category != FailureParse {
		t.Fatalf("expected parse exception, got %+v", status.Exceptions)
	}
	if _, err := h.o.HandleException(ctx, dc, status.Exceptions[0].Failure); err != nil {
		t.Fatalf("handle exception: %v", err)
	}
	status = h.o.Monitor(ctx, task)
	if !status.Done {
		t.Fatalf("dependents of a failed subtask should fail, got %+v", status)
	}
	for _, name := range []agent.Name{agent.TrendAnalyst, agent.Explainer} {
		st := h.sub(t, task.ID+"."+string(name))
		if st.Status != StatusFailed || st.Failure != FailureDependencyFailed {
			t.Fatalf("expected %s dependency_failed, got %+v", name, st)
		}
	}
	report, err := h.o.Aggregate(ctx, task)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if report.Status != StatusFailed || report.Partial {
		t.Fatalf("expected failed, non-partial report, got %s partial=%v", report.Status, report.Partial)
	}
}

func TestRun_CancelledStillAggregates(t *testing.T) {
	h := newHarness(t, []agent.Name{agent.DataCollector}, func(c *Config, _ *router.Config) {
		c.PollInterval = 5 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := h.o.Run(ctx, Request{Query: "q", RequestedAt: h.clock.Now()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if report == nil || report.Status != StatusFailed || !report.Sections[0].Empty {
		t.Fatalf("expected an aggregated failed report, got %+v", report)
	}
}

func TestRun_EndToEndWithWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	store := openStore(t)
	ks, err := knowledge.New(store, knowledge.Config{Dimension: 64})
	if err != nil {
		t.Fatalf("knowledge store: %v", err)
	}
	roster := []agent.Name{agent.DataCollector, agent.TrendAnalyst}
	r := router.New(router.Config{
		Deliverer: router.NewMailboxDeliverer(store, agent.Strings(roster)),
		Store:     store,
	})
	o, err := New(Config{
		Roster:       roster,
		MaxRetries:   1,
		PollInterval: 10 * time.Millisecond,
		Router:       r,
		Store:        store,
		Knowledge:    ks,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	completer := completion.CompleterFunc(func(context.Context, completion.Request) (completion.Response, error) {
		return completion.Response{Text: `{"summary":"Headcount is flat","facts":[{"title":"Headcount","description":"Headcount stayed at 120"}]}`}, nil
	})
	var workers []*agent.Worker
	for _, name := range roster {
		spec, _ := agent.Lookup(name)
		w, err := agent.NewWorker(agent.WorkerConfig{
			Spec:         spec,
			Completer:    completer,
			Mailbox:      store,
			Reporter:     o,
			PollInterval: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("new worker: %v", err)
		}
		workers = append(workers, w)
	}
	runCtx, stop := context.WithCancel(ctx)
	wait := agent.StartWorkers(runCtx, workers)
	go r.Run(runCtx, 10*time.Millisecond)
	defer func() {
		stop()
		wait()
	}()

	report, err := o.Run(ctx, Request{Query: "How is headcount trending?"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != StatusCompleted || report.Partial || report.Summary.Completed != 2 {
		t.Fatalf("unexpected report %+v", report.Summary)
	}
	if report.Summary.PrimaryConclusion != "Headcount is flat" {
		t.Fatalf("unexpected conclusion %q", report.Summary.PrimaryConclusion)
	}
	matches, err := ks.Retrieve(ctx, knowledge.KindFact, "Headcount", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected stored facts to be retrievable")
	}
}
