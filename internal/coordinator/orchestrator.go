// Package coordinator turns one request into a supervised run of the agent
// roster: it decomposes the request, dispatches subtasks through the router,
// monitors progress, handles failures and aggregates the results.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/completion"
	"github.com/basket/go-council/internal/hitl"
	"github.com/basket/go-council/internal/knowledge"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/router"
	"github.com/basket/go-council/internal/shared"
)

// Sender is the part of the router the orchestrator dispatches through.
type Sender interface {
	Pack(from, to, content string, priority router.Priority) router.Message
	Route(m router.Message) router.Message
	Send(ctx context.Context, m router.Message) router.SendResult
	ConfirmReceipt(ctx context.Context, m router.Message, res router.SendResult) router.Receipt
}

// TaskStore persists task and subtask state.
type TaskStore interface {
	SaveTask(ctx context.Context, task persistence.TaskRow, subtasks []persistence.SubTaskRow) error
	SaveSubTask(ctx context.Context, st persistence.SubTaskRow) error
}

// KnowledgeWriter receives the reusable knowledge found in agent output.
type KnowledgeWriter interface {
	Store(ctx context.Context, kind knowledge.Kind, in knowledge.Input) (*knowledge.Record, error)
}

// HumanChannel files human-intervention requests.
type HumanChannel interface {
	Request(ctx context.Context, hc hitl.Context, priority string) (string, error)
}

// Auditor records escalation decisions.
type Auditor interface {
	Record(ctx context.Context, e persistence.AuditEntry)
}

// Sender name used on every orchestrator message.
const orchestratorName = "orchestrator"

type Config struct {
	Roster []agent.Name
	// Dependencies overrides the roster's default dependency edges per agent.
	Dependencies map[agent.Name][]agent.Name
	RefinePlan   bool

	DecomposeAttempts int
	// MaxRetries bounds escalate_retry per subtask; zero disables retries.
	MaxRetries     int
	MaxRequeues    int
	SubTaskTimeout time.Duration
	PollInterval   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	Model       string
	MaxTokens   int
	Temperature float64

	Router    Sender
	Store     TaskStore
	Knowledge KnowledgeWriter
	Completer completion.Completer
	Human     HumanChannel
	Audit     Auditor

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Orchestrator owns every task it decomposed. All task state sits behind mu;
// agent reports arrive concurrently through Report.
type Orchestrator struct {
	roster       []agent.Name
	dependencies map[agent.Name][]agent.Name
	refinePlan   bool

	decomposeAttempts int
	maxRetries        int
	maxRequeues       int
	timeout           time.Duration
	pollInterval      time.Duration
	backoffBase       time.Duration
	backoffMax        time.Duration

	model       string
	maxTokens   int
	temperature float64

	router    Sender
	store     TaskStore
	knowledge KnowledgeWriter
	completer completion.Completer
	human     HumanChannel
	audit     Auditor

	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	ids     *shared.IDAllocator

	mu       sync.Mutex
	tasks    map[string]*Task
	subtasks map[string]*SubTask
	reports  map[string]*Report
}

// New returns an orchestrator. Router is required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Router == nil {
		return nil, errors.New("coordinator: router is required")
	}
	roster := cfg.Roster
	if len(roster) == 0 {
		roster = agent.DefaultRoster
	}
	for _, n := range roster {
		if _, ok := agent.Lookup(n); !ok {
			return nil, fmt.Errorf("coordinator: unknown roster agent %q", n)
		}
	}
	o := &Orchestrator{
		roster:            append([]agent.Name(nil), roster...),
		dependencies:      cfg.Dependencies,
		refinePlan:        cfg.RefinePlan,
		decomposeAttempts: cfg.DecomposeAttempts,
		maxRetries:        max(cfg.MaxRetries, 0),
		maxRequeues:       max(cfg.MaxRequeues, 0),
		timeout:           cfg.SubTaskTimeout,
		pollInterval:      cfg.PollInterval,
		backoffBase:       cfg.BackoffBase,
		backoffMax:        cfg.BackoffMax,
		model:             cfg.Model,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		router:            cfg.Router,
		store:             cfg.Store,
		knowledge:         cfg.Knowledge,
		completer:         cfg.Completer,
		human:             cfg.Human,
		audit:             cfg.Audit,
		bus:               cfg.Bus,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
		now:               cfg.Now,
		ids:               shared.NewIDAllocator(),
		tasks:             make(map[string]*Task),
		subtasks:          make(map[string]*SubTask),
		reports:           make(map[string]*Report),
	}
	if o.decomposeAttempts <= 0 {
		o.decomposeAttempts = 3
	}
	if o.timeout <= 0 {
		o.timeout = 5 * time.Minute
	}
	if o.pollInterval <= 0 {
		o.pollInterval = 500 * time.Millisecond
	}
	if o.backoffBase <= 0 {
		o.backoffBase = 500 * time.Millisecond
	}
	if o.backoffMax < o.backoffBase {
		o.backoffMax = 30 * time.Second
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = otelPkg.NoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Roster returns the configured agents in declaration order.
func (o *Orchestrator) Roster() []agent.Name {
	return append([]agent.Name(nil), o.roster...)
}

// Decompose turns a request into a task with one subtask per roster agent.
// With plan refinement on, the completer may adjust instructions, edges and
// priorities; when it keeps failing the task is persisted as failed and a
// *DecompositionError is returned.
func (o *Orchestrator) Decompose(ctx context.Context, req Request) (*Task, error) {
	at := req.RequestedAt
	if at.IsZero() {
		at = o.now()
	}
	task := &Task{
		ID:        o.ids.NewID("task", at),
		Query:     strings.TrimSpace(req.Query),
		Material:  req.Material,
		Priority:  req.Priority,
		Status:    StatusPending,
		CreatedAt: at.UTC(),
	}
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "coordinator.decompose", otelPkg.AttrTaskID.String(task.ID))
	defer span.End()
	log := o.logger.With(shared.LogAttrs(ctx)...)

	if task.Query == "" {
		err := &DecompositionError{TaskID: task.ID, Err: errors.New("empty query")}
		otelPkg.RecordError(span, err)
		return nil, err
	}

	now := o.now().UTC()
	inRoster := make(map[agent.Name]bool, len(o.roster))
	for _, n := range o.roster {
		inRoster[n] = true
	}
	for i, name := range o.roster {
		spec, _ := agent.Lookup(name)
		deps := spec.DependsOn
		if override, ok := o.dependencies[name]; ok {
			deps = override
		}
		var kept []agent.Name
		for _, d := range deps {
			if inRoster[d] && d != name {
				kept = append(kept, d)
			}
		}
		task.SubTasks = append(task.SubTasks, &SubTask{
			ID:              task.ID + "." + string(name),
			TaskID:          task.ID,
			Seq:             i,
			Agent:           name,
			Instruction:     spec.Instruction,
			DependsOn:       kept,
			Priority:        task.Priority,
			Status:          StatusPending,
			Attempt:         1,
			StatusChangedAt: now,
		})
	}

	var decompErr error
	if _, err := topoSort(task.SubTasks); err != nil {
		decompErr = &DecompositionError{TaskID: task.ID, Err: err}
	} else if o.refinePlan && o.completer != nil {
		subs, attempts, err := o.refine(ctx, task)
		if err != nil {
			decompErr = &DecompositionError{TaskID: task.ID, Attempts: attempts, Err: err}
		} else {
			task.SubTasks = subs
		}
	}
	if decompErr != nil {
		otelPkg.RecordError(span, decompErr)
		task.Status = StatusFailed
		completed := now
		task.CompletedAt = &completed
		if err := o.persistTask(ctx, task, nil, decompErr.Error()); err != nil {
			log.Error("persist failed task", "error", err)
		}
		o.bus.Publish(bus.TopicTaskFailed, bus.TaskDoneEvent{TaskID: task.ID, Status: string(StatusFailed)})
		log.Error("decomposition failed", "error", decompErr)
		return nil, decompErr
	}

	if err := o.persistTask(ctx, task, nil, ""); err != nil {
		otelPkg.RecordError(span, err)
		return nil, fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	o.mu.Lock()
	o.tasks[task.ID] = task
	for _, st := range task.SubTasks {
		o.subtasks[st.ID] = st
	}
	snapshot := cloneTask(task)
	o.mu.Unlock()

	log.Info("task decomposed", "subtasks", len(task.SubTasks), "priority", task.Priority.String(), "refined", o.refinePlan && o.completer != nil)
	return snapshot, nil
}

// Task returns a snapshot of a task.
func (o *Orchestrator) Task(id string) (*Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// SubTask returns a snapshot of a subtask.
func (o *Orchestrator) SubTask(id string) (*SubTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.subtasks[id]
	if !ok {
		return nil, false
	}
	c := *st
	c.DependsOn = append([]agent.Name(nil), st.DependsOn...)
	return &c, true
}

func (o *Orchestrator) lookupTaskLocked(id string) (*Task, error) {
	t, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	return t, nil
}

// setStatusLocked moves st to status, persists it and announces the change.
func (o *Orchestrator) setStatusLocked(ctx context.Context, st *SubTask, status Status) {
	old := st.Status
	st.Status = status
	st.StatusChangedAt = o.now().UTC()
	o.saveSubTaskLocked(ctx, st)
	if old != status {
		o.bus.Publish(bus.TopicSubTaskStatus, bus.SubTaskStatusEvent{
			TaskID:    st.TaskID,
			SubTaskID: st.ID,
			Agent:     string(st.Agent),
			OldStatus: string(old),
			NewStatus: string(status),
			Attempt:   st.Attempt,
		})
		o.logger.DebugContext(ctx, "subtask status changed", "subtask_id", st.ID, "from", old, "to", status, "attempt", st.Attempt)
	}
}

func (o *Orchestrator) saveSubTaskLocked(ctx context.Context, st *SubTask) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveSubTask(ctx, subTaskRow(st)); err != nil {
		o.logger.ErrorContext(ctx, "persist subtask failed", "subtask_id", st.ID, "error", err)
	}
}

func (o *Orchestrator) persistTask(ctx context.Context, t *Task, report *Report, errText string) error {
	if o.store == nil {
		return nil
	}
	row := persistence.TaskRow{
		ID:          t.ID,
		Query:       t.Query,
		Material:    t.Material,
		Priority:    t.Priority.String(),
		Status:      string(t.Status),
		Error:       errText,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		row.Report = string(b)
	}
	subs := make([]persistence.SubTaskRow, 0, len(t.SubTasks))
	for _, st := range t.SubTasks {
		subs = append(subs, subTaskRow(st))
	}
	return o.store.SaveTask(ctx, row, subs)
}

func subTaskRow(st *SubTask) persistence.SubTaskRow {
	return persistence.SubTaskRow{
		ID:              st.ID,
		TaskID:          st.TaskID,
		Seq:             st.Seq,
		Agent:           string(st.Agent),
		Instruction:     st.Instruction,
		DependsOn:       agent.Strings(st.DependsOn),
		Priority:        st.Priority.String(),
		Status:          string(st.Status),
		Attempt:         st.Attempt,
		RetryCount:      st.RetryCount,
		RequeueCount:    st.RequeueCount,
		MessageID:       st.MessageID,
		Result:          st.Result,
		LastError:       st.LastError,
		FailureCategory: string(st.Failure),
		StatusChangedAt: st.StatusChangedAt,
		NotBefore:       st.NotBefore,
	}
}

func (o *Orchestrator) countOutcome(ctx context.Context, st *SubTask, outcome string) {
	o.metrics.SubTaskOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", string(st.Agent)),
		attribute.String("outcome", outcome),
	))
}
