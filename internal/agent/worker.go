package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/completion"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/safety"
	"github.com/basket/go-council/internal/shared"
	"github.com/basket/go-council/internal/tokenutil"
)

// Mailbox is an agent's persistent inbox.
type Mailbox interface {
	ReadMailbox(ctx context.Context, agent string, limit int) ([]persistence.MailboxItem, error)
}

// Reporter receives agent results.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

type WorkerConfig struct {
	Spec      Spec
	Completer completion.Completer
	Mailbox   Mailbox
	Reporter  Reporter
	Registry  *Registry

	Model       string
	MaxTokens   int
	Temperature float64
	// Attempts bounds completion calls per subtask attempt, counting
	// transport and parse failures alike.
	Attempts     int
	PromptBudget int
	PollInterval time.Duration
	Heartbeat    time.Duration

	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Worker is the single logical worker of one roster agent. It reads its
// mailbox, waits for a start signal, and reports one result per attempt.
type Worker struct {
	cfg       WorkerConfig
	schema    *completion.Schema
	logger    *slog.Logger
	tracer    trace.Tracer
	sanitizer *safety.Sanitizer
	leaks     *safety.LeakDetector

	mu       sync.Mutex
	assigned map[string]Envelope
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Completer == nil || cfg.Mailbox == nil || cfg.Reporter == nil {
		return nil, fmt.Errorf("worker %s: completer, mailbox and reporter are required", cfg.Spec.Name)
	}
	schema, err := completion.CompileSchema(cfg.Spec.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", cfg.Spec.Name, err)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Worker{
		cfg:       cfg,
		schema:    schema,
		logger:    logger.With("agent", string(cfg.Spec.Name)),
		tracer:    tracer,
		sanitizer: safety.NewSanitizer(),
		leaks:     safety.NewLeakDetector(),
		assigned:  make(map[string]Envelope),
	}, nil
}

func (w *Worker) Name() Name { return w.cfg.Spec.Name }

// Run polls the mailbox until ctx is cancelled. Deliveries addressed to the
// agent wake it early.
func (w *Worker) Run(ctx context.Context) {
	var events <-chan bus.Event
	if w.cfg.Bus != nil {
		sub := w.cfg.Bus.Subscribe(bus.TopicMessageDelivered)
		defer w.cfg.Bus.Unsubscribe(sub)
		events = sub.Ch()
	}
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(w.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			me, ok := ev.Payload.(bus.MessageEvent)
			if !ok || (me.To != string(w.Name()) && me.To != "*") {
				continue
			}
		case <-poll.C:
		case <-heartbeat.C:
			if w.cfg.Registry != nil {
				if err := w.cfg.Registry.Heartbeat(ctx, w.Name()); err != nil {
					w.logger.Debug("heartbeat failed", "error", err)
				}
			}
			continue
		}
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("mailbox poll failed", "error", err)
		}
	}
}

// Poll handles every unread mailbox message once and returns how many were read.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	items, err := w.cfg.Mailbox.ReadMailbox(ctx, string(w.Name()), 16)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		env, err := DecodeEnvelope(it.Content)
		if err != nil {
			w.logger.Warn("ignoring malformed message", "message_id", it.MessageID, "error", err)
			continue
		}
		switch env.Kind {
		case KindAssign:
			w.mu.Lock()
			w.assigned[env.SubTaskID] = env
			w.mu.Unlock()
		case KindStart:
			w.mu.Lock()
			delete(w.assigned, env.SubTaskID)
			w.mu.Unlock()
			w.execute(ctx, env)
		}
	}
	return len(items), nil
}

// Pending returns the subtasks assigned but not yet started.
func (w *Worker) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.assigned))
	for id := range w.assigned {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (w *Worker) execute(ctx context.Context, env Envelope) {
	ctx = shared.WithTaskID(shared.WithAgent(ctx, string(w.Name())), env.TaskID)
	ctx = shared.WithSubTaskID(ctx, env.SubTaskID)
	ctx, span := otelPkg.StartSpan(ctx, w.tracer, "agent.execute",
		otelPkg.AttrAgent.String(string(w.Name())),
		otelPkg.AttrTaskID.String(env.TaskID),
		otelPkg.AttrSubTaskID.String(env.SubTaskID),
	)
	defer span.End()
	log := w.logger.With(shared.LogAttrs(ctx)...)

	if w.cfg.Registry != nil {
		if err := w.cfg.Registry.SetBusy(ctx, w.Name(), env.TaskID); err != nil {
			log.Warn("set busy failed", "error", err)
		}
	}

	rep := Report{TaskID: env.TaskID, SubTaskID: env.SubTaskID, Agent: w.Name(), Attempt: env.Attempt}
	screen := w.sanitizer.Screen(
		safety.Field{Name: "query", Text: env.Query},
		safety.Field{Name: "instruction", Text: env.Instruction},
		safety.Field{Name: "material", Text: env.Material},
	)
	switch screen.Action {
	case safety.ActionBlock:
		rep.Err = screen.Err().Error()
		rep.Category = CategoryUnsafeInput
		log.Warn("input rejected before completion", "field", screen.Field, "reason", screen.Reason)
		if w.cfg.Registry != nil {
			_ = w.cfg.Registry.SetError(ctx, w.Name(), env.TaskID, rep.Err)
		}
		if err := w.cfg.Reporter.Report(ctx, rep); err != nil {
			log.Warn("report rejected", "error", err)
		}
		return
	case safety.ActionWarn:
		log.Warn("suspicious input", "field", screen.Field, "reason", screen.Reason)
	}

	req := completion.Request{
		Model:       w.cfg.Model,
		System:      w.systemPrompt(),
		Prompt:      w.prompt(env),
		MaxTokens:   w.cfg.MaxTokens,
		Temperature: w.cfg.Temperature,
	}
	var result string
	err := completion.CompleteStructured(ctx, w.cfg.Completer, req, w.cfg.Attempts, func(text string) error {
		raw, err := w.schema.Decode(text, nil)
		result = raw
		return err
	})

	if err != nil {
		otelPkg.RecordError(span, err)
		rep.Err = shared.Redact(err.Error())
		rep.Category = CategoryTransport
		if completion.ClassifyError(err) == completion.ErrorClassParse {
			rep.Category = CategoryParse
		}
		log.Warn("agent execution failed", "attempt", env.Attempt, "category", rep.Category, "error", err)
		if w.cfg.Registry != nil {
			_ = w.cfg.Registry.SetError(ctx, w.Name(), env.TaskID, rep.Err)
		}
	} else {
		clean, leaks := w.leaks.RedactJSON(result)
		if len(leaks) > 0 {
			patterns := make([]string, 0, len(leaks))
			for _, l := range leaks {
				patterns = append(patterns, l.Pattern)
			}
			log.Warn("redacted secrets from agent output", "count", len(leaks), "patterns", strings.Join(patterns, ","))
		}
		rep.Result = clean
		log.Info("agent execution completed", "attempt", env.Attempt)
		if w.cfg.Registry != nil {
			_ = w.cfg.Registry.SetIdle(ctx, w.Name())
		}
	}
	if err := w.cfg.Reporter.Report(ctx, rep); err != nil {
		log.Warn("report rejected", "error", err)
	}
}

func (w *Worker) systemPrompt() string {
	return fmt.Sprintf("You are the %s on an analysis council. Respond with a single JSON object only. "+
		"Always include a \"summary\" string.", w.cfg.Spec.Role)
}

func (w *Worker) prompt(env Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nYour task: %s\n", env.Query, env.Instruction)
	if env.PreviousError != "" {
		fmt.Fprintf(&b, "\nAttempt %d failed with: %s\nAdjust your approach and answer again.\n", env.Attempt-1, env.PreviousError)
	}
	if len(env.Upstream) > 0 {
		b.WriteString("\nOutputs from other agents:\n")
		names := make([]string, 0, len(env.Upstream))
		for name := range env.Upstream {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, env.Upstream[name])
		}
	}
	if env.Material != "" {
		budget := w.cfg.PromptBudget
		if budget > 0 {
			budget -= tokenutil.EstimateTokens(b.String())
			if budget < 1 {
				budget = 1
			}
		}
		material, cut := tokenutil.Truncate(env.Material, budget)
		if cut {
			w.logger.Debug("material truncated to prompt budget", "subtask_id", env.SubTaskID, "budget", budget)
		}
		fmt.Fprintf(&b, "\nMaterial:\n%s\n", material)
	}
	return b.String()
}

// StartWorkers runs every worker in its own goroutine and returns a wait
// function that blocks until all have stopped.
func StartWorkers(ctx context.Context, workers []*Worker) (wait func()) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	return wg.Wait
}
