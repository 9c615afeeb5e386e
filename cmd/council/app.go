package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/audit"
	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/completion"
	"github.com/basket/go-council/internal/config"
	"github.com/basket/go-council/internal/coordinator"
	"github.com/basket/go-council/internal/hitl"
	"github.com/basket/go-council/internal/knowledge"
	otelPkg "github.com/basket/go-council/internal/otel"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/router"
	"github.com/basket/go-council/internal/telemetry"
)

// app holds every long-lived component of one CLI invocation. Nothing is
// global; each command builds what it needs through bootstrap.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	bus       *bus.Bus
	otel      *otelPkg.Provider
	metrics   *otelPkg.Metrics
	store     *persistence.Store
	audit     *audit.Logger
	knowledge *knowledge.Store

	// Set only when the runtime is built.
	router   *router.Router
	registry *agent.Registry
	human    *hitl.Channel
	orch     *coordinator.Orchestrator
	workers  []*agent.Worker

	closers []io.Closer
}

type bootOptions struct {
	// quiet keeps log output off the terminal.
	quiet bool
	// runtime builds the router, agents and orchestrator.
	runtime bool
}

func bootstrap(ctx context.Context, opts bootOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, bus: bus.New(), closers: []io.Closer{closer}}
	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found; running with defaults", "home", cfg.HomeDir)
	}

	a.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.metrics, err = otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.store, err = persistence.Open(cfg.DatabasePath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	a.knowledge, err = knowledge.New(a.store, knowledge.Config{
		Dimension:       cfg.Knowledge.Dimension,
		SimilarityFloor: cfg.Knowledge.SimilarityFloor,
		KeywordLimit:    cfg.Knowledge.KeywordLimit,
		QueryCacheSize:  cfg.Knowledge.QueryCacheSize,
		Bus:             a.bus,
		Logger:          logger,
		Metrics:         a.metrics,
		Tracer:          a.otel.Tracer,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init knowledge store: %w", err)
	}

	if opts.runtime {
		if err := a.buildRuntime(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) buildRuntime(ctx context.Context) error {
	cfg := a.cfg
	roster, err := agent.ParseRoster(cfg.Orchestrator.Roster)
	if err != nil {
		return fmt.Errorf("roster: %w", err)
	}
	routes, err := routesFrom(cfg.Router)
	if err != nil {
		return err
	}
	discipline, err := router.ParseDiscipline(cfg.Router.QueueDiscipline)
	if err != nil {
		return err
	}

	a.audit, err = audit.Open(cfg.HomeDir, a.store, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.audit)

	deliverer := router.NewMailboxDeliverer(a.store, agent.Strings(roster))
	a.router = router.New(router.Config{
		Discipline:    discipline,
		MaxQueueDepth: cfg.Router.MaxQueueDepth,
		Routes:        routes,
		Deliverer:     deliverer,
		Store:         a.store,
		Bus:           a.bus,
		Logger:        a.logger,
		Metrics:       a.metrics,
		Tracer:        a.otel.Tracer,
	})

	// Requests leave Model empty so each backend applies its own default.
	completer, model := newCompleter(ctx, cfg, a.logger, a.metrics, a.otel)
	a.logger.Info("startup phase", "phase", "completer_selected", "provider", cfg.LLM.Provider, "model", model)

	a.registry = agent.NewRegistry(a.store, a.bus, a.logger)
	if err := a.registry.Register(ctx, roster); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	a.human = hitl.NewChannel(a.store, a.bus, a.logger)

	deps, err := dependenciesFrom(cfg.Orchestrator.Dependencies)
	if err != nil {
		return err
	}
	oc := cfg.Orchestrator
	a.orch, err = coordinator.New(coordinator.Config{
		Roster:            roster,
		Dependencies:      deps,
		RefinePlan:        oc.RefinePlan,
		DecomposeAttempts: oc.DecomposeAttempts,
		MaxRetries:        oc.MaxRetries,
		MaxRequeues:       oc.MaxRequeues,
		SubTaskTimeout:    time.Duration(oc.SubtaskTimeoutSeconds) * time.Second,
		PollInterval:      time.Duration(oc.PollIntervalMillis) * time.Millisecond,
		BackoffBase:       time.Duration(oc.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:        time.Duration(oc.BackoffMaxMillis) * time.Millisecond,
		MaxTokens:         cfg.LLM.MaxOutputTokens,
		Temperature:       cfg.LLM.Temperature,
		Router:            a.router,
		Store:             a.store,
		Knowledge:         a.knowledge,
		Completer:         completer,
		Human:             a.human,
		Audit:             a.audit,
		Bus:               a.bus,
		Logger:            a.logger,
		Metrics:           a.metrics,
		Tracer:            a.otel.Tracer,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	for _, name := range roster {
		spec, _ := agent.Lookup(name)
		w, err := agent.NewWorker(agent.WorkerConfig{
			Spec:         spec,
			Completer:    completer,
			Mailbox:      a.store,
			Reporter:     a.orch,
			Registry:     a.registry,
			MaxTokens:    cfg.LLM.MaxOutputTokens,
			Temperature:  cfg.LLM.Temperature,
			Attempts:     cfg.LLM.MaxAttempts,
			PromptBudget: cfg.Agents.PromptTokenBudget,
			PollInterval: time.Duration(cfg.Agents.MailboxPollMillis) * time.Millisecond,
			Heartbeat:    time.Duration(cfg.Agents.HeartbeatSeconds) * time.Second,
			Bus:          a.bus,
			Logger:       a.logger,
			Tracer:       a.otel.Tracer,
		})
		if err != nil {
			return err
		}
		a.workers = append(a.workers, w)
	}
	a.logger.Info("startup phase", "phase", "runtime_ready", "roster", agent.Strings(roster),
		"discipline", discipline, "max_queue_depth", cfg.Router.MaxQueueDepth)
	return nil
}

// startRuntime runs the agents and the router queue until ctx ends. The
// returned function cancels them and waits.
func (a *app) startRuntime(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	wait := agent.StartWorkers(ctx, a.workers)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.router.Run(ctx, 250*time.Millisecond)
	}()
	return func() {
		cancel()
		wait()
		<-done
	}
}

func (a *app) Close() {
	if a.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otel.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// newCompleter picks the completion backend and returns it with the model
// name it will use. Missing credentials fall back to a fixed answer so the
// pipeline still runs end to end.
func newCompleter(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *otelPkg.Metrics, p *otelPkg.Provider) (completion.Completer, string) {
	provider := cfg.LLM.Provider
	model := completion.ModelName(provider, cfg.LLM.Model)
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second

	var inner completion.Completer
	switch provider {
	case "ollama":
		baseURL := cfg.LLM.BaseURL
		if baseURL == "" {
			baseURL = cfg.Providers["ollama"].BaseURL
		}
		inner = completion.NewHTTPClient(baseURL, model, timeout, logger, metrics)
	default:
		gc, err := completion.NewGenkitClient(ctx, completion.GenkitConfig{
			Provider:       provider,
			Model:          cfg.LLM.Model,
			APIKey:         cfg.ProviderAPIKey(provider),
			BaseURL:        firstNonEmpty(cfg.LLM.BaseURL, cfg.Providers[provider].BaseURL),
			CompatProvider: cfg.LLM.CompatProvider,
			Timeout:        timeout,
			Logger:         logger,
			Metrics:        metrics,
			Tracer:         p.Tracer,
		})
		if err != nil {
			if errors.Is(err, completion.ErrNoAPIKey) {
				logger.Warn("no API key configured; using the fallback completer", "provider", provider)
			} else {
				logger.Error("completion backend unavailable; using the fallback completer", "provider", provider, "error", err)
			}
			return completion.Fallback{}, "fallback"
		}
		inner = gc
	}
	return completion.NewRetrying(inner, cfg.LLM.MaxAttempts, 500*time.Millisecond, logger), model
}

func routesFrom(rc config.RouterConfig) (map[string]router.Route, error) {
	routes := make(map[string]router.Route, len(rc.Routes))
	for name, r := range rc.Routes {
		route := router.Route{BasePriority: router.PriorityNormal, Type: router.RouteDirect}
		if r.BasePriority != "" {
			p, err := router.ParsePriority(r.BasePriority)
			if err != nil {
				return nil, fmt.Errorf("router.routes[%s]: %w", name, err)
			}
			route.BasePriority = p
		}
		switch strings.ToLower(r.Type) {
		case "", string(router.RouteDirect):
		case string(router.RouteBroadcast):
			route.Type = router.RouteBroadcast
		default:
			return nil, fmt.Errorf("router.routes[%s]: unknown route type %q", name, r.Type)
		}
		routes[name] = route
	}
	return routes, nil
}

func dependenciesFrom(raw map[string][]string) (map[agent.Name][]agent.Name, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[agent.Name][]agent.Name, len(raw))
	for name, deps := range raw {
		n := agent.Name(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := agent.Lookup(n); !ok {
			return nil, fmt.Errorf("orchestrator.dependencies: unknown agent %q", name)
		}
		list := make([]agent.Name, 0, len(deps))
		for _, d := range deps {
			dn := agent.Name(strings.ToLower(strings.TrimSpace(d)))
			if _, ok := agent.Lookup(dn); !ok {
				return nil, fmt.Errorf("orchestrator.dependencies[%s]: unknown agent %q", name, d)
			}
			list = append(list, dn)
		}
		out[n] = list
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
